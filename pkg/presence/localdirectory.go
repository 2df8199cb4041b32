// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package presence

import (
	"context"
	"sync"

	"github.com/livekit/protocol/logger"
)

// LocalDirectory keeps all rooms in memory. Every session sharing one instance sees the same rooms,
// which is what in-process tests and single-host demos need.
type LocalDirectory struct {
	logger logger.Logger

	lock sync.RWMutex
	// map of room => { participant id: participant }
	participants map[string]map[string]Participant
	subscribers  map[string]map[*subscriber]struct{}
	closed       bool
}

func NewLocalDirectory(l logger.Logger) *LocalDirectory {
	if l == nil {
		l = logger.GetLogger()
	}
	return &LocalDirectory{
		logger:       l.WithName("presence"),
		participants: make(map[string]map[string]Participant),
		subscribers:  make(map[string]map[*subscriber]struct{}),
	}
}

func (d *LocalDirectory) Join(_ context.Context, room string, p Participant) error {
	if room == "" {
		return ErrInvalidRoom
	}
	if p.ID == "" {
		return ErrInvalidParticipant
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return ErrClosed
	}

	roomParticipants := d.participants[room]
	if roomParticipants == nil {
		roomParticipants = make(map[string]Participant)
		d.participants[room] = roomParticipants
	}
	evType := EventAdded
	if _, ok := roomParticipants[p.ID]; ok {
		evType = EventModified
	}
	roomParticipants[p.ID] = p.Clone()
	d.notifyLocked(room, Event{Type: evType, Participant: p})
	return nil
}

func (d *LocalDirectory) UpdateSelf(_ context.Context, room, participantID string, u Update) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return ErrClosed
	}

	p, ok := d.participants[room][participantID]
	if !ok {
		return nil
	}
	if !u.Apply(&p) {
		return nil
	}
	d.participants[room][participantID] = p
	d.notifyLocked(room, Event{Type: EventModified, Participant: p})
	return nil
}

func (d *LocalDirectory) Leave(_ context.Context, room, participantID string) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return ErrClosed
	}

	roomParticipants := d.participants[room]
	p, ok := roomParticipants[participantID]
	if !ok {
		return nil
	}
	delete(roomParticipants, participantID)
	if len(roomParticipants) == 0 {
		// rooms have no explicit lifetime
		delete(d.participants, room)
	}
	d.notifyLocked(room, Event{Type: EventRemoved, Participant: p})
	return nil
}

func (d *LocalDirectory) List(_ context.Context, room string) ([]Participant, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.listLocked(room), nil
}

func (d *LocalDirectory) Subscribe(_ context.Context, room string, onChange func(Event)) (Unsubscribe, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	sub := newSubscriber(room, onChange, d.logger)
	for _, p := range d.listLocked(room) {
		sub.deliver(Event{Type: EventAdded, Participant: p})
	}
	subs := d.subscribers[room]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		d.subscribers[room] = subs
	}
	subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			d.lock.Lock()
			delete(d.subscribers[room], sub)
			if len(d.subscribers[room]) == 0 {
				delete(d.subscribers, room)
			}
			d.lock.Unlock()
			sub.stop()
		})
	}, nil
}

func (d *LocalDirectory) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	d.closed = true
	subscribers := d.subscribers
	d.subscribers = make(map[string]map[*subscriber]struct{})
	d.lock.Unlock()

	for _, subs := range subscribers {
		for sub := range subs {
			sub.stop()
		}
	}
	return nil
}

func (d *LocalDirectory) listLocked(room string) []Participant {
	roomParticipants := d.participants[room]
	ps := make([]Participant, 0, len(roomParticipants))
	for _, p := range roomParticipants {
		ps = append(ps, p.Clone())
	}
	sortParticipants(ps)
	return ps
}

func (d *LocalDirectory) notifyLocked(room string, ev Event) {
	for sub := range d.subscribers[room] {
		sub.deliver(ev)
	}
}
