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

package rtc

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/presence"
)

type StreamEntry struct {
	ParticipantID string
	Stream        *media.Stream
	IsLocal       bool
	IsScreenShare bool
	DisplayName   string
	HandRaised    bool
	Reaction      *presence.Reaction
}

func (e StreamEntry) clone() StreamEntry {
	if e.Reaction != nil {
		r := *e.Reaction
		e.Reaction = &r
	}
	return e
}

func (e *StreamEntry) annotate(p presence.Participant) {
	e.DisplayName = p.DisplayName
	e.HandRaised = p.HandRaised
	e.Reaction = nil
	if p.Reaction != nil {
		r := *p.Reaction
		e.Reaction = &r
	}
	if e.IsLocal {
		e.IsScreenShare = e.Stream != nil && e.Stream.IsScreenShare()
	} else {
		e.IsScreenShare = p.ScreenSharing
	}
}

// StreamRegistry holds one entry per participant with live media, in arrival order with the local
// participant first.
type StreamRegistry struct {
	lock     sync.RWMutex
	entries  *orderedmap.OrderedMap[string, *StreamEntry]
	onChange func()
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		entries: orderedmap.NewOrderedMap[string, *StreamEntry](),
	}
}

// OnChange is called after every mutation, outside the registry lock.
func (r *StreamRegistry) OnChange(f func()) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.onChange = f
}

// Upsert adds an entry or replaces the one for the same participant, keeping its position.
func (r *StreamRegistry) Upsert(e StreamEntry) {
	r.lock.Lock()
	e = e.clone()
	r.entries.Set(e.ParticipantID, &e)
	f := r.onChange
	r.lock.Unlock()

	if f != nil {
		f()
	}
}

func (r *StreamRegistry) Remove(participantID string) bool {
	r.lock.Lock()
	removed := r.entries.Delete(participantID)
	f := r.onChange
	r.lock.Unlock()

	if removed && f != nil {
		f()
	}
	return removed
}

// Annotate copies presence metadata onto the participant's entry, if there is one.
func (r *StreamRegistry) Annotate(p presence.Participant) bool {
	r.lock.Lock()
	e, ok := r.entries.Get(p.ID)
	if ok {
		e.annotate(p)
	}
	f := r.onChange
	r.lock.Unlock()

	if ok && f != nil {
		f()
	}
	return ok
}

// RefreshLocal re-reads the local stream's screen share state.
func (r *StreamRegistry) RefreshLocal() {
	r.lock.Lock()
	changed := false
	for el := r.entries.Front(); el != nil; el = el.Next() {
		e := el.Value
		if !e.IsLocal || e.Stream == nil {
			continue
		}
		if sharing := e.Stream.IsScreenShare(); sharing != e.IsScreenShare {
			e.IsScreenShare = sharing
			changed = true
		}
	}
	f := r.onChange
	r.lock.Unlock()

	if changed && f != nil {
		f()
	}
}

func (r *StreamRegistry) Get(participantID string) (StreamEntry, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	e, ok := r.entries.Get(participantID)
	if !ok {
		return StreamEntry{}, false
	}
	return e.clone(), true
}

func (r *StreamRegistry) Entries() []StreamEntry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entries := make([]StreamEntry, 0, r.entries.Len())
	for el := r.entries.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.clone())
	}
	return entries
}

func (r *StreamRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.entries.Len()
}

// removeRemotes drops every non-local entry.
func (r *StreamRegistry) removeRemotes() {
	r.lock.Lock()
	var ids []string
	for el := r.entries.Front(); el != nil; el = el.Next() {
		if !el.Value.IsLocal {
			ids = append(ids, el.Key)
		}
	}
	for _, id := range ids {
		r.entries.Delete(id)
	}
	f := r.onChange
	r.lock.Unlock()

	if len(ids) > 0 && f != nil {
		f()
	}
}
