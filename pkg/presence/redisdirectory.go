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
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"
)

const (
	// RoomParticipantsPrefix is hash of participant id => Participant json
	RoomParticipantsPrefix = "room_participants:"

	// RoomPresencePrefix is the pubsub channel carrying Event json for a room
	RoomPresencePrefix = "room_presence:"

	maxRetries = 5
)

type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

type RedisDirectory struct {
	rc     redis.UniversalClient
	logger logger.Logger

	lock    sync.Mutex
	pubsubs map[*redis.PubSub]*subscriber
	closed  bool
}

func NewRedisDirectory(rc redis.UniversalClient, l logger.Logger) *RedisDirectory {
	if l == nil {
		l = logger.GetLogger()
	}
	return &RedisDirectory{
		rc:      rc,
		logger:  l.WithName("presence"),
		pubsubs: make(map[*redis.PubSub]*subscriber),
	}
}

func (d *RedisDirectory) Join(ctx context.Context, room string, p Participant) error {
	if room == "" {
		return ErrInvalidRoom
	}
	if p.ID == "" {
		return ErrInvalidParticipant
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	added, err := d.rc.HSet(ctx, RoomParticipantsPrefix+room, p.ID, data).Result()
	if err != nil {
		return errors.Wrap(err, "could not store participant")
	}
	evType := EventModified
	if added > 0 {
		evType = EventAdded
	}
	return d.publish(ctx, room, Event{Type: evType, Participant: p})
}

func (d *RedisDirectory) UpdateSelf(ctx context.Context, room, participantID string, u Update) error {
	key := RoomParticipantsPrefix + room

	var updated *Participant
	txf := func(tx *redis.Tx) error {
		updated = nil
		p, err := d.load(ctx, tx, room, participantID)
		if err != nil || p == nil {
			return err
		}
		if !u.Apply(p) {
			return nil
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, participantID, data)
			return nil
		})
		if err == nil {
			updated = p
		}
		return err
	}

	if err := d.watch(ctx, txf, key); err != nil {
		return errors.Wrap(err, "could not update participant")
	}
	if updated == nil {
		return nil
	}
	return d.publish(ctx, room, Event{Type: EventModified, Participant: *updated})
}

func (d *RedisDirectory) Leave(ctx context.Context, room, participantID string) error {
	key := RoomParticipantsPrefix + room

	var removed *Participant
	txf := func(tx *redis.Tx) error {
		removed = nil
		p, err := d.load(ctx, tx, room, participantID)
		if err != nil || p == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, participantID)
			return nil
		})
		if err == nil {
			removed = p
		}
		return err
	}

	if err := d.watch(ctx, txf, key); err != nil {
		return errors.Wrap(err, "could not delete participant")
	}
	if removed == nil {
		return nil
	}
	return d.publish(ctx, room, Event{Type: EventRemoved, Participant: *removed})
}

func (d *RedisDirectory) List(ctx context.Context, room string) ([]Participant, error) {
	items, err := d.rc.HVals(ctx, RoomParticipantsPrefix+room).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "could not get participants")
	}

	ps := make([]Participant, 0, len(items))
	for _, item := range items {
		var p Participant
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			d.logger.Warnw("skipping malformed participant", err, "room", room)
			continue
		}
		ps = append(ps, p)
	}
	sortParticipants(ps)
	return ps, nil
}

// Subscribe listens on the room channel before reading the snapshot, so no change between the two is lost.
// Duplicates from the overlap are folded by the subscriber.
func (d *RedisDirectory) Subscribe(ctx context.Context, room string, onChange func(Event)) (Unsubscribe, error) {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil, ErrClosed
	}
	d.lock.Unlock()

	ps := d.rc.Subscribe(ctx, RoomPresencePrefix+room)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "could not subscribe to presence")
	}

	snapshot, err := d.List(ctx, room)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := newSubscriber(room, onChange, d.logger)
	for _, p := range snapshot {
		sub.deliver(Event{Type: EventAdded, Participant: p})
	}

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		_ = ps.Close()
		sub.stop()
		return nil, ErrClosed
	}
	d.pubsubs[ps] = sub
	d.lock.Unlock()

	go d.listen(room, ps, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.lock.Lock()
			delete(d.pubsubs, ps)
			d.lock.Unlock()
			_ = ps.Close()
			sub.stop()
		})
	}, nil
}

func (d *RedisDirectory) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	d.closed = true
	pubsubs := d.pubsubs
	d.pubsubs = make(map[*redis.PubSub]*subscriber)
	d.lock.Unlock()

	for ps, sub := range pubsubs {
		_ = ps.Close()
		sub.stop()
	}
	return nil
}

func (d *RedisDirectory) listen(room string, ps *redis.PubSub, sub *subscriber) {
	for msg := range ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			d.logger.Warnw("could not decode presence event", err, "room", room)
			continue
		}
		sub.deliver(ev)
	}
}

func (d *RedisDirectory) load(ctx context.Context, c hashReader, room, participantID string) (*Participant, error) {
	data, err := c.HGet(ctx, RoomParticipantsPrefix+room, participantID).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	p := Participant{}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *RedisDirectory) watch(ctx context.Context, txf func(tx *redis.Tx) error, key string) error {
	// Retry if the key has been changed.
	for i := 0; i < maxRetries; i++ {
		err := d.rc.Watch(ctx, txf, key)
		switch err {
		case redis.TxFailedErr:
			// Optimistic lock lost. Retry.
			continue
		default:
			return err
		}
	}
	return redis.TxFailedErr
}

func (d *RedisDirectory) publish(ctx context.Context, room string, ev Event) error {
	ev.Room = room
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := d.rc.Publish(ctx, RoomPresencePrefix+room, data).Err(); err != nil {
		return errors.Wrap(err, "could not publish presence event")
	}
	return nil
}
