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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *eventRecorder) onChange(ev Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) get() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) waitFor(t *testing.T, n int) []Event {
	require.Eventually(t, func() bool {
		return len(r.get()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return r.get()
}

func participant(id string, joinedAt time.Time) Participant {
	return Participant{
		ID:          id,
		DisplayName: "name-" + id,
		Role:        RoleGuest,
		JoinedAt:    joinedAt,
	}
}

func TestUpdateApply(t *testing.T) {
	p := participant("aaa", time.Now())

	require.True(t, SetHandRaised(true).Apply(&p))
	require.True(t, p.HandRaised)
	require.False(t, SetHandRaised(true).Apply(&p))

	expires := time.Now().Add(time.Second)
	require.True(t, SetReaction("👍", expires).Apply(&p))
	require.Equal(t, "👍", p.Reaction.Symbol)
	require.True(t, p.HandRaised)

	require.True(t, ClearReaction().Apply(&p))
	require.Nil(t, p.Reaction)
	require.False(t, ClearReaction().Apply(&p))
	require.True(t, p.HandRaised)
}

func TestLocalDirectory(t *testing.T) {
	ctx := context.Background()
	t.Run("subscribe to an empty room", func(t *testing.T) {
		d := NewLocalDirectory(nil)
		defer d.Close()

		rec := &eventRecorder{}
		unsub, err := d.Subscribe(ctx, "R1", rec.onChange)
		require.NoError(t, err)
		defer unsub()

		require.NoError(t, d.Join(ctx, "R1", participant("aaa", time.Now())))
		events := rec.waitFor(t, 1)
		require.Equal(t, EventAdded, events[0].Type)
		require.Equal(t, "R1", events[0].Room)
		require.Equal(t, "aaa", events[0].Participant.ID)
	})

	t.Run("existing rows are delivered first in join order", func(t *testing.T) {
		d := NewLocalDirectory(nil)
		defer d.Close()

		now := time.Now()
		require.NoError(t, d.Join(ctx, "R1", participant("bbb", now.Add(time.Second))))
		require.NoError(t, d.Join(ctx, "R1", participant("aaa", now)))
		require.NoError(t, d.Join(ctx, "R2", participant("ccc", now)))

		rec := &eventRecorder{}
		unsub, err := d.Subscribe(ctx, "R1", rec.onChange)
		require.NoError(t, err)
		defer unsub()

		events := rec.waitFor(t, 2)
		require.Len(t, events, 2)
		require.Equal(t, "aaa", events[0].Participant.ID)
		require.Equal(t, "bbb", events[1].Participant.ID)
		for _, ev := range events {
			require.Equal(t, EventAdded, ev.Type)
		}
	})

	t.Run("update, rejoin and leave", func(t *testing.T) {
		d := NewLocalDirectory(nil)
		defer d.Close()

		rec := &eventRecorder{}
		unsub, err := d.Subscribe(ctx, "R1", rec.onChange)
		require.NoError(t, err)
		defer unsub()

		p := participant("aaa", time.Now())
		require.NoError(t, d.Join(ctx, "R1", p))
		require.NoError(t, d.Join(ctx, "R1", p))
		require.NoError(t, d.UpdateSelf(ctx, "R1", "aaa", SetHandRaised(true)))
		// unchanged, no event
		require.NoError(t, d.UpdateSelf(ctx, "R1", "aaa", SetHandRaised(true)))
		require.NoError(t, d.Leave(ctx, "R1", "aaa"))
		// already gone
		require.NoError(t, d.Leave(ctx, "R1", "aaa"))
		require.NoError(t, d.UpdateSelf(ctx, "R1", "aaa", SetHandRaised(false)))

		events := rec.waitFor(t, 4)
		time.Sleep(50 * time.Millisecond)
		events = rec.get()
		require.Len(t, events, 4)
		require.Equal(t, EventAdded, events[0].Type)
		require.Equal(t, EventModified, events[1].Type)
		require.Equal(t, EventModified, events[2].Type)
		require.True(t, events[2].Participant.HandRaised)
		require.Equal(t, EventRemoved, events[3].Type)
		require.Equal(t, "name-aaa", events[3].Participant.DisplayName)

		list, err := d.List(ctx, "R1")
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		d := NewLocalDirectory(nil)
		defer d.Close()

		rec := &eventRecorder{}
		unsub, err := d.Subscribe(ctx, "R1", rec.onChange)
		require.NoError(t, err)
		require.NoError(t, d.Join(ctx, "R1", participant("aaa", time.Now())))
		rec.waitFor(t, 1)

		unsub()
		unsub()
		require.NoError(t, d.Join(ctx, "R1", participant("bbb", time.Now())))
		time.Sleep(50 * time.Millisecond)
		require.Len(t, rec.get(), 1)
	})

	t.Run("closed directory", func(t *testing.T) {
		d := NewLocalDirectory(nil)
		require.NoError(t, d.Close())
		require.ErrorIs(t, d.Join(ctx, "R1", participant("aaa", time.Now())), ErrClosed)
		_, err := d.Subscribe(ctx, "R1", func(Event) {})
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("invalid join", func(t *testing.T) {
		d := NewLocalDirectory(nil)
		defer d.Close()
		require.ErrorIs(t, d.Join(ctx, "", participant("aaa", time.Now())), ErrInvalidRoom)
		require.ErrorIs(t, d.Join(ctx, "R1", Participant{}), ErrInvalidParticipant)
	})
}

func TestLeaveInBackground(t *testing.T) {
	ctx := context.Background()
	d := NewLocalDirectory(nil)
	defer d.Close()

	require.NoError(t, d.Join(ctx, "R1", participant("aaa", time.Now())))
	select {
	case <-LeaveInBackground(d, "R1", "aaa", time.Second):
	case <-time.After(time.Second):
		t.Fatal("leave did not finish")
	}

	list, err := d.List(ctx, "R1")
	require.NoError(t, err)
	require.Empty(t, list)
}
