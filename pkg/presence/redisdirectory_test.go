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
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshcall/pkg/utils"
)

func redisClient(t *testing.T) *redis.Client {
	rc := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		t.Skip("redis not available:", err)
	}
	return rc
}

func TestRedisDirectory(t *testing.T) {
	ctx := context.Background()
	rc := redisClient(t)
	defer rc.Close()

	room := utils.NewGuid("RM_")
	defer rc.Del(ctx, RoomParticipantsPrefix+room)

	d := NewRedisDirectory(rc, nil)
	defer d.Close()

	now := time.Now().Truncate(time.Millisecond)
	require.NoError(t, d.Join(ctx, room, participant("aaa", now)))

	rec := &eventRecorder{}
	unsub, err := d.Subscribe(ctx, room, rec.onChange)
	require.NoError(t, err)
	defer unsub()

	events := rec.waitFor(t, 1)
	require.Equal(t, EventAdded, events[0].Type)
	require.Equal(t, "aaa", events[0].Participant.ID)
	require.True(t, now.Equal(events[0].Participant.JoinedAt))

	require.NoError(t, d.Join(ctx, room, participant("bbb", now)))
	require.NoError(t, d.UpdateSelf(ctx, room, "bbb", SetReaction("🎉", now.Add(time.Second))))
	require.NoError(t, d.Leave(ctx, room, "aaa"))
	// no-op on a missing row
	require.NoError(t, d.UpdateSelf(ctx, room, "aaa", SetHandRaised(true)))

	events = rec.waitFor(t, 4)
	require.Equal(t, EventAdded, events[1].Type)
	require.Equal(t, "bbb", events[1].Participant.ID)
	require.Equal(t, EventModified, events[2].Type)
	require.Equal(t, "🎉", events[2].Participant.Reaction.Symbol)
	require.Equal(t, EventRemoved, events[3].Type)
	require.Equal(t, "aaa", events[3].Participant.ID)

	list, err := d.List(ctx, room)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "bbb", list[0].ID)
	require.False(t, list[0].HandRaised)
}
