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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/presence"
)

func TestStreamRegistry(t *testing.T) {
	r := NewStreamRegistry()
	changes := 0
	r.OnChange(func() { changes++ })

	r.Upsert(StreamEntry{ParticipantID: "local", IsLocal: true, Stream: media.NewStream("s0")})
	r.Upsert(StreamEntry{ParticipantID: "bbb", Stream: media.NewStream("s1")})
	r.Upsert(StreamEntry{ParticipantID: "ccc", Stream: media.NewStream("s2")})
	require.Equal(t, 3, r.Len())
	require.Equal(t, 3, changes)

	// replacing keeps the position
	r.Upsert(StreamEntry{ParticipantID: "bbb", Stream: media.NewStream("s3")})
	entries := r.Entries()
	require.Equal(t, "bbb", entries[1].ParticipantID)
	require.Equal(t, "s3", entries[1].Stream.ID())

	require.True(t, r.Annotate(presence.Participant{
		ID:            "ccc",
		DisplayName:   "Carol",
		HandRaised:    true,
		ScreenSharing: true,
		Reaction:      &presence.Reaction{Symbol: "🎉", ExpiresAt: time.Now()},
	}))
	e, ok := r.Get("ccc")
	require.True(t, ok)
	require.Equal(t, "Carol", e.DisplayName)
	require.True(t, e.HandRaised)
	require.True(t, e.IsScreenShare)
	require.Equal(t, "🎉", e.Reaction.Symbol)

	// copies are detached
	e.Reaction.Symbol = "x"
	e, _ = r.Get("ccc")
	require.Equal(t, "🎉", e.Reaction.Symbol)

	require.False(t, r.Annotate(presence.Participant{ID: "nobody"}))

	require.True(t, r.Remove("bbb"))
	require.False(t, r.Remove("bbb"))
	_, ok = r.Get("bbb")
	require.False(t, ok)
	require.Equal(t, 2, r.Len())

	r.removeRemotes()
	entries = r.Entries()
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsLocal)
}
