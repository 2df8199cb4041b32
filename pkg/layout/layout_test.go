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

package layout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/meshcall/pkg/rtc"
)

func entries(ids ...string) []rtc.StreamEntry {
	var es []rtc.StreamEntry
	for i, id := range ids {
		es = append(es, rtc.StreamEntry{ParticipantID: id, IsLocal: i == 0})
	}
	return es
}

func thumbnailIDs(l Layout) []string {
	var ids []string
	for _, e := range l.Thumbnails {
		ids = append(ids, e.ParticipantID)
	}
	return ids
}

func TestModel(t *testing.T) {
	testCases := []struct {
		name       string
		setup      func(m *Model)
		entries    []rtc.StreamEntry
		mode       Mode
		main       string
		thumbnails []string
	}{
		{
			name:       "speaker defaults to first remote",
			entries:    entries("me", "bbb", "ccc"),
			mode:       ModeSpeaker,
			main:       "bbb",
			thumbnails: []string{"me", "ccc"},
		},
		{
			name:    "alone shows local",
			entries: entries("me"),
			mode:    ModeSpeaker,
			main:    "me",
		},
		{
			name:       "pin wins",
			setup:      func(m *Model) { m.Pin("ccc") },
			entries:    entries("me", "bbb", "ccc"),
			mode:       ModeSpeaker,
			main:       "ccc",
			thumbnails: []string{"me", "bbb"},
		},
		{
			name:       "pin forces speaker mode",
			setup:      func(m *Model) { m.SetMode(ModeGrid); m.Pin("me") },
			entries:    entries("me", "bbb"),
			mode:       ModeSpeaker,
			main:       "me",
			thumbnails: []string{"bbb"},
		},
		{
			name:       "disconnected pin falls back",
			setup:      func(m *Model) { m.Pin("gone") },
			entries:    entries("me", "bbb"),
			mode:       ModeSpeaker,
			main:       "bbb",
			thumbnails: []string{"me"},
		},
		{
			name:       "grid has no main",
			setup:      func(m *Model) { m.SetMode(ModeGrid) },
			entries:    entries("me", "bbb", "ccc"),
			mode:       ModeGrid,
			thumbnails: []string{"me", "bbb", "ccc"},
		},
		{
			name:  "empty",
			mode:  ModeSpeaker,
			setup: func(m *Model) { m.Unpin() },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewModel()
			if tc.setup != nil {
				tc.setup(m)
			}
			l := m.Compute(tc.entries)
			require.Equal(t, tc.mode, l.Mode)
			if tc.main == "" {
				require.Nil(t, l.Main)
			} else {
				require.NotNil(t, l.Main)
				require.Equal(t, tc.main, l.Main.ParticipantID)
			}
			require.Equal(t, tc.thumbnails, thumbnailIDs(l))
		})
	}

	t.Run("grid clears pin", func(t *testing.T) {
		m := NewModel()
		m.Pin("bbb")
		m.SetMode(ModeGrid)
		require.Empty(t, m.Pinned())
		m.SetMode(ModeSpeaker)
		require.Equal(t, "ccc", m.Compute(entries("me", "ccc", "bbb")).Main.ParticipantID)
	})
}
