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
	"sync"

	"github.com/livekit/meshcall/pkg/rtc"
)

type Mode string

const (
	ModeSpeaker Mode = "speaker"
	ModeGrid    Mode = "grid"
)

// Layout is what to render. In grid mode Main is empty and every stream is a thumbnail.
type Layout struct {
	Mode       Mode
	Main       *rtc.StreamEntry
	Thumbnails []rtc.StreamEntry
}

// Model picks the main stream. A pin forces speaker mode and falls back to the default pick while
// the pinned participant has no stream.
type Model struct {
	lock   sync.Mutex
	mode   Mode
	pinned string
}

func NewModel() *Model {
	return &Model{mode: ModeSpeaker}
}

func (m *Model) Pin(participantID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.pinned = participantID
	m.mode = ModeSpeaker
}

func (m *Model) Unpin() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.pinned = ""
}

// SetMode switches modes. Grid clears the pin.
func (m *Model) SetMode(mode Mode) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.mode = mode
	if mode == ModeGrid {
		m.pinned = ""
	}
}

func (m *Model) Mode() Mode {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.mode
}

func (m *Model) Pinned() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pinned
}

func (m *Model) Compute(entries []rtc.StreamEntry) Layout {
	m.lock.Lock()
	mode, pinned := m.mode, m.pinned
	m.lock.Unlock()

	if mode == ModeGrid {
		return Layout{Mode: ModeGrid, Thumbnails: entries}
	}

	main := -1
	if pinned != "" {
		for i, e := range entries {
			if e.ParticipantID == pinned {
				main = i
				break
			}
		}
	}
	if main < 0 {
		for i, e := range entries {
			if !e.IsLocal {
				main = i
				break
			}
		}
	}
	if main < 0 && len(entries) > 0 {
		main = 0
	}

	l := Layout{Mode: ModeSpeaker}
	for i := range entries {
		if i == main {
			e := entries[i]
			l.Main = &e
			continue
		}
		l.Thumbnails = append(l.Thumbnails, entries[i])
	}
	return l
}
