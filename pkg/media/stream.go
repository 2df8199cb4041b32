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

package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Stream groups at most one audio and one video track of a participant.
type Stream struct {
	id string

	lock  sync.RWMutex
	audio Track
	video Track
}

func NewStream(id string, tracks ...Track) *Stream {
	s := &Stream{id: id}
	for _, t := range tracks {
		s.setTrack(t)
	}
	return s
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Audio() Track {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.audio
}

func (s *Stream) Video() Track {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.video
}

func (s *Stream) Tracks() []Track {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var tracks []Track
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// AddTrack sets the track for its kind, replacing an existing one.
func (s *Stream) AddTrack(t Track) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.setTrack(t)
}

// ReplaceVideo swaps the video track and returns the previous one.
func (s *Stream) ReplaceVideo(t Track) Track {
	s.lock.Lock()
	defer s.lock.Unlock()

	old := s.video
	s.video = t
	return old
}

func (s *Stream) IsScreenShare() bool {
	v := s.Video()
	return v != nil && v.Source() == SourceScreen
}

func (s *Stream) setTrack(t Track) {
	if t == nil {
		return
	}
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		s.audio = t
	} else {
		s.video = t
	}
}
