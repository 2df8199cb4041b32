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
	"errors"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var (
	ErrCaptureUnavailable     = errors.New("capture device unavailable")
	ErrScreenShareUnavailable = errors.New("screen capture unavailable")
	ErrAlreadyAcquired        = errors.New("local media already acquired")
	ErrNotAcquired            = errors.New("local media not acquired")
	ErrAlreadySharing         = errors.New("screen share already active")
	ErrNotSharing             = errors.New("screen share not active")
	ErrNoVideo                = errors.New("call has no video track")
	ErrTrackStopped           = errors.New("track stopped")
)

var (
	OpusCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	VP8Codec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
	SourceRemote     Source = "remote"
)

// Sink receives every RTP packet a track produces. Packets must be treated as read-only.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

type SinkFunc func(pkt *rtp.Packet) error

func (f SinkFunc) WriteRTP(pkt *rtp.Packet) error {
	return f(pkt)
}

type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	Source() Source
	AddSink(id string, sink Sink)
	RemoveSink(id string)
}

type sinkSet struct {
	lock  sync.RWMutex
	sinks map[string]Sink
}

func (s *sinkSet) add(id string, sink Sink) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sinks == nil {
		s.sinks = make(map[string]Sink)
	}
	s.sinks[id] = sink
}

func (s *sinkSet) remove(id string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sinks, id)
}

// broadcast returns the ids of sinks that failed so callers can log them
func (s *sinkSet) broadcast(pkt *rtp.Packet) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var failed []string
	for id, sink := range s.sinks {
		if err := sink.WriteRTP(pkt); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}
