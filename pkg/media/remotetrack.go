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
	"io"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"
)

// RemoteTrack fans the packets of a received track out to sinks until the track ends.
type RemoteTrack struct {
	track  *webrtc.TrackRemote
	logger logger.Logger
	sinks  sinkSet
	done   core.Fuse
}

func NewRemoteTrack(track *webrtc.TrackRemote, l logger.Logger) *RemoteTrack {
	if l == nil {
		l = logger.GetLogger()
	}
	return &RemoteTrack{
		track:  track,
		logger: l.WithValues("trackID", track.ID(), "kind", track.Kind().String()),
	}
}

func (t *RemoteTrack) ID() string {
	return t.track.ID()
}

func (t *RemoteTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

func (t *RemoteTrack) Codec() webrtc.RTPCodecCapability {
	return t.track.Codec().RTPCodecCapability
}

func (t *RemoteTrack) Source() Source {
	return SourceRemote
}

func (t *RemoteTrack) AddSink(id string, sink Sink) {
	t.sinks.add(id, sink)
}

func (t *RemoteTrack) RemoveSink(id string) {
	t.sinks.remove(id)
}

func (t *RemoteTrack) Done() <-chan struct{} {
	return t.done.Watch()
}

// Start reads until the remote side stops sending or the connection closes.
func (t *RemoteTrack) Start() {
	go func() {
		defer t.done.Break()
		for {
			pkt, _, err := t.track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					t.logger.Debugw("remote track read ended", "error", err)
				}
				return
			}
			t.sinks.broadcast(pkt)
		}
	}()
}
