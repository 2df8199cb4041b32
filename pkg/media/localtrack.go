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
	"math/rand"

	"github.com/frostbyte73/core"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/utils"
)

const rtpMTU = 1200

type LocalTrackParams struct {
	StreamID string
	Codec    webrtc.RTPCodecCapability
	Source   Source
	Logger   logger.Logger
}

// LocalTrack turns encoded samples into RTP for every connection it is bound to and for its sinks.
// A disabled track drops samples, which is how mute and camera-off work without renegotiating.
type LocalTrack struct {
	params   LocalTrackParams
	id       string
	kind     webrtc.RTPCodecType
	rtpTrack *webrtc.TrackLocalStaticRTP

	packetizer rtp.Packetizer
	enabled    atomic.Bool
	sinks      sinkSet
	stopped    core.Fuse
}

func NewLocalTrack(params LocalTrackParams) (*LocalTrack, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	id := utils.NewGuid(utils.TrackPrefix)
	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(params.Codec, id, params.StreamID)
	if err != nil {
		return nil, err
	}

	t := &LocalTrack{
		params:   params,
		id:       id,
		rtpTrack: rtpTrack,
	}

	var payloader rtp.Payloader
	var payloadType uint8
	switch params.Codec.MimeType {
	case webrtc.MimeTypeOpus:
		t.kind = webrtc.RTPCodecTypeAudio
		payloader = &codecs.OpusPayloader{}
		payloadType = 111
	default:
		t.kind = webrtc.RTPCodecTypeVideo
		payloader = &codecs.VP8Payloader{EnablePictureID: true}
		payloadType = 96
	}
	t.packetizer = rtp.NewPacketizer(
		rtpMTU,
		payloadType,
		rand.Uint32(),
		payloader,
		rtp.NewRandomSequencer(),
		params.Codec.ClockRate,
	)
	t.params.Logger = params.Logger.WithValues("trackID", id, "source", params.Source)
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string {
	return t.id
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *LocalTrack) Codec() webrtc.RTPCodecCapability {
	return t.params.Codec
}

func (t *LocalTrack) Source() Source {
	return t.params.Source
}

// RTPTrack is what gets added to, or swapped into, a connection's sender.
func (t *LocalTrack) RTPTrack() webrtc.TrackLocal {
	return t.rtpTrack
}

func (t *LocalTrack) AddSink(id string, sink Sink) {
	t.sinks.add(id, sink)
}

func (t *LocalTrack) RemoveSink(id string) {
	t.sinks.remove(id)
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	if t.enabled.Swap(enabled) != enabled {
		t.params.Logger.Debugw("track enabled changed", "enabled", enabled)
	}
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.stopped.IsBroken() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}

	samples := uint32(s.Duration.Seconds() * float64(t.params.Codec.ClockRate))
	for _, pkt := range t.packetizer.Packetize(s.Data, samples) {
		if err := t.rtpTrack.WriteRTP(pkt); err != nil {
			return err
		}
		if failed := t.sinks.broadcast(pkt); len(failed) > 0 {
			t.params.Logger.Debugw("sink write failed", "sinks", failed)
		}
	}
	return nil
}

// Stop ends the track for good. Ended fires once, whether stopped locally or by its source running out.
func (t *LocalTrack) Stop() {
	t.stopped.Break()
}

func (t *LocalTrack) Ended() <-chan struct{} {
	return t.stopped.Watch()
}

func (t *LocalTrack) IsStopped() bool {
	return t.stopped.IsBroken()
}
