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
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/require"
)

type packetCollector struct {
	lock    sync.Mutex
	packets []*rtp.Packet
}

func (c *packetCollector) WriteRTP(pkt *rtp.Packet) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.packets = append(c.packets, pkt)
	return nil
}

func (c *packetCollector) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.packets)
}

func newTestTrack(t *testing.T, codec webrtc.RTPCodecCapability, source Source) *LocalTrack {
	track, err := NewLocalTrack(LocalTrackParams{
		StreamID: "ST_test",
		Codec:    codec,
		Source:   source,
	})
	require.NoError(t, err)
	return track
}

func TestLocalTrack(t *testing.T) {
	t.Run("kind follows codec", func(t *testing.T) {
		require.Equal(t, webrtc.RTPCodecTypeAudio, newTestTrack(t, OpusCodec, SourceMicrophone).Kind())
		require.Equal(t, webrtc.RTPCodecTypeVideo, newTestTrack(t, VP8Codec, SourceCamera).Kind())
	})

	t.Run("samples reach sinks", func(t *testing.T) {
		track := newTestTrack(t, OpusCodec, SourceMicrophone)
		sink := &packetCollector{}
		track.AddSink("rec", sink)

		require.NoError(t, track.WriteSample(media.Sample{Data: []byte{1, 2, 3}, Duration: 20 * time.Millisecond}))
		require.NoError(t, track.WriteSample(media.Sample{Data: []byte{4, 5, 6}, Duration: 20 * time.Millisecond}))
		require.Equal(t, 2, sink.count())

		first, second := sink.packets[0], sink.packets[1]
		require.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
		// 20ms at 48kHz
		require.Equal(t, first.Timestamp+960, second.Timestamp)

		track.RemoveSink("rec")
		require.NoError(t, track.WriteSample(media.Sample{Data: []byte{7}, Duration: 20 * time.Millisecond}))
		require.Equal(t, 2, sink.count())
	})

	t.Run("disabled track drops samples", func(t *testing.T) {
		track := newTestTrack(t, VP8Codec, SourceCamera)
		sink := &packetCollector{}
		track.AddSink("rec", sink)

		track.SetEnabled(false)
		require.False(t, track.Enabled())
		require.NoError(t, track.WriteSample(media.Sample{Data: []byte{0x10, 0x02}, Duration: 33 * time.Millisecond}))
		require.Equal(t, 0, sink.count())

		track.SetEnabled(true)
		require.NoError(t, track.WriteSample(media.Sample{Data: []byte{0x10, 0x02}, Duration: 33 * time.Millisecond}))
		require.Equal(t, 1, sink.count())
	})

	t.Run("stop", func(t *testing.T) {
		track := newTestTrack(t, OpusCodec, SourceMicrophone)
		track.Stop()
		track.Stop()
		select {
		case <-track.Ended():
		default:
			t.Fatal("ended should fire after stop")
		}
		require.ErrorIs(t, track.WriteSample(media.Sample{Data: []byte{1}, Duration: time.Millisecond}), ErrTrackStopped)
	})
}

func TestStream(t *testing.T) {
	audio := newTestTrack(t, OpusCodec, SourceMicrophone)
	camera := newTestTrack(t, VP8Codec, SourceCamera)
	screen := newTestTrack(t, VP8Codec, SourceScreen)

	s := NewStream("ST_1", audio, camera)
	require.Equal(t, audio, s.Audio())
	require.Equal(t, camera, s.Video())
	require.Len(t, s.Tracks(), 2)
	require.False(t, s.IsScreenShare())

	old := s.ReplaceVideo(screen)
	require.Equal(t, camera, old)
	require.True(t, s.IsScreenShare())
	require.Equal(t, audio, s.Audio())

	audioOnly := NewStream("ST_2", audio)
	require.Nil(t, audioOnly.Video())
	require.Len(t, audioOnly.Tracks(), 1)
}
