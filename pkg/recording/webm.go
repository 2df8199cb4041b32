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

package recording

import (
	"bytes"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/frostbyte73/core"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/livekit/protocol/logger"
)

const (
	audioTrackUID = 12345
	videoTrackUID = 67890

	closeTimeout = 5 * time.Second
)

// chunkWriter keeps every write as its own chunk, in order.
type chunkWriter struct {
	lock   sync.Mutex
	chunks [][]byte
	closed core.Fuse
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	c := make([]byte, len(p))
	copy(c, p)

	w.lock.Lock()
	w.chunks = append(w.chunks, c)
	w.lock.Unlock()
	return len(p), nil
}

func (w *chunkWriter) Close() error {
	w.closed.Break()
	return nil
}

func (w *chunkWriter) flush() ([]byte, int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	n := len(w.chunks)
	data := bytes.Join(w.chunks, nil)
	w.chunks = nil
	return data, n
}

// webmMuxer writes Opus and VP8 samples as WebM. With video present, nothing is written until the
// first keyframe, which also gives the frame size.
type webmMuxer struct {
	w        *chunkWriter
	hasAudio bool
	hasVideo bool
	logger   logger.Logger

	audio       webm.BlockWriteCloser
	video       webm.BlockWriteCloser
	initialized bool
	failed      bool

	audioTimestamp time.Duration
	videoTimestamp time.Duration
}

func newWebmMuxer(w *chunkWriter, hasAudio, hasVideo bool, l logger.Logger) *webmMuxer {
	return &webmMuxer{
		w:        w,
		hasAudio: hasAudio,
		hasVideo: hasVideo,
		logger:   l,
	}
}

func (m *webmMuxer) writeAudio(sample *pionmedia.Sample) {
	if !m.initialized {
		if m.hasVideo || !m.init(0, 0) {
			return
		}
	}
	if m.audio == nil {
		return
	}
	m.audioTimestamp += sample.Duration
	if _, err := m.audio.Write(true, int64(m.audioTimestamp/time.Millisecond), sample.Data); err != nil {
		m.logger.Debugw("could not write audio block", "error", err)
	}
}

func (m *webmMuxer) writeVideo(sample *pionmedia.Sample) {
	keyframe := len(sample.Data) > 0 && sample.Data[0]&0x1 == 0
	if !m.initialized {
		if !keyframe || len(sample.Data) < 10 {
			return
		}
		raw := uint(sample.Data[6]) | uint(sample.Data[7])<<8 | uint(sample.Data[8])<<16 | uint(sample.Data[9])<<24
		width := int(raw & 0x3FFF)
		height := int((raw >> 16) & 0x3FFF)
		if !m.init(width, height) {
			return
		}
	}
	if m.video == nil {
		return
	}
	m.videoTimestamp += sample.Duration
	if _, err := m.video.Write(keyframe, int64(m.videoTimestamp/time.Millisecond), sample.Data); err != nil {
		m.logger.Debugw("could not write video block", "error", err)
	}
}

func (m *webmMuxer) init(width, height int) bool {
	if m.failed {
		return false
	}

	var tracks []webm.TrackEntry
	var trackNumber uint64 = 1
	if m.hasAudio {
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Audio",
			TrackNumber:     trackNumber,
			TrackUID:        audioTrackUID,
			CodecID:         "A_OPUS",
			TrackType:       2,
			DefaultDuration: 20000000,
			Audio: &webm.Audio{
				SamplingFrequency: 48000.0,
				Channels:          2,
			},
		})
		trackNumber++
	}
	if m.hasVideo {
		tracks = append(tracks, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     trackNumber,
			TrackUID:        videoTrackUID,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: 33333333,
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		})
	}

	writers, err := webm.NewSimpleBlockWriter(m.w, tracks)
	if err != nil {
		m.logger.Warnw("could not create webm writer", err)
		m.failed = true
		return false
	}

	i := 0
	if m.hasAudio {
		m.audio = writers[i]
		i++
	}
	if m.hasVideo {
		m.video = writers[i]
	}
	m.initialized = true
	m.logger.Debugw("webm writer initialized", "width", width, "height", height)
	return true
}

// close finishes the container. The underlying writer is closed once every block writer is.
func (m *webmMuxer) close() {
	if !m.initialized {
		return
	}
	for _, w := range []webm.BlockWriteCloser{m.audio, m.video} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			m.logger.Debugw("could not close webm writer", "error", err)
		}
	}

	select {
	case <-m.w.closed.Watch():
	case <-time.After(closeTimeout):
		m.logger.Warnw("timed out finishing webm container", nil)
	}
}

func (m *webmMuxer) duration() time.Duration {
	if m.audioTimestamp > m.videoTimestamp {
		return m.audioTimestamp
	}
	return m.videoTimestamp
}
