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
	"context"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

type CaptureKind string

const (
	CaptureAudio      CaptureKind = "audio"
	CaptureAudioVideo CaptureKind = "audio+video"
)

// Devices is the source of local media. GetDisplayMedia returns a video track that stops by itself when
// the user ends sharing outside of the call controls.
type Devices interface {
	GetUserMedia(ctx context.Context, streamID string, kind CaptureKind) ([]*LocalTrack, error)
	GetDisplayMedia(ctx context.Context, streamID string) (*LocalTrack, error)
}

type FileDevicesParams struct {
	// ogg/opus, silence when empty
	AudioFile string
	// ivf/vp8, the camera is unavailable when empty
	VideoFile string
	// ivf/vp8, screen capture is unavailable when empty
	ScreenFile string
	// camera and microphone restart at EOF, the screen never does
	Loop   bool
	Logger logger.Logger
}

// FileDevices plays media files in real time as if they were capture devices.
type FileDevices struct {
	params FileDevicesParams
}

func NewFileDevices(params FileDevicesParams) *FileDevices {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &FileDevices{params: params}
}

func (d *FileDevices) GetUserMedia(_ context.Context, streamID string, kind CaptureKind) ([]*LocalTrack, error) {
	if kind == CaptureAudioVideo {
		if err := checkReadable(d.params.VideoFile); err != nil {
			return nil, errors.Wrap(err, "camera")
		}
	}
	if d.params.AudioFile != "" {
		if err := checkReadable(d.params.AudioFile); err != nil {
			return nil, errors.Wrap(err, "microphone")
		}
	}

	audio, err := NewLocalTrack(LocalTrackParams{
		StreamID: streamID,
		Codec:    OpusCodec,
		Source:   SourceMicrophone,
		Logger:   d.params.Logger,
	})
	if err != nil {
		return nil, err
	}
	tracks := []*LocalTrack{audio}
	if d.params.AudioFile == "" {
		go writeSilence(audio)
	} else {
		go d.play(audio, d.params.AudioFile, d.params.Loop)
	}

	if kind == CaptureAudioVideo {
		video, err := NewLocalTrack(LocalTrackParams{
			StreamID: streamID,
			Codec:    VP8Codec,
			Source:   SourceCamera,
			Logger:   d.params.Logger,
		})
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
		go d.play(video, d.params.VideoFile, d.params.Loop)
	}
	return tracks, nil
}

func (d *FileDevices) GetDisplayMedia(_ context.Context, streamID string) (*LocalTrack, error) {
	if err := checkReadable(d.params.ScreenFile); err != nil {
		return nil, errors.Wrap(err, "screen")
	}

	screen, err := NewLocalTrack(LocalTrackParams{
		StreamID: streamID,
		Codec:    VP8Codec,
		Source:   SourceScreen,
		Logger:   d.params.Logger,
	})
	if err != nil {
		return nil, err
	}
	go d.play(screen, d.params.ScreenFile, false)
	return screen, nil
}

func (d *FileDevices) play(t *LocalTrack, path string, loop bool) {
	// the track ends once its source is exhausted
	defer t.Stop()

	for {
		var err error
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			err = playOgg(t, path)
		} else {
			err = playIVF(t, path)
		}
		if err != nil && err != io.EOF {
			if !errors.Is(err, ErrTrackStopped) {
				d.params.Logger.Warnw("could not play media file", err, "file", path)
			}
			return
		}
		if !loop || t.IsStopped() {
			return
		}
	}
}

func playOgg(t *LocalTrack, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return err
	}

	// the amount of samples is the difference between consecutive granule positions
	var lastGranule uint64
	for {
		pageData, pageHeader, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond
		if sampleDuration <= 0 {
			// header pages
			continue
		}

		if err = t.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			return err
		}
		select {
		case <-time.After(sampleDuration):
		case <-t.Ended():
			return ErrTrackStopped
		}
	}
}

func playIVF(t *LocalTrack, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			return err
		}

		select {
		case <-ticker.C:
		case <-t.Ended():
			return ErrTrackStopped
		}
		if err = t.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

// opus comfort noise frame, 20ms
var opusSilence = []byte{0xf8, 0xff, 0xfe}

func writeSilence(t *LocalTrack) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				return
			}
		case <-t.Ended():
			return
		}
	}
}

func checkReadable(path string) error {
	if path == "" {
		return ErrCaptureUnavailable
	}
	st, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(ErrCaptureUnavailable, err.Error())
	}
	if st.IsDir() {
		return errors.Wrap(ErrCaptureUnavailable, path+" is a directory")
	}
	return nil
}
