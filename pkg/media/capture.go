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
	"sync"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/utils"
)

type CaptureParams struct {
	Devices Devices
	Logger  logger.Logger
}

// Capture owns the local tracks. Other components hold references to the stream but only change
// tracks through Capture.
type Capture struct {
	params CaptureParams

	lock         sync.Mutex
	stream       *Stream
	audio        *LocalTrack
	camera       *LocalTrack
	screen       *LocalTrack
	muted        bool
	videoEnabled bool
	closed       bool

	onScreenShareEnded func()
}

func NewCapture(params CaptureParams) *Capture {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Capture{
		params:       params,
		videoEnabled: true,
	}
}

// Acquire is a one-shot request for local media. A failure wraps ErrCaptureUnavailable.
func (c *Capture) Acquire(ctx context.Context, kind CaptureKind) (*Stream, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stream != nil {
		return nil, ErrAlreadyAcquired
	}
	if c.closed {
		return nil, ErrNotAcquired
	}

	streamID := utils.NewGuid(utils.StreamPrefix)
	tracks, err := c.params.Devices.GetUserMedia(ctx, streamID, kind)
	if err != nil {
		if !errors.Is(err, ErrCaptureUnavailable) {
			err = errors.Wrap(ErrCaptureUnavailable, err.Error())
		}
		c.params.Logger.Warnw("could not acquire local media", err, "kind", kind)
		return nil, err
	}

	c.stream = NewStream(streamID)
	for _, t := range tracks {
		switch t.Source() {
		case SourceMicrophone:
			c.audio = t
		case SourceCamera:
			c.camera = t
		}
		c.stream.AddTrack(t)
	}
	c.params.Logger.Infow("local media acquired", "streamID", streamID, "kind", kind, "tracks", len(tracks))
	return c.stream, nil
}

func (c *Capture) Stream() *Stream {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stream
}

// SetMuted toggles the microphone locally, connections are untouched.
func (c *Capture) SetMuted(muted bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stream == nil {
		return ErrNotAcquired
	}
	c.muted = muted
	if c.audio != nil {
		c.audio.SetEnabled(!muted)
	}
	return nil
}

func (c *Capture) Muted() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.muted
}

// SetVideoEnabled toggles the outbound video. The camera keeps the setting across a screen share.
func (c *Capture) SetVideoEnabled(enabled bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stream == nil {
		return ErrNotAcquired
	}
	c.videoEnabled = enabled
	if c.camera != nil {
		c.camera.SetEnabled(enabled)
	}
	if c.screen != nil {
		c.screen.SetEnabled(enabled)
	}
	return nil
}

func (c *Capture) VideoEnabled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.videoEnabled
}

// OnScreenShareEnded is called when the screen track ends without StopScreenShare, e.g. the source went away.
// Callers should treat it as StopScreenShare.
func (c *Capture) OnScreenShareEnded(f func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onScreenShareEnded = f
}

// StartScreenShare captures the display and makes it the stream's video track.
// The caller swaps the returned track into every connection.
func (c *Capture) StartScreenShare(ctx context.Context) (*LocalTrack, error) {
	c.lock.Lock()
	if c.stream == nil {
		c.lock.Unlock()
		return nil, ErrNotAcquired
	}
	if c.camera == nil {
		c.lock.Unlock()
		return nil, ErrNoVideo
	}
	if c.screen != nil {
		c.lock.Unlock()
		return nil, ErrAlreadySharing
	}
	streamID := c.stream.ID()
	c.lock.Unlock()

	screen, err := c.params.Devices.GetDisplayMedia(ctx, streamID)
	if err != nil {
		c.params.Logger.Infow("screen capture failed", "error", err)
		return nil, errors.Wrap(ErrScreenShareUnavailable, err.Error())
	}

	c.lock.Lock()
	if c.screen != nil || c.closed {
		c.lock.Unlock()
		screen.Stop()
		if c.closed {
			return nil, ErrNotAcquired
		}
		return nil, ErrAlreadySharing
	}
	c.screen = screen
	screen.SetEnabled(c.videoEnabled)
	c.stream.ReplaceVideo(screen)
	c.lock.Unlock()

	go c.watchScreen(screen)
	c.params.Logger.Infow("screen share started", "trackID", screen.ID())
	return screen, nil
}

// StopScreenShare stops the screen track and puts the camera back, in its previous enabled state.
func (c *Capture) StopScreenShare() (*LocalTrack, error) {
	c.lock.Lock()
	screen := c.screen
	if screen == nil {
		c.lock.Unlock()
		return nil, ErrNotSharing
	}
	c.screen = nil
	camera := c.camera
	camera.SetEnabled(c.videoEnabled)
	c.stream.ReplaceVideo(camera)
	c.lock.Unlock()

	screen.Stop()
	c.params.Logger.Infow("screen share stopped", "trackID", screen.ID())
	return camera, nil
}

func (c *Capture) ScreenSharing() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.screen != nil
}

// OutboundVideo is the track connections should be sending, camera or screen.
func (c *Capture) OutboundVideo() *LocalTrack {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.screen != nil {
		return c.screen
	}
	return c.camera
}

func (c *Capture) Close() {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return
	}
	c.closed = true
	tracks := []*LocalTrack{c.audio, c.camera, c.screen}
	c.screen = nil
	c.lock.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

func (c *Capture) watchScreen(screen *LocalTrack) {
	<-screen.Ended()

	c.lock.Lock()
	current := c.screen == screen
	onEnded := c.onScreenShareEnded
	c.lock.Unlock()

	if !current {
		return
	}
	c.params.Logger.Infow("screen share ended by source", "trackID", screen.ID())
	if onEnded != nil {
		onEnded()
	} else {
		_, _ = c.StopScreenShare()
	}
}
