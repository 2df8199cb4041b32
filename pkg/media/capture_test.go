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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubDevices struct {
	userErr    error
	displayErr error
	screens    []*LocalTrack
}

func (d *stubDevices) GetUserMedia(_ context.Context, streamID string, kind CaptureKind) ([]*LocalTrack, error) {
	if d.userErr != nil {
		return nil, d.userErr
	}
	audio, err := NewLocalTrack(LocalTrackParams{StreamID: streamID, Codec: OpusCodec, Source: SourceMicrophone})
	if err != nil {
		return nil, err
	}
	if kind == CaptureAudio {
		return []*LocalTrack{audio}, nil
	}
	video, err := NewLocalTrack(LocalTrackParams{StreamID: streamID, Codec: VP8Codec, Source: SourceCamera})
	if err != nil {
		return nil, err
	}
	return []*LocalTrack{audio, video}, nil
}

func (d *stubDevices) GetDisplayMedia(_ context.Context, streamID string) (*LocalTrack, error) {
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	screen, err := NewLocalTrack(LocalTrackParams{StreamID: streamID, Codec: VP8Codec, Source: SourceScreen})
	if err != nil {
		return nil, err
	}
	d.screens = append(d.screens, screen)
	return screen, nil
}

func TestCapture_Acquire(t *testing.T) {
	ctx := context.Background()

	t.Run("denied", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{userErr: errors.New("permission denied")}})
		_, err := c.Acquire(ctx, CaptureAudioVideo)
		require.ErrorIs(t, err, ErrCaptureUnavailable)
		require.Nil(t, c.Stream())
		require.ErrorIs(t, c.SetMuted(true), ErrNotAcquired)
	})

	t.Run("one shot", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{}})
		defer c.Close()

		stream, err := c.Acquire(ctx, CaptureAudioVideo)
		require.NoError(t, err)
		require.NotNil(t, stream.Audio())
		require.NotNil(t, stream.Video())

		_, err = c.Acquire(ctx, CaptureAudioVideo)
		require.ErrorIs(t, err, ErrAlreadyAcquired)
	})

	t.Run("audio only has no screen share", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{}})
		defer c.Close()

		stream, err := c.Acquire(ctx, CaptureAudio)
		require.NoError(t, err)
		require.Nil(t, stream.Video())
		_, err = c.StartScreenShare(ctx)
		require.ErrorIs(t, err, ErrNoVideo)
	})
}

func TestCapture_MuteAndVideo(t *testing.T) {
	c := NewCapture(CaptureParams{Devices: &stubDevices{}})
	defer c.Close()
	stream, err := c.Acquire(context.Background(), CaptureAudioVideo)
	require.NoError(t, err)

	require.NoError(t, c.SetMuted(true))
	require.True(t, c.Muted())
	require.False(t, stream.Audio().(*LocalTrack).Enabled())
	// video untouched
	require.True(t, stream.Video().(*LocalTrack).Enabled())

	require.NoError(t, c.SetVideoEnabled(false))
	require.False(t, c.VideoEnabled())
	require.False(t, stream.Video().(*LocalTrack).Enabled())

	require.NoError(t, c.SetMuted(false))
	require.True(t, stream.Audio().(*LocalTrack).Enabled())
}

func TestCapture_ScreenShare(t *testing.T) {
	ctx := context.Background()

	t.Run("start and stop restores camera state", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{}})
		defer c.Close()
		stream, err := c.Acquire(ctx, CaptureAudioVideo)
		require.NoError(t, err)
		camera := stream.Video().(*LocalTrack)
		audio := stream.Audio()

		require.NoError(t, c.SetVideoEnabled(false))

		screen, err := c.StartScreenShare(ctx)
		require.NoError(t, err)
		require.True(t, c.ScreenSharing())
		require.Equal(t, screen, c.OutboundVideo())
		require.True(t, stream.IsScreenShare())
		require.Equal(t, audio, stream.Audio())

		_, err = c.StartScreenShare(ctx)
		require.ErrorIs(t, err, ErrAlreadySharing)

		restored, err := c.StopScreenShare()
		require.NoError(t, err)
		require.Equal(t, camera, restored)
		require.Equal(t, camera, stream.Video())
		require.False(t, camera.Enabled())
		require.True(t, screen.IsStopped())
		require.False(t, c.ScreenSharing())

		_, err = c.StopScreenShare()
		require.ErrorIs(t, err, ErrNotSharing)
	})

	t.Run("denied", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{displayErr: errors.New("cancelled")}})
		defer c.Close()
		_, err := c.Acquire(ctx, CaptureAudioVideo)
		require.NoError(t, err)

		_, err = c.StartScreenShare(ctx)
		require.ErrorIs(t, err, ErrScreenShareUnavailable)
		require.False(t, c.ScreenSharing())
	})

	t.Run("source ending calls back", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{}})
		defer c.Close()
		_, err := c.Acquire(ctx, CaptureAudioVideo)
		require.NoError(t, err)

		ended := make(chan struct{})
		c.OnScreenShareEnded(func() {
			_, err := c.StopScreenShare()
			require.NoError(t, err)
			close(ended)
		})

		screen, err := c.StartScreenShare(ctx)
		require.NoError(t, err)
		screen.Stop()

		select {
		case <-ended:
		case <-time.After(time.Second):
			t.Fatal("screen share end not reported")
		}
		require.False(t, c.ScreenSharing())
	})

	t.Run("source ending without callback restores camera", func(t *testing.T) {
		c := NewCapture(CaptureParams{Devices: &stubDevices{}})
		defer c.Close()
		stream, err := c.Acquire(ctx, CaptureAudioVideo)
		require.NoError(t, err)
		camera := stream.Video()

		screen, err := c.StartScreenShare(ctx)
		require.NoError(t, err)
		screen.Stop()

		require.Eventually(t, func() bool {
			return !c.ScreenSharing()
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, camera, stream.Video())
	})
}
