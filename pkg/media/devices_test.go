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
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeIVF writes a VP8 IVF file with n tiny frames at 100fps.
func writeIVF(t *testing.T, n int) string {
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64)
	binary.LittleEndian.PutUint16(header[14:], 48)
	binary.LittleEndian.PutUint32(header[16:], 100)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(n))

	data := header
	for i := 0; i < n; i++ {
		frame := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, byte(i)}
		frameHeader := make([]byte, 12)
		binary.LittleEndian.PutUint32(frameHeader[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(frameHeader[4:], uint64(i))
		data = append(data, frameHeader...)
		data = append(data, frame...)
	}

	path := filepath.Join(t.TempDir(), "screen.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileDevices(t *testing.T) {
	ctx := context.Background()

	t.Run("missing camera", func(t *testing.T) {
		d := NewFileDevices(FileDevicesParams{})
		_, err := d.GetUserMedia(ctx, "ST_1", CaptureAudioVideo)
		require.ErrorIs(t, err, ErrCaptureUnavailable)

		_, err = d.GetDisplayMedia(ctx, "ST_1")
		require.ErrorIs(t, err, ErrCaptureUnavailable)
	})

	t.Run("silent microphone", func(t *testing.T) {
		d := NewFileDevices(FileDevicesParams{})
		tracks, err := d.GetUserMedia(ctx, "ST_1", CaptureAudio)
		require.NoError(t, err)
		require.Len(t, tracks, 1)
		defer tracks[0].Stop()

		sink := &packetCollector{}
		tracks[0].AddSink("test", sink)
		require.Eventually(t, func() bool {
			return sink.count() >= 2
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("screen ends with its file", func(t *testing.T) {
		d := NewFileDevices(FileDevicesParams{ScreenFile: writeIVF(t, 5)})
		screen, err := d.GetDisplayMedia(ctx, "ST_1")
		require.NoError(t, err)
		require.Equal(t, SourceScreen, screen.Source())

		sink := &packetCollector{}
		screen.AddSink("test", sink)

		select {
		case <-screen.Ended():
		case <-time.After(2 * time.Second):
			t.Fatal("screen track should end at EOF")
		}
		require.Greater(t, sink.count(), 0)
	})

	t.Run("camera loops", func(t *testing.T) {
		d := NewFileDevices(FileDevicesParams{VideoFile: writeIVF(t, 2), Loop: true})
		tracks, err := d.GetUserMedia(ctx, "ST_1", CaptureAudioVideo)
		require.NoError(t, err)
		require.Len(t, tracks, 2)
		camera := tracks[1]
		defer tracks[0].Stop()
		defer camera.Stop()

		sink := &packetCollector{}
		camera.AddSink("test", sink)
		require.Eventually(t, func() bool {
			return sink.count() > 4
		}, 2*time.Second, 10*time.Millisecond)
		require.False(t, camera.IsStopped())
	})
}
