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

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/meshcall/pkg/config"
	"github.com/livekit/meshcall/pkg/layout"
	"github.com/livekit/meshcall/pkg/presence"
	"github.com/livekit/meshcall/pkg/recording"
	"github.com/livekit/meshcall/pkg/rtc"
)

type testStruct struct {
	configFileName string
	configBody     string

	expectedError      error
	expectedConfigBody string
}

func TestGetConfigString(t *testing.T) {
	file := filepath.Join(t.TempDir(), "meshcall.yaml")
	tests := []testStruct{
		{"", "", nil, ""},
		{"", "configBody", nil, "configBody"},
		{file, "configBody", nil, "configBody"},
		{file, "", nil, "fileContent"},
	}
	for _, test := range tests {
		func() {
			writeConfigFile(test, t)
			defer os.Remove(test.configFileName)

			configBody, err := getConfigString(test.configFileName, test.configBody)
			require.Equal(t, test.expectedError, err)
			require.Equal(t, test.expectedConfigBody, configBody)
		}()
	}
}

func TestShouldReturnErrorIfConfigFileDoesNotExist(t *testing.T) {
	configBody, err := getConfigString("notExistingFile", "")
	require.Error(t, err)
	require.Empty(t, configBody)
}

func writeConfigFile(test testStruct, t *testing.T) {
	if test.configFileName != "" {
		d1 := []byte(test.expectedConfigBody)
		err := os.WriteFile(test.configFileName, d1, 0o644)
		require.NoError(t, err)
	}
}

type fakeController struct {
	hand      bool
	reaction  string
	muted     bool
	video     bool
	sharing   bool
	recording string
	pinned    string
	mode      layout.Mode
	entries   []rtc.StreamEntry
	conns     []rtc.ConnectionInfo
	file      *recording.File
	ended     bool
}

func (f *fakeController) ToggleHandRaise(context.Context) (bool, error) {
	f.hand = !f.hand
	return f.hand, nil
}

func (f *fakeController) SendReaction(_ context.Context, symbol string) error {
	f.reaction = symbol
	return nil
}

func (f *fakeController) SetMuted(muted bool) error {
	f.muted = muted
	return nil
}

func (f *fakeController) SetVideoEnabled(enabled bool) error {
	f.video = enabled
	return nil
}

func (f *fakeController) StartScreenShare(context.Context) error {
	f.sharing = true
	return nil
}

func (f *fakeController) StopScreenShare() error {
	f.sharing = false
	return nil
}

func (f *fakeController) StartRecording(participantID string) error {
	f.recording = participantID
	return nil
}

func (f *fakeController) StopRecording() (*recording.File, error) {
	if f.file == nil {
		return nil, recording.ErrNotRecording
	}
	return f.file, nil
}

func (f *fakeController) Pin(participantID string) {
	f.pinned = participantID
}

func (f *fakeController) Unpin() {
	f.pinned = ""
}

func (f *fakeController) SetMode(mode layout.Mode) {
	f.mode = mode
}

func (f *fakeController) Streams() []rtc.StreamEntry {
	return f.entries
}

func (f *fakeController) Connections() []rtc.ConnectionInfo {
	return f.conns
}

func (f *fakeController) EndCall() {
	f.ended = true
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	conf := &config.Config{Recording: config.RecordingConfig{OutputDir: t.TempDir()}}

	t.Run("controls", func(t *testing.T) {
		f := &fakeController{}
		var out bytes.Buffer
		for _, line := range []string{
			"hand", "react 👍", "mute", "video off", "share", "record PE_b", "pin PE_b", "grid", "", "  ",
		} {
			leave, err := runCommand(ctx, f, conf, line, &out)
			require.NoError(t, err, line)
			require.False(t, leave)
		}
		require.True(t, f.hand)
		require.Equal(t, "👍", f.reaction)
		require.True(t, f.muted)
		require.False(t, f.video)
		require.True(t, f.sharing)
		require.Equal(t, "PE_b", f.recording)
		require.Equal(t, "PE_b", f.pinned)
		require.Equal(t, layout.ModeGrid, f.mode)
		require.Contains(t, out.String(), "hand raised: true")

		for _, line := range []string{"unmute", "video on", "unshare", "unpin", "speaker"} {
			_, err := runCommand(ctx, f, conf, line, &out)
			require.NoError(t, err, line)
		}
		require.False(t, f.muted)
		require.True(t, f.video)
		require.False(t, f.sharing)
		require.Empty(t, f.pinned)
		require.Equal(t, layout.ModeSpeaker, f.mode)
	})

	t.Run("usage errors", func(t *testing.T) {
		f := &fakeController{}
		for _, line := range []string{"react", "video maybe", "record", "pin"} {
			_, err := runCommand(ctx, f, conf, line, &bytes.Buffer{})
			require.Error(t, err, line)
		}
		_, err := runCommand(ctx, f, conf, "dance", &bytes.Buffer{})
		require.True(t, errors.Is(err, errUnknownCommand))
	})

	t.Run("stop record saves the file", func(t *testing.T) {
		f := &fakeController{}
		_, err := runCommand(ctx, f, conf, "stop-record", &bytes.Buffer{})
		require.ErrorIs(t, err, recording.ErrNotRecording)

		f.file = &recording.File{Name: "rec.webm", MimeType: recording.MimeTypeWebM, Data: []byte("webm"), Duration: 3 * time.Second}
		var out bytes.Buffer
		_, err = runCommand(ctx, f, conf, "stop-record", &out)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(conf.Recording.OutputDir, "rec.webm"))
		require.NoError(t, err)
		require.Equal(t, "webm", string(data))
		require.Contains(t, out.String(), "4 B")
	})

	t.Run("leave", func(t *testing.T) {
		f := &fakeController{}
		leave, err := runCommand(ctx, f, conf, "leave", &bytes.Buffer{})
		require.NoError(t, err)
		require.True(t, leave)
		require.False(t, f.ended)

		leave, err = runCommand(ctx, f, conf, "end", &bytes.Buffer{})
		require.NoError(t, err)
		require.True(t, leave)
		require.True(t, f.ended)
	})
}

func TestRunCommandsStopsOnLeave(t *testing.T) {
	f := &fakeController{}
	var out bytes.Buffer
	runCommands(context.Background(), f, &config.Config{}, strings.NewReader("hand\nleave\nhand\n"), &out)
	require.True(t, f.hand)
}

func TestPrintParticipants(t *testing.T) {
	var out bytes.Buffer
	printParticipants(&out, []rtc.StreamEntry{
		{ParticipantID: "PE_local", DisplayName: "Ana", IsLocal: true},
		{ParticipantID: "PE_remote", DisplayName: "Bo", HandRaised: true, Reaction: &presence.Reaction{Symbol: "🎉"}},
	}, []rtc.ConnectionInfo{
		{RemoteID: "PE_remote", State: rtc.ConnectionStateConnected, ConnectedAt: time.Now()},
	})

	s := out.String()
	require.Contains(t, s, "PE_local")
	require.Contains(t, s, "PE_remote")
	require.Contains(t, s, "🎉")
	require.Contains(t, s, rtc.ConnectionStateConnected.String())
}
