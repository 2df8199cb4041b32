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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/livekit/meshcall/pkg/config"
	"github.com/livekit/meshcall/pkg/layout"
	"github.com/livekit/meshcall/pkg/recording"
	"github.com/livekit/meshcall/pkg/rtc"
)

const commandHelp = `commands:
  hand                 raise or lower your hand
  react <symbol>       send a reaction
  mute | unmute        microphone
  video on|off         camera
  share | unshare      screen share
  record <id>          record a participant
  stop-record          stop and save the recording
  pin <id> | unpin     choose the main stream
  grid | speaker       layout mode
  list                 participants and connections
  leave                leave the call
  end                  end the call for yourself and notify the host app`

var errUnknownCommand = errors.New("unknown command")

// controller is the part of call.Session driven from the terminal.
type controller interface {
	ToggleHandRaise(ctx context.Context) (bool, error)
	SendReaction(ctx context.Context, symbol string) error
	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare() error
	StartRecording(participantID string) error
	StopRecording() (*recording.File, error)
	Pin(participantID string)
	Unpin()
	SetMode(mode layout.Mode)
	Streams() []rtc.StreamEntry
	Connections() []rtc.ConnectionInfo
	EndCall()
}

// runCommands reads one command per line until leave or EOF.
func runCommands(ctx context.Context, s controller, conf *config.Config, in io.Reader, out io.Writer) {
	_, _ = fmt.Fprintln(out, commandHelp)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		leave, err := runCommand(ctx, s, conf, scanner.Text(), out)
		if err != nil {
			_, _ = fmt.Fprintf(out, "error: %v\n", err)
		}
		if leave {
			return
		}
	}
}

func runCommand(ctx context.Context, s controller, conf *config.Config, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "hand":
		raised, err := s.ToggleHandRaise(ctx)
		if err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(out, "hand raised: %v\n", raised)
	case "react":
		if len(args) != 1 {
			return false, errors.New("usage: react <symbol>")
		}
		return false, s.SendReaction(ctx, args[0])
	case "mute", "unmute":
		return false, s.SetMuted(cmd == "mute")
	case "video":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, errors.New("usage: video on|off")
		}
		return false, s.SetVideoEnabled(args[0] == "on")
	case "share":
		return false, s.StartScreenShare(ctx)
	case "unshare":
		return false, s.StopScreenShare()
	case "record":
		if len(args) != 1 {
			return false, errors.New("usage: record <participant id>")
		}
		return false, s.StartRecording(args[0])
	case "stop-record":
		f, err := s.StopRecording()
		if err != nil {
			return false, err
		}
		path, err := f.Save(conf.Recording.OutputDir)
		if err != nil {
			return false, err
		}
		_, _ = fmt.Fprintf(out, "saved %s (%s, %s)\n", path, humanize.Bytes(uint64(len(f.Data))), f.Duration.Round(time.Second))
	case "pin":
		if len(args) != 1 {
			return false, errors.New("usage: pin <participant id>")
		}
		s.Pin(args[0])
	case "unpin":
		s.Unpin()
	case "grid":
		s.SetMode(layout.ModeGrid)
	case "speaker":
		s.SetMode(layout.ModeSpeaker)
	case "list":
		printParticipants(out, s.Streams(), s.Connections())
	case "leave":
		return true, nil
	case "end":
		s.EndCall()
		return true, nil
	case "help":
		_, _ = fmt.Fprintln(out, commandHelp)
	default:
		return false, errors.Wrap(errUnknownCommand, cmd)
	}
	return false, nil
}

func printParticipants(out io.Writer, entries []rtc.StreamEntry, conns []rtc.ConnectionInfo) {
	states := make(map[string]rtc.ConnectionInfo, len(conns))
	for _, c := range conns {
		states[c.RemoteID] = c
	}

	table := tablewriter.NewWriter(out)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{
		"ID", "Name", "Connection", "Connected", "Screen", "Hand", "Reaction",
	})
	for _, e := range entries {
		conn, connected := "local", ""
		if !e.IsLocal {
			conn = "-"
			if c, ok := states[e.ParticipantID]; ok {
				conn = c.State.String()
				if !c.ConnectedAt.IsZero() {
					connected = humanize.Time(c.ConnectedAt)
				}
			}
		}
		reaction := ""
		if e.Reaction != nil {
			reaction = e.Reaction.Symbol
		}
		table.Append([]string{
			e.ParticipantID,
			e.DisplayName,
			conn,
			connected,
			fmt.Sprintf("%v", e.IsScreenShare),
			fmt.Sprintf("%v", e.HandRaised),
			reaction,
		})
	}
	table.Render()
}
