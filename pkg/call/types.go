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

package call

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/meshcall/pkg/transport"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusWaiting   Status = "waiting"
	StatusCalling   Status = "calling"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

var (
	ErrAlreadyStarted     = errors.New("session already started")
	ErrNotStarted         = errors.New("session not started")
	ErrSessionClosed      = errors.New("session closed")
	ErrUnknownParticipant = errors.New("participant has no stream")
)

const (
	DefaultDisplayName      = "User"
	DefaultReactionDuration = 2500 * time.Millisecond
	defaultLeaveTimeout     = 3 * time.Second
	layoutDebounce          = 50 * time.Millisecond
)

type NotificationKind string

const (
	NotificationCaptureFailed     NotificationKind = "capture-failed"
	NotificationJoinFailed        NotificationKind = "join-failed"
	NotificationScreenShareFailed NotificationKind = "screen-share-failed"
	NotificationRecordingFailed   NotificationKind = "recording-failed"
	NotificationConnectionError   NotificationKind = "connection-error"
)

// Notification is a failure the user should be told about. None of them end the session on their
// own, except a failed start.
type Notification struct {
	Kind NotificationKind
	Err  error
}

func (n Notification) Message() string {
	switch n.Kind {
	case NotificationCaptureFailed:
		return fmt.Sprintf("could not access camera or microphone: %v", n.Err)
	case NotificationJoinFailed:
		return fmt.Sprintf("could not join the call: %v", n.Err)
	case NotificationScreenShareFailed:
		return fmt.Sprintf("could not share screen: %v", n.Err)
	case NotificationRecordingFailed:
		return fmt.Sprintf("could not start recording: %v", n.Err)
	default:
		return fmt.Sprintf("connection problem: %v", n.Err)
	}
}

// EndedEvent tells the host the local user ended the call. Marking any external record as ended
// is up to the host.
type EndedEvent struct {
	Room   string
	IsHost bool
}

// TransportFactory creates the peer identity for one session. The transport is closed with the session
// and never reused.
type TransportFactory func(ctx context.Context) (transport.Transport, error)
