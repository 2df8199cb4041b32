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

package rtc

import (
	"time"

	"github.com/livekit/meshcall/pkg/telemetry/prometheus"
	"github.com/livekit/meshcall/pkg/transport"
)

type ConnectionState int

const (
	ConnectionStateIdle ConnectionState = iota
	ConnectionStateDialing
	ConnectionStateAnswering
	ConnectionStateConnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateIdle:
		return "idle"
	case ConnectionStateDialing:
		return "dialing"
	case ConnectionStateAnswering:
		return "answering"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	roleDialer   = "dialer"
	roleAnswerer = "answerer"
)

// Connection is the orchestrator's record of one call. It is only touched from the orchestrator's queue.
type Connection struct {
	remoteID    string
	call        transport.Call
	role        string
	state       ConnectionState
	createdAt   time.Time
	connectedAt time.Time
}

func newConnection(remoteID string, call transport.Call, role string) *Connection {
	c := &Connection{
		remoteID:  remoteID,
		call:      call,
		role:      role,
		createdAt: time.Now(),
	}
	prometheus.ConnectionStarted(role)
	if role == roleDialer {
		c.setState(ConnectionStateDialing)
	} else {
		c.setState(ConnectionStateAnswering)
	}
	return c
}

func (c *Connection) setState(state ConnectionState) {
	if c.state == state {
		return
	}
	from := ""
	if c.state != ConnectionStateIdle {
		from = c.state.String()
	}
	to := ""
	if state != ConnectionStateClosed {
		to = state.String()
	}
	prometheus.ConnectionStateChanged(from, to)

	switch state {
	case ConnectionStateConnected:
		c.connectedAt = time.Now()
		prometheus.ConnectionEstablished(c.role)
	case ConnectionStateFailed:
		prometheus.ConnectionFailed(c.role)
	case ConnectionStateClosed:
		prometheus.ConnectionEnded(c.connectedAt)
	}
	c.state = state
}

func (c *Connection) isOpen() bool {
	return c.state != ConnectionStateClosed && c.state != ConnectionStateFailed
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		RemoteID:    c.remoteID,
		CallID:      c.call.ID(),
		State:       c.state,
		Dialer:      c.role == roleDialer,
		CreatedAt:   c.createdAt,
		ConnectedAt: c.connectedAt,
	}
}

// ConnectionInfo is a point in time copy of a Connection.
type ConnectionInfo struct {
	RemoteID    string
	CallID      string
	State       ConnectionState
	Dialer      bool
	CreatedAt   time.Time
	ConnectedAt time.Time
}

// TieBreaker reports whether the local side places the call to remoteID. For any two distinct ids
// exactly one side must get true.
type TieBreaker func(localID, remoteID string) bool

// GreaterInitiates lets the lexicographically greater id dial.
func GreaterInitiates(localID, remoteID string) bool {
	return localID > remoteID
}
