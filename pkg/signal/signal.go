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

package signal

import (
	"context"
	"encoding/json"
	"errors"
)

type MessageType string

const (
	MessageOffer  MessageType = "offer"
	MessageAnswer MessageType = "answer"
	MessageBye    MessageType = "bye"
	MessageError  MessageType = "error"
)

const (
	ErrorKindPeerUnavailable = "peer-unavailable"
	ErrorKindDuplicateID     = "duplicate-id"
	ErrorKindInvalidMessage  = "invalid-message"
)

var (
	ErrPeerUnavailable = errors.New("peer unavailable")
	ErrDuplicateID     = errors.New("peer id already registered")
	ErrClosed          = errors.New("signaller closed")
)

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	// peer the failed message was addressed to
	PeerID string `json:"peerId,omitempty"`
}

type Message struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Signaller carries offers and answers between peers identified by an opaque id.
//
// Send returns ErrPeerUnavailable when the target is known not to be listening. Backends that only
// learn this later deliver a MessageError with ErrorKindPeerUnavailable instead.
type Signaller interface {
	LocalID() string
	Send(ctx context.Context, to string, msg Message) error
	OnMessage(f func(msg Message))
	Close() error
}
