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

package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/livekit/meshcall/pkg/media"
)

type ErrorKind string

const (
	// the remote peer does not exist or stopped responding
	ErrorKindPeerUnavailable ErrorKind = "peer-unavailable"
	ErrorKindNegotiation     ErrorKind = "negotiation"
	ErrorKindConnection      ErrorKind = "connection"
	ErrorKindSignal          ErrorKind = "signal"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrCallClosed      = errors.New("call closed")
	ErrAlreadyAnswered = errors.New("call already answered")
	ErrNoVideoSender   = errors.New("call has no video sender")
)

type PeerError struct {
	Kind   ErrorKind
	PeerID string
	Err    error
}

func (e *PeerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.PeerID)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.PeerID, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

func IsPeerUnavailable(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe) && pe.Kind == ErrorKindPeerUnavailable
}

// Transport is a peer identity able to place and receive media calls. Once closed it cannot be reused.
type Transport interface {
	ID() string
	Call(remoteID string, stream *media.Stream) (Call, error)
	OnIncomingCall(f func(call Call))
	OnError(f func(err error))
	Close() error
}

// Call is one media session with a remote peer. OnStream fires when the connection comes up and
// again whenever the remote stream gains a track.
type Call interface {
	ID() string
	RemoteID() string
	Answer(stream *media.Stream) error
	OnStream(f func(stream *media.Stream))
	OnClose(f func())
	OnError(f func(err error))
	// ReplaceVideoTrack swaps the outbound video without renegotiating
	ReplaceVideoTrack(track *media.LocalTrack) error
	Close() error
}

// CallEvents holds a call's handlers. Events raised before their handler is set are kept and
// replayed in the order they were raised, so a caller that registers right after Call returns
// misses nothing. Replay stops at the first event still lacking a handler.
type CallEvents struct {
	lock     sync.Mutex
	onStream func(stream *media.Stream)
	onClose  func()
	onError  func(err error)

	pending []callEvent
}

type callEvent struct {
	stream *media.Stream
	err    error
	close  bool
}

func (e *CallEvents) OnStream(f func(stream *media.Stream)) {
	e.lock.Lock()
	e.onStream = f
	e.lock.Unlock()
	e.replay()
}

func (e *CallEvents) OnClose(f func()) {
	e.lock.Lock()
	e.onClose = f
	e.lock.Unlock()
	e.replay()
}

func (e *CallEvents) OnError(f func(err error)) {
	e.lock.Lock()
	e.onError = f
	e.lock.Unlock()
	e.replay()
}

func (e *CallEvents) EmitStream(stream *media.Stream) {
	e.emit(callEvent{stream: stream})
}

func (e *CallEvents) EmitClose() {
	e.emit(callEvent{close: true})
}

func (e *CallEvents) EmitError(err error) {
	e.emit(callEvent{err: err})
}

func (e *CallEvents) emit(ev callEvent) {
	e.lock.Lock()
	e.pending = append(e.pending, ev)
	e.lock.Unlock()
	e.replay()
}

func (e *CallEvents) replay() {
	for {
		e.lock.Lock()
		if len(e.pending) == 0 {
			e.lock.Unlock()
			return
		}
		deliver := e.handlerLocked(e.pending[0])
		if deliver == nil {
			e.lock.Unlock()
			return
		}
		e.pending = e.pending[1:]
		e.lock.Unlock()

		deliver()
	}
}

// must hold e.lock
func (e *CallEvents) handlerLocked(ev callEvent) func() {
	switch {
	case ev.close:
		if f := e.onClose; f != nil {
			return f
		}
	case ev.err != nil:
		if f := e.onError; f != nil {
			return func() { f(ev.err) }
		}
	default:
		if f := e.onStream; f != nil {
			return func() { f(ev.stream) }
		}
	}
	return nil
}
