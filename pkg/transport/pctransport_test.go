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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/media"
	"github.com/livekit/meshcall/pkg/signal"
	"github.com/livekit/meshcall/pkg/testutils"
)

func newTestTransport(t *testing.T, hub *signal.LocalHub, id string) *PCTransport {
	s, err := hub.Register(id)
	require.NoError(t, err)
	tr, err := NewPCTransport(TransportParams{
		Signaller:        s,
		ICEGatherTimeout: 2 * time.Second,
		Workers:          2,
		Logger:           logger.GetLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func newTestStream(t *testing.T, id string) *media.Stream {
	audio, err := media.NewLocalTrack(media.LocalTrackParams{
		StreamID: id,
		Codec:    media.OpusCodec,
		Source:   media.SourceMicrophone,
	})
	require.NoError(t, err)
	video, err := media.NewLocalTrack(media.LocalTrackParams{
		StreamID: id,
		Codec:    media.VP8Codec,
		Source:   media.SourceCamera,
	})
	require.NoError(t, err)
	return media.NewStream(id, audio, video)
}

func TestPCTransport(t *testing.T) {
	t.Run("call connects both sides", func(t *testing.T) {
		hub := signal.NewLocalHub(logger.GetLogger())
		ta := newTestTransport(t, hub, "aaa")
		tb := newTestTransport(t, hub, "bbb")

		answered := atomic.NewBool(false)
		calleeStream := atomic.NewBool(false)
		tb.OnIncomingCall(func(c Call) {
			require.Equal(t, "aaa", c.RemoteID())
			c.OnStream(func(_ *media.Stream) {
				calleeStream.Store(true)
			})
			require.NoError(t, c.Answer(newTestStream(t, "b-stream")))
			answered.Store(true)
			require.ErrorIs(t, c.Answer(nil), ErrAlreadyAnswered)
		})

		call, err := ta.Call("bbb", newTestStream(t, "a-stream"))
		require.NoError(t, err)
		require.Equal(t, "bbb", call.RemoteID())

		callerStream := atomic.NewBool(false)
		call.OnStream(func(_ *media.Stream) {
			callerStream.Store(true)
		})

		testutils.WithTimeout(t, func() string {
			if !answered.Load() {
				return "call not answered"
			}
			if !callerStream.Load() {
				return "caller has no remote stream"
			}
			if !calleeStream.Load() {
				return "callee has no remote stream"
			}
			return ""
		})
	})

	t.Run("hang up closes the remote side", func(t *testing.T) {
		hub := signal.NewLocalHub(logger.GetLogger())
		ta := newTestTransport(t, hub, "aaa")
		tb := newTestTransport(t, hub, "bbb")

		remoteClosed := atomic.NewBool(false)
		tb.OnIncomingCall(func(c Call) {
			c.OnClose(func() {
				remoteClosed.Store(true)
			})
			require.NoError(t, c.Answer(newTestStream(t, "b-stream")))
		})

		call, err := ta.Call("bbb", newTestStream(t, "a-stream"))
		require.NoError(t, err)
		connected := atomic.NewBool(false)
		call.OnStream(func(_ *media.Stream) {
			connected.Store(true)
		})
		testutils.WithTimeout(t, func() string {
			if !connected.Load() {
				return "not connected"
			}
			return ""
		})

		require.NoError(t, call.Close())
		testutils.WithTimeout(t, func() string {
			if !remoteClosed.Load() {
				return "remote call still open"
			}
			return ""
		})
		require.ErrorIs(t, call.ReplaceVideoTrack(nil), ErrCallClosed)
	})

	t.Run("offer is held until a handler is set", func(t *testing.T) {
		hub := signal.NewLocalHub(logger.GetLogger())
		ta := newTestTransport(t, hub, "aaa")
		tb := newTestTransport(t, hub, "bbb")

		call, err := ta.Call("bbb", newTestStream(t, "a-stream"))
		require.NoError(t, err)
		connected := atomic.NewBool(false)
		call.OnStream(func(_ *media.Stream) {
			connected.Store(true)
		})

		testutils.WithTimeout(t, func() string {
			tb.lock.Lock()
			defer tb.lock.Unlock()
			if len(tb.pendingIncoming) != 1 {
				return "offer not held"
			}
			return ""
		})

		tb.OnIncomingCall(func(c Call) {
			require.Equal(t, "aaa", c.RemoteID())
			require.NoError(t, c.Answer(newTestStream(t, "b-stream")))
		})
		testutils.WithTimeout(t, func() string {
			if !connected.Load() {
				return "held call not answered"
			}
			return ""
		})
	})

	t.Run("unknown peer reports peer unavailable", func(t *testing.T) {
		hub := signal.NewLocalHub(logger.GetLogger())
		ta := newTestTransport(t, hub, "aaa")

		call, err := ta.Call("ghost", newTestStream(t, "a-stream"))
		require.NoError(t, err)

		errs := make(chan error, 1)
		closed := atomic.NewBool(false)
		call.OnError(func(err error) {
			errs <- err
		})
		call.OnClose(func() {
			closed.Store(true)
		})

		select {
		case err := <-errs:
			require.True(t, IsPeerUnavailable(err), fmt.Sprintf("unexpected error %v", err))
		case <-time.After(testutils.ConnectTimeout):
			t.Fatal("no error reported")
		}
		testutils.WithTimeout(t, func() string {
			if !closed.Load() {
				return "call not closed"
			}
			return ""
		})
	})

	t.Run("closed transport refuses calls", func(t *testing.T) {
		hub := signal.NewLocalHub(logger.GetLogger())
		ta := newTestTransport(t, hub, "aaa")
		require.NoError(t, ta.Close())

		_, err := ta.Call("bbb", newTestStream(t, "a-stream"))
		require.ErrorIs(t, err, ErrTransportClosed)
	})
}

func TestCallEvents(t *testing.T) {
	var e CallEvents
	s := media.NewStream("s1")
	e.EmitStream(s)
	e.EmitError(ErrCallClosed)
	e.EmitClose()

	var streams []*media.Stream
	var errs []error
	closed := false
	e.OnStream(func(stream *media.Stream) { streams = append(streams, stream) })
	e.OnError(func(err error) { errs = append(errs, err) })
	e.OnClose(func() { closed = true })

	require.Equal(t, []*media.Stream{s}, streams)
	require.Equal(t, []error{ErrCallClosed}, errs)
	require.True(t, closed)

	e.EmitStream(s)
	require.Len(t, streams, 2)
}

func TestCallEventsReplayInEmitOrder(t *testing.T) {
	var e CallEvents
	failure := &PeerError{Kind: ErrorKindPeerUnavailable, PeerID: "0ghost"}
	e.EmitError(failure)
	e.EmitClose()

	var order []string
	e.OnStream(func(*media.Stream) { order = append(order, "stream") })
	// close waits for the error raised before it
	e.OnClose(func() { order = append(order, "close") })
	require.Empty(t, order)

	e.OnError(func(err error) {
		require.Equal(t, failure, err)
		order = append(order, "error")
	})
	require.Equal(t, []string{"error", "close"}, order)
}

func TestConnectionFailureIsNotUnavailable(t *testing.T) {
	err := connectionFailure("bbb")
	require.Equal(t, ErrorKindConnection, err.Kind)
	require.Equal(t, "bbb", err.PeerID)
	require.False(t, IsPeerUnavailable(err))
	require.ErrorIs(t, err, errICEFailed)
}

func TestPeerError(t *testing.T) {
	err := &PeerError{Kind: ErrorKindPeerUnavailable, PeerID: "bbb", Err: signal.ErrPeerUnavailable}
	require.True(t, IsPeerUnavailable(err))
	require.ErrorIs(t, err, signal.ErrPeerUnavailable)
	require.False(t, IsPeerUnavailable(&PeerError{Kind: ErrorKindNegotiation, Err: ErrCallClosed}))
}
