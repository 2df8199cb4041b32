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

package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/meshcall/pkg/signal"
)

func newTestBroker(t *testing.T) (*Hub, string) {
	hub := NewHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	mux := http.NewServeMux()
	mux.Handle("/ws", ServeWs(hub))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, id string) (*signal.WSSignaller, chan signal.Message) {
	s, err := signal.DialWS(context.Background(), url, id, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	received := make(chan signal.Message, 10)
	s.OnMessage(func(msg signal.Message) {
		received <- msg
	})
	return s, received
}

func waitMessage(t *testing.T, ch chan signal.Message) signal.Message {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return signal.Message{}
}

func TestBrokerRelay(t *testing.T) {
	ctx := context.Background()
	hub, url := newTestBroker(t)

	a, aReceived := dial(t, url, "aaa")
	_, bReceived := dial(t, url, "bbb")
	require.Eventually(t, func() bool {
		return hub.NumClients() == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Send(ctx, "bbb", signal.Message{Type: signal.MessageOffer, CallID: "c1", Payload: []byte(`{"sdp":"x"}`)}))
	msg := waitMessage(t, bReceived)
	require.Equal(t, signal.MessageOffer, msg.Type)
	require.Equal(t, "aaa", msg.From)
	require.Equal(t, "c1", msg.CallID)
	require.JSONEq(t, `{"sdp":"x"}`, string(msg.Payload))

	// unknown peers are reported back asynchronously
	require.NoError(t, a.Send(ctx, "zzz", signal.Message{Type: signal.MessageOffer, CallID: "c2"}))
	msg = waitMessage(t, aReceived)
	require.Equal(t, signal.MessageError, msg.Type)
	require.Equal(t, "c2", msg.CallID)
	require.Equal(t, signal.ErrorKindPeerUnavailable, msg.Error.Kind)
	require.Equal(t, "zzz", msg.Error.PeerID)
}

func TestBrokerRejectsDuplicateID(t *testing.T) {
	_, url := newTestBroker(t)
	dial(t, url, "aaa")

	_, err := signal.DialWS(context.Background(), url, "aaa", nil)
	require.ErrorIs(t, err, signal.ErrDuplicateID)
}

func TestBrokerFreesIDOnDisconnect(t *testing.T) {
	hub, url := newTestBroker(t)
	a, _ := dial(t, url, "aaa")
	require.Eventually(t, func() bool {
		return hub.NumClients() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool {
		return hub.NumClients() == 0
	}, 2*time.Second, 10*time.Millisecond)

	dial(t, url, "aaa")
}
