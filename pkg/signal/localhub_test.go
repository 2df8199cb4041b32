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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalHub(t *testing.T) {
	ctx := context.Background()
	hub := NewLocalHub(nil)

	a, err := hub.Register("aaa")
	require.NoError(t, err)
	b, err := hub.Register("bbb")
	require.NoError(t, err)
	_, err = hub.Register("aaa")
	require.ErrorIs(t, err, ErrDuplicateID)

	received := make(chan Message, 10)
	b.OnMessage(func(msg Message) {
		received <- msg
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, "bbb", Message{Type: MessageOffer, CallID: string(rune('x' + i))}))
	}
	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			require.Equal(t, "aaa", msg.From)
			require.Equal(t, "bbb", msg.To)
			require.Equal(t, string(rune('x'+i)), msg.CallID)
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}

	require.ErrorIs(t, a.Send(ctx, "ccc", Message{Type: MessageOffer}), ErrPeerUnavailable)

	require.NoError(t, b.Close())
	require.ErrorIs(t, a.Send(ctx, "bbb", Message{Type: MessageOffer}), ErrPeerUnavailable)

	// id is free again
	_, err = hub.Register("bbb")
	require.NoError(t, err)
}
