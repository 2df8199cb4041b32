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
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer, enough for SDP with candidates.
	MaxMessageSize = 64 * 1024
)

// WSSignaller talks to the signalling broker over a websocket. Unknown targets are reported
// back by the broker as error messages.
type WSSignaller struct {
	id     string
	conn   *websocket.Conn
	logger logger.Logger

	outgoing chan *Message
	done     chan struct{}

	lock      sync.RWMutex
	onMessage func(msg Message)
	closeOnce sync.Once
}

func DialWS(ctx context.Context, serverURL, id string, l logger.Logger) (*WSSignaller, error) {
	if l == nil {
		l = logger.GetLogger()
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid signal url")
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrDuplicateID
		}
		return nil, errors.Wrap(err, "could not connect to signal broker")
	}

	s := &WSSignaller{
		id:       id,
		conn:     conn,
		logger:   l.WithName("signal").WithValues("peerID", id),
		outgoing: make(chan *Message, 64),
		done:     make(chan struct{}),
	}
	s.conn.SetReadLimit(MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.readPump()
	go s.writePump()
	return s, nil
}

func (s *WSSignaller) LocalID() string {
	return s.id
}

func (s *WSSignaller) Send(ctx context.Context, to string, msg Message) error {
	msg.From = s.id
	msg.To = to

	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.outgoing <- &msg:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WSSignaller) OnMessage(f func(msg Message)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onMessage = f
}

func (s *WSSignaller) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *WSSignaller) readPump() {
	defer func() {
		_ = s.conn.Close()
		_ = s.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("signal connection lost", err)
			}
			return
		}

		s.lock.RLock()
		f := s.onMessage
		s.lock.RUnlock()
		if f != nil {
			f(msg)
		}
	}
}

func (s *WSSignaller) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.outgoing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Warnw("could not write signal", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
