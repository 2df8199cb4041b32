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
	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/signal"
)

type registration struct {
	client   *Client
	accepted chan bool
}

type envelope struct {
	from *Client
	msg  *signal.Message
}

// Hub relays signalling messages between connected peers by id. All state is owned by the Run goroutine.
type Hub struct {
	logger  logger.Logger
	clients map[string]*Client

	register   chan registration
	unregister chan *Client
	route      chan envelope

	numClients atomic.Int32
	stop       core.Fuse
}

func NewHub(l logger.Logger) *Hub {
	if l == nil {
		l = logger.GetLogger()
	}
	return &Hub{
		logger:     l.WithName("broker"),
		clients:    make(map[string]*Client),
		register:   make(chan registration),
		unregister: make(chan *Client),
		route:      make(chan envelope, 256),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case r := <-h.register:
			if _, ok := h.clients[r.client.id]; ok {
				r.accepted <- false
				continue
			}
			h.clients[r.client.id] = r.client
			h.numClients.Inc()
			h.logger.Debugw("peer registered", "peerID", r.client.id)
			r.accepted <- true

		case c := <-h.unregister:
			if h.clients[c.id] != c {
				continue
			}
			delete(h.clients, c.id)
			h.numClients.Dec()
			close(c.send)
			h.logger.Debugw("peer unregistered", "peerID", c.id)

		case e := <-h.route:
			h.relay(e)

		case <-h.stop.Watch():
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.numClients.Store(0)
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stop.Break()
}

func (h *Hub) NumClients() int {
	return int(h.numClients.Load())
}

func (h *Hub) Register(c *Client) bool {
	accepted := make(chan bool, 1)
	select {
	case h.register <- registration{client: c, accepted: accepted}:
	case <-h.stop.Watch():
		return false
	}
	return <-accepted
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop.Watch():
	}
}

func (h *Hub) Route(from *Client, msg *signal.Message) {
	select {
	case h.route <- envelope{from: from, msg: msg}:
	case <-h.stop.Watch():
	}
}

func (h *Hub) relay(e envelope) {
	msg := e.msg
	msg.From = e.from.id
	if msg.To == "" {
		e.from.trySend(&signal.Message{
			Type:  signal.MessageError,
			Error: &signal.ErrorPayload{Kind: signal.ErrorKindInvalidMessage, Message: "missing target"},
		})
		return
	}

	target, ok := h.clients[msg.To]
	if !ok {
		h.logger.Debugw("target peer unavailable", "from", msg.From, "to", msg.To, "type", msg.Type)
		if msg.Type == signal.MessageError {
			return
		}
		e.from.trySend(&signal.Message{
			Type:   signal.MessageError,
			From:   msg.To,
			To:     msg.From,
			CallID: msg.CallID,
			Error: &signal.ErrorPayload{
				Kind:   signal.ErrorKindPeerUnavailable,
				PeerID: msg.To,
			},
		})
		return
	}

	if !target.trySend(msg) {
		h.logger.Warnw("dropping message for slow peer", nil, "peerID", target.id, "type", msg.Type)
	}
}
