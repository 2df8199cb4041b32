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
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/utils"
)

// LocalHub routes messages between signallers in the same process.
type LocalHub struct {
	logger logger.Logger

	lock  sync.RWMutex
	peers map[string]*LocalSignaller
}

func NewLocalHub(l logger.Logger) *LocalHub {
	if l == nil {
		l = logger.GetLogger()
	}
	return &LocalHub{
		logger: l.WithName("signal"),
		peers:  make(map[string]*LocalSignaller),
	}
}

func (h *LocalHub) Register(id string) (*LocalSignaller, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.peers[id]; ok {
		return nil, ErrDuplicateID
	}

	s := &LocalSignaller{
		hub: h,
		id:  id,
		queue: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:   "local-signal",
			Logger: h.logger,
		}),
	}
	s.queue.Start()
	h.peers[id] = s
	return s, nil
}

func (h *LocalHub) lookup(id string) *LocalSignaller {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.peers[id]
}

func (h *LocalHub) unregister(s *LocalSignaller) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.peers[s.id] == s {
		delete(h.peers, s.id)
	}
}

type LocalSignaller struct {
	hub   *LocalHub
	id    string
	queue *utils.OpsQueue

	lock      sync.RWMutex
	onMessage func(msg Message)
}

func (s *LocalSignaller) LocalID() string {
	return s.id
}

func (s *LocalSignaller) Send(_ context.Context, to string, msg Message) error {
	if s.queue.IsStopped() {
		return ErrClosed
	}
	target := s.hub.lookup(to)
	if target == nil {
		return ErrPeerUnavailable
	}
	msg.From = s.id
	msg.To = to
	target.deliver(msg)
	return nil
}

func (s *LocalSignaller) OnMessage(f func(msg Message)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onMessage = f
}

func (s *LocalSignaller) Close() error {
	s.hub.unregister(s)
	s.queue.Stop()
	return nil
}

func (s *LocalSignaller) deliver(msg Message) {
	s.queue.Enqueue(func() {
		s.lock.RLock()
		f := s.onMessage
		s.lock.RUnlock()
		if f != nil {
			f(msg)
		}
	})
}
