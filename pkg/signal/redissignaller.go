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
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"
)

// PeerSignalPrefix is the pubsub channel a peer listens on
const PeerSignalPrefix = "peer_signal:"

// RedisSignaller uses one pubsub channel per peer. A publish nobody receives means the peer is gone.
type RedisSignaller struct {
	rc     redis.UniversalClient
	id     string
	logger logger.Logger
	ps     *redis.PubSub

	lock      sync.RWMutex
	onMessage func(msg Message)
	closeOnce sync.Once
	closed    chan struct{}
}

func NewRedisSignaller(ctx context.Context, rc redis.UniversalClient, id string, l logger.Logger) (*RedisSignaller, error) {
	if l == nil {
		l = logger.GetLogger()
	}
	s := &RedisSignaller{
		rc:     rc,
		id:     id,
		logger: l.WithName("signal").WithValues("peerID", id),
		closed: make(chan struct{}),
	}

	s.ps = rc.Subscribe(ctx, PeerSignalPrefix+id)
	if _, err := s.ps.Receive(ctx); err != nil {
		_ = s.ps.Close()
		return nil, errors.Wrap(err, "could not subscribe to peer channel")
	}

	go s.listen()
	return s, nil
}

func (s *RedisSignaller) LocalID() string {
	return s.id
}

func (s *RedisSignaller) Send(ctx context.Context, to string, msg Message) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	msg.From = s.id
	msg.To = to
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	receivers, err := s.rc.Publish(ctx, PeerSignalPrefix+to, data).Result()
	if err != nil {
		return errors.Wrap(err, "could not publish signal")
	}
	if receivers == 0 {
		return ErrPeerUnavailable
	}
	return nil
}

func (s *RedisSignaller) OnMessage(f func(msg Message)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.onMessage = f
}

func (s *RedisSignaller) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ps.Close()
	})
	return err
}

func (s *RedisSignaller) listen() {
	for m := range s.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			s.logger.Warnw("could not decode signal", err)
			continue
		}

		s.lock.RLock()
		f := s.onMessage
		s.lock.RUnlock()
		if f != nil {
			f(msg)
		}
	}
}
