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

package presence

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/meshcall/pkg/telemetry/prometheus"
	"github.com/livekit/meshcall/pkg/utils"
)

// subscriber delivers events to one callback from its own goroutine, in order.
type subscriber struct {
	room     string
	onChange func(Event)
	queue    *utils.OpsQueue
	stopped  atomic.Bool

	// ids seen by this subscriber, used to normalise duplicate or out of order notifications
	lock sync.Mutex
	seen map[string]bool
}

func newSubscriber(room string, onChange func(Event), l logger.Logger) *subscriber {
	s := &subscriber{
		room:     room,
		onChange: onChange,
		queue: utils.NewOpsQueue(utils.OpsQueueParams{
			Name:   "presence-subscriber",
			Logger: l,
		}),
		seen: make(map[string]bool),
	}
	s.queue.Start()
	return s
}

func (s *subscriber) deliver(ev Event) {
	s.lock.Lock()
	switch ev.Type {
	case EventAdded, EventModified:
		if s.seen[ev.Participant.ID] {
			ev.Type = EventModified
		} else {
			ev.Type = EventAdded
		}
		s.seen[ev.Participant.ID] = true
	case EventRemoved:
		if !s.seen[ev.Participant.ID] {
			s.lock.Unlock()
			return
		}
		delete(s.seen, ev.Participant.ID)
	}
	s.lock.Unlock()

	ev.Room = s.room
	ev.Participant = ev.Participant.Clone()
	s.queue.Enqueue(func() {
		if s.stopped.Load() {
			return
		}
		prometheus.PresenceEvent(string(ev.Type))
		s.onChange(ev)
	})
}

func (s *subscriber) stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.queue.Stop()
}
