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

package utils

import (
	"math/bits"
	"sync"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"
)

const maxMinCapacityExp = 10

type OpsQueueParams struct {
	Name string
	// number of slots kept allocated, rounded up to a power of two
	MinSize uint
	Logger  logger.Logger
}

// OpsQueue runs queued operations one at a time, in order, on a single goroutine.
// The queue is unbounded so producers never block.
type OpsQueue struct {
	params OpsQueueParams

	lock      sync.Mutex
	ops       deque.Deque[func()]
	wake      chan struct{}
	done      chan struct{}
	isStarted bool
	isStopped bool
}

func NewOpsQueue(params OpsQueueParams) *OpsQueue {
	oq := &OpsQueue{
		params: params,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if params.MinSize > 0 {
		oq.ops.SetMinCapacity(minCapacityExp(params.MinSize))
	}
	return oq
}

// deque takes the minimum capacity as a power of two exponent
func minCapacityExp(size uint) uint {
	exp := uint(bits.Len(size - 1))
	if exp > maxMinCapacityExp {
		exp = maxMinCapacityExp
	}
	return exp
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted || oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop prevents further enqueues. Operations already queued still run.
// The returned channel is closed once the queue has drained.
func (oq *OpsQueue) Stop() <-chan struct{} {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return oq.done
	}
	oq.isStopped = true
	started := oq.isStarted
	oq.lock.Unlock()

	if !started {
		close(oq.done)
		return oq.done
	}
	oq.signal()
	return oq.done
}

func (oq *OpsQueue) IsStopped() bool {
	oq.lock.Lock()
	defer oq.lock.Unlock()

	return oq.isStopped
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		if oq.params.Logger != nil {
			oq.params.Logger.Debugw("dropping op on stopped queue", "name", oq.params.Name)
		}
		return
	}
	oq.ops.PushBack(op)
	oq.lock.Unlock()

	oq.signal()
}

func (oq *OpsQueue) signal() {
	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	defer close(oq.done)

	for {
		oq.lock.Lock()
		for oq.ops.Len() > 0 {
			op := oq.ops.PopFront()
			oq.lock.Unlock()
			op()
			oq.lock.Lock()
		}
		stopped := oq.isStopped
		oq.lock.Unlock()

		if stopped {
			return
		}
		<-oq.wake
	}
}
