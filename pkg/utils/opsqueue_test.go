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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

func TestOpsQueue(t *testing.T) {
	t.Run("runs ops in order", func(t *testing.T) {
		oq := NewOpsQueue(OpsQueueParams{Name: "test", MinSize: 4, Logger: logger.GetLogger()})
		oq.Start()

		var (
			mu  sync.Mutex
			got []int
		)
		for i := 0; i < 100; i++ {
			i := i
			oq.Enqueue(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			})
		}
		<-oq.Stop()

		require.Len(t, got, 100)
		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("min size is a slot count", func(t *testing.T) {
		for size, exp := range map[uint]uint{1: 0, 2: 1, 4: 2, 5: 3, 32: 5, 1 << 20: maxMinCapacityExp} {
			require.Equal(t, exp, minCapacityExp(size), "size %d", size)
		}

		oq := NewOpsQueue(OpsQueueParams{Name: "sized", MinSize: 32})
		oq.Start()
		ran := make(chan struct{})
		oq.Enqueue(func() { close(ran) })
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("op did not run")
		}
		<-oq.Stop()
	})

	t.Run("ops enqueued from an op run after it", func(t *testing.T) {
		oq := NewOpsQueue(OpsQueueParams{Name: "nested"})
		oq.Start()

		done := make(chan []string, 1)
		var order []string
		oq.Enqueue(func() {
			order = append(order, "outer")
			oq.Enqueue(func() {
				order = append(order, "inner")
				done <- order
			})
		})

		select {
		case o := <-done:
			require.Equal(t, []string{"outer", "inner"}, o)
		case <-time.After(time.Second):
			t.Fatal("nested op did not run")
		}
		<-oq.Stop()
	})

	t.Run("enqueue after stop is dropped", func(t *testing.T) {
		oq := NewOpsQueue(OpsQueueParams{Name: "stopped"})
		oq.Start()
		<-oq.Stop()
		require.True(t, oq.IsStopped())

		ran := false
		oq.Enqueue(func() { ran = true })
		time.Sleep(10 * time.Millisecond)
		require.False(t, ran)
	})

	t.Run("stop without start closes done", func(t *testing.T) {
		oq := NewOpsQueue(OpsQueueParams{Name: "idle"})
		select {
		case <-oq.Stop():
		case <-time.After(time.Second):
			t.Fatal("stop did not complete")
		}
	})
}
