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
	"context"
	"time"

	"github.com/livekit/protocol/logger"
)

// LeaveInBackground deletes the participant row without waiting for the result. It is safe to call from
// signal handlers during shutdown; failures are only logged, the row is then cleaned up by peers.
func LeaveInBackground(dir Directory, room, participantID string, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := dir.Leave(ctx, room, participantID); err != nil {
			logger.Warnw("could not leave room", err, "room", room, "participant", participantID)
		}
	}()
	return done
}
