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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	meshcallNamespace string = "meshcall"
)

var (
	initialized atomic.Bool
)

// Init creates and registers all collectors, labelled with the local peer id. Recording functions may be
// called before Init, in which case only the in-process counters move.
func Init(peerID string) {
	if initialized.Load() {
		return
	}

	labels := prometheus.Labels{"peer_id": peerID}
	initConnectionStats(labels)
	initPresenceStats(labels)
	initRecordingStats(labels)

	initialized.Store(true)
}

func Registered() bool {
	return initialized.Load()
}
