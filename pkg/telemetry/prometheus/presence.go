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

var (
	staleCleanups atomic.Int32

	promPresenceEvents *prometheus.CounterVec
	promStaleCleanups  prometheus.Counter
)

func initPresenceStats(labels prometheus.Labels) {
	promPresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "presence",
		Name:        "events",
		ConstLabels: labels,
	}, []string{"type"})
	promStaleCleanups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "presence",
		Name:        "stale_cleanups",
		ConstLabels: labels,
	})

	prometheus.MustRegister(promPresenceEvents)
	prometheus.MustRegister(promStaleCleanups)
}

func PresenceEvent(eventType string) {
	if initialized.Load() {
		promPresenceEvents.WithLabelValues(eventType).Inc()
	}
}

func StaleEntryCleaned() {
	staleCleanups.Inc()
	if initialized.Load() {
		promStaleCleanups.Inc()
	}
}

func StaleCleanups() int32 {
	return staleCleanups.Load()
}
