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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	connectionCurrent  atomic.Int32
	connectionAttempts atomic.Int32
	connectionSuccess  atomic.Int32
	connectionFailures atomic.Int32

	promConnectionCurrent  *prometheus.GaugeVec
	promConnectionCounter  *prometheus.CounterVec
	promConnectionDuration prometheus.Histogram
	promTrackReplacements  prometheus.Counter
)

func initConnectionStats(labels prometheus.Labels) {
	promConnectionCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "connection",
		Name:        "total",
		ConstLabels: labels,
	}, []string{"state"})
	promConnectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "connection",
		Name:        "attempts",
		ConstLabels: labels,
	}, []string{"role", "outcome"})
	promConnectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "connection",
		Name:        "duration_seconds",
		ConstLabels: labels,
		Buckets: []float64{
			5, 10, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60,
		},
	})
	promTrackReplacements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "connection",
		Name:        "track_replacements",
		ConstLabels: labels,
	})

	prometheus.MustRegister(promConnectionCurrent)
	prometheus.MustRegister(promConnectionCounter)
	prometheus.MustRegister(promConnectionDuration)
	prometheus.MustRegister(promTrackReplacements)
}

// ConnectionStarted records a new dialing or answering connection. role is "dialer" or "answerer".
func ConnectionStarted(role string) {
	connectionAttempts.Inc()
	if initialized.Load() {
		promConnectionCounter.WithLabelValues(role, "attempt").Inc()
	}
}

func ConnectionStateChanged(from, to string) {
	if !initialized.Load() {
		return
	}
	if from != "" {
		promConnectionCurrent.WithLabelValues(from).Sub(1)
	}
	if to != "" {
		promConnectionCurrent.WithLabelValues(to).Add(1)
	}
}

func ConnectionEstablished(role string) {
	connectionCurrent.Inc()
	connectionSuccess.Inc()
	if initialized.Load() {
		promConnectionCounter.WithLabelValues(role, "success").Inc()
	}
}

func ConnectionFailed(role string) {
	connectionFailures.Inc()
	if initialized.Load() {
		promConnectionCounter.WithLabelValues(role, "failure").Inc()
	}
}

func ConnectionEnded(connectedAt time.Time) {
	if connectedAt.IsZero() {
		return
	}
	connectionCurrent.Dec()
	if initialized.Load() {
		promConnectionDuration.Observe(float64(time.Since(connectedAt)) / float64(time.Second))
	}
}

func TrackReplaced() {
	if initialized.Load() {
		promTrackReplacements.Inc()
	}
}

func CurrentConnections() int32 {
	return connectionCurrent.Load()
}

type ConnectionStats struct {
	Current  int32
	Attempts int32
	Success  int32
	Failures int32
}

func GetConnectionStats() ConnectionStats {
	return ConnectionStats{
		Current:  connectionCurrent.Load(),
		Attempts: connectionAttempts.Load(),
		Success:  connectionSuccess.Load(),
		Failures: connectionFailures.Load(),
	}
}
