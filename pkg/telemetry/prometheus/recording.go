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
	recordingsActive atomic.Int32

	promRecordingCounter *prometheus.CounterVec
	promRecordingBytes   prometheus.Counter
)

func initRecordingStats(labels prometheus.Labels) {
	promRecordingCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "recording",
		Name:        "total",
		ConstLabels: labels,
	}, []string{"state"})
	promRecordingBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   meshcallNamespace,
		Subsystem:   "recording",
		Name:        "bytes",
		ConstLabels: labels,
	})

	prometheus.MustRegister(promRecordingCounter)
	prometheus.MustRegister(promRecordingBytes)
}

func RecordingStarted() {
	recordingsActive.Inc()
	if initialized.Load() {
		promRecordingCounter.WithLabelValues("started").Inc()
	}
}

func RecordingFinished(size int) {
	recordingsActive.Dec()
	if initialized.Load() {
		promRecordingCounter.WithLabelValues("finished").Inc()
		promRecordingBytes.Add(float64(size))
	}
}

func RecordingFailed() {
	if initialized.Load() {
		promRecordingCounter.WithLabelValues("failed").Inc()
	}
}

func ActiveRecordings() int32 {
	return recordingsActive.Load()
}
