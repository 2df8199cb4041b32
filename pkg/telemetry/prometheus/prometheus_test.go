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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestConnectionCounters(t *testing.T) {
	Init("PE_test")
	Init("PE_test") // second call is a no-op, MustRegister would panic otherwise
	require.True(t, Registered())

	before := GetConnectionStats()
	ConnectionStarted("dialer")
	ConnectionStateChanged("", "dialing")
	ConnectionStateChanged("dialing", "connected")
	ConnectionEstablished("dialer")

	after := GetConnectionStats()
	require.Equal(t, before.Attempts+1, after.Attempts)
	require.Equal(t, before.Current+1, after.Current)
	require.Equal(t, float64(1), testutil.ToFloat64(promConnectionCurrent.WithLabelValues("connected")))
	require.Equal(t, float64(0), testutil.ToFloat64(promConnectionCurrent.WithLabelValues("dialing")))

	StaleEntryCleaned()
	require.Equal(t, float64(1), testutil.ToFloat64(promStaleCleanups))
}
