// Copyright 2025 The llm-d Authors.
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

package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// VerifyRequests counts how many verification calls have been made.
	VerifyRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "requests_total",
		Help: "Total number of verification calls",
	})
	// VerifyErrors counts verification calls that returned an error.
	VerifyErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "errors_total",
		Help: "Total number of failed verification calls",
	})
	// BoundsViolations counts strict-mode failures on out-of-vocabulary ids.
	BoundsViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "bounds_violations_total",
		Help: "Number of calls rejected for out-of-vocabulary token ids",
	})

	DraftTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "draft_tokens_total",
		Help: "Number of draft tokens submitted for verification",
	})
	AcceptedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "accepted_tokens_total",
		Help: "Number of draft tokens accepted before the first rejection",
	})
	EmittedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "emitted_tokens_total",
		Help: "Number of non-sentinel tokens emitted, including replacement and bonus tokens",
	})

	// VerifyLatency logs latency of verification calls.
	VerifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "specdecode", Subsystem: "verifier", Name: "latency_seconds",
		Help:    "Latency of verification calls in seconds",
		Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		VerifyRequests, VerifyErrors, BoundsViolations,
		DraftTokens, AcceptedTokens, EmittedTokens,
		VerifyLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with K8s registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval until ctx is done.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

// Snapshot is a point-in-time reading of the verifier counters.
type Snapshot struct {
	Requests       float64
	Errors         float64
	DraftTokens    float64
	AcceptedTokens float64
	EmittedTokens  float64
	LatencyCount   uint64
	LatencySum     float64
}

// AcceptanceRate is accepted over drafted tokens, 0 when nothing was drafted.
func (s Snapshot) AcceptanceRate() float64 {
	if s.DraftTokens == 0 {
		return 0
	}
	return s.AcceptedTokens / s.DraftTokens
}

// Read collects a Snapshot from the package counters.
func Read() (Snapshot, error) {
	var snap Snapshot

	for _, c := range []struct {
		counter prometheus.Counter
		dst     *float64
	}{
		{VerifyRequests, &snap.Requests},
		{VerifyErrors, &snap.Errors},
		{DraftTokens, &snap.DraftTokens},
		{AcceptedTokens, &snap.AcceptedTokens},
		{EmittedTokens, &snap.EmittedTokens},
	} {
		var m dto.Metric
		if err := c.counter.Write(&m); err != nil {
			return Snapshot{}, err
		}
		*c.dst = m.GetCounter().GetValue()
	}

	var latencyMetric dto.Metric
	if err := VerifyLatency.Write(&latencyMetric); err != nil {
		return Snapshot{}, err
	}
	snap.LatencyCount = latencyMetric.GetHistogram().GetSampleCount()
	snap.LatencySum = latencyMetric.GetHistogram().GetSampleSum()

	return snap, nil
}

func logMetrics(ctx context.Context) {
	snap, err := Read()
	if err != nil {
		return
	}

	var latencyAvg float64
	if snap.LatencyCount > 0 {
		latencyAvg = snap.LatencySum / float64(snap.LatencyCount)
	}

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"requests", snap.Requests,
		"errors", snap.Errors,
		"draft_tokens", snap.DraftTokens,
		"accepted_tokens", snap.AcceptedTokens,
		"emitted_tokens", snap.EmittedTokens,
		"acceptance_rate", snap.AcceptanceRate(),
		"latency_count", snap.LatencyCount,
		"latency_avg", latencyAvg,
	)
}
