/*
Copyright 2026 The WebGrid Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the prometheus collectors exported by the grid.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// GridSubsystem is the subsystem prefix shared by all grid metrics.
	GridSubsystem = "webgrid"
)

var (
	// SchedulingLatencyBuckets covers the distributor matching pass, from
	// sub-millisecond in-memory passes to multi-second worker round trips.
	SchedulingLatencyBuckets = []float64{
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5,
		1, 2, 5, 10, 30, 60,
	}

	// QueueWaitBuckets covers the time a new-session request spends queued.
	QueueWaitBuckets = []float64{
		0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
	}
)

var (
	sessionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: GridSubsystem,
			Name:      "session_queue_depth",
			Help:      "Number of new-session requests currently waiting in the queue.",
		},
	)

	sessionQueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: GridSubsystem,
			Name:      "session_queue_wait_seconds",
			Help:      "Time a new-session request spent between enqueue and completion.",
			Buckets:   QueueWaitBuckets,
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: GridSubsystem,
			Name:      "sessions_total",
			Help:      "Counter of completed new-session requests broken out by outcome.",
		},
		[]string{"outcome"},
	)

	schedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: GridSubsystem,
			Name:      "scheduling_pass_seconds",
			Help:      "Latency of a single distributor matching pass.",
			Buckets:   SchedulingLatencyBuckets,
		},
	)

	nodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: GridSubsystem,
			Name:      "nodes",
			Help:      "Number of registered worker nodes broken out by state.",
		},
		[]string{"state"},
	)

	slotUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: GridSubsystem,
			Name:      "node_slots",
			Help:      "Per-node slot capacity and usage.",
		},
		[]string{"node_id", "kind"},
	)

	transportRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: GridSubsystem,
			Name:      "transport_retries_total",
			Help:      "Counter of outbound request retries broken out by cause.",
		},
		[]string{"cause"},
	)
)

// Register registers all grid collectors with the given registerer, or the
// default registerer when nil. The collectors are package-level, so the same
// set may be registered with any number of registries; re-registering with
// the same registry is a no-op.
func Register(r prometheus.Registerer) {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		sessionQueueDepth,
		sessionQueueWait,
		sessionsTotal,
		schedulingLatency,
		nodes,
		slotUsage,
		transportRetries,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

// RecordQueueDepth sets the current queue depth gauge.
func RecordQueueDepth(depth int) {
	sessionQueueDepth.Set(float64(depth))
}

// RecordQueueWait observes the wait time of a completed request.
func RecordQueueWait(d time.Duration) {
	sessionQueueWait.Observe(d.Seconds())
}

// RecordSessionOutcome increments the per-outcome session counter.
func RecordSessionOutcome(outcome string) {
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSchedulingPass observes the latency of one matching pass.
func RecordSchedulingPass(d time.Duration) {
	schedulingLatency.Observe(d.Seconds())
}

// RecordNodeCount sets the node gauge for a state ("up", "down", "draining").
func RecordNodeCount(state string, count int) {
	nodes.WithLabelValues(state).Set(float64(count))
}

// RecordSlotUsage sets a node's total and used slot gauges.
func RecordSlotUsage(nodeID string, total, used int) {
	slotUsage.WithLabelValues(nodeID, "total").Set(float64(total))
	slotUsage.WithLabelValues(nodeID, "used").Set(float64(used))
}

// DeleteSlotUsage drops the gauges of a removed node.
func DeleteSlotUsage(nodeID string) {
	slotUsage.DeleteLabelValues(nodeID, "total")
	slotUsage.DeleteLabelValues(nodeID, "used")
}

// RecordTransportRetry increments the retry counter for a cause
// ("connection_failure" or "server_error").
func RecordTransportRetry(cause string) {
	transportRetries.WithLabelValues(cause).Inc()
}
