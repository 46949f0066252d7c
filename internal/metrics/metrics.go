// Package metrics exposes Prometheus instrumentation for the Singura core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DroppedEvents counts malformed connector events discarded during
	// normalization, labeled by platform.
	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "singura",
		Subsystem: "connector",
		Name:      "dropped_events_total",
		Help:      "Malformed platform events dropped during normalization",
	}, []string{"platform"})

	// RefreshTotal counts OAuth refresh attempts by platform and outcome
	// (success, invalid_grant, transient).
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "singura",
		Subsystem: "oauth",
		Name:      "refresh_total",
		Help:      "OAuth token refresh attempts by outcome",
	}, []string{"platform", "outcome"})

	// DetectorFailures counts detector panics isolated by the pipeline.
	DetectorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "singura",
		Subsystem: "detection",
		Name:      "detector_failures_total",
		Help:      "Detector executions that panicked and were skipped",
	}, []string{"detector"})

	// DroppedMessages counts realtime messages discarded because a
	// subscriber queue was full or schema validation failed.
	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "singura",
		Subsystem: "realtime",
		Name:      "dropped_messages_total",
		Help:      "Realtime messages dropped before delivery",
	}, []string{"reason"})

	// DiscoveryRuns counts discovery run completions by terminal status.
	DiscoveryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "singura",
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Discovery run completions by status",
	}, []string{"status"})
)
