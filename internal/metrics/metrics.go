// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package metrics exposes Prometheus instrumentation for the sync engine.
// The host application decides whether and where to serve them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queueEnqueuedTotal counts entries accepted into the sync queue.
	queueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recall_queue_enqueued_total",
		Help: "Total number of entries accepted into the sync queue",
	}, []string{"kind"})

	// queuePendingEntries is the current number of pending queue entries.
	queuePendingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recall_queue_pending_entries",
		Help: "Current number of pending sync queue entries",
	})

	// syncRunsTotal counts syncNow invocations that acquired the single-flight guard.
	syncRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recall_sync_runs_total",
		Help: "Total number of sync runs that acquired the single-flight guard",
	})

	// syncEntriesTotal counts entry outcomes per sync run.
	syncEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recall_sync_entries_total",
		Help: "Total number of queue entries processed, by outcome",
	}, []string{"outcome"})

	// syncConflictsTotal counts conflicts resolved by last-write-wins.
	syncConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recall_sync_conflicts_total",
		Help: "Total number of conflicts resolved by last-write-wins",
	})

	// syncBatchLatency measures remote batch submission latency.
	syncBatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recall_sync_batch_latency_seconds",
		Help:    "Remote batch submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// bindingRecoveriesTotal counts binding recovery attempts by outcome.
	bindingRecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recall_binding_recoveries_total",
		Help: "Total number of binding recovery attempts, by outcome",
	}, []string{"outcome"})

	// BreakerState tracks the remote circuit breaker state
	// (0 = closed, 1 = half-open, 2 = open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recall_remote_breaker_state",
		Help: "Remote store circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	// BreakerRequests counts requests through the remote circuit breaker.
	BreakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recall_remote_breaker_requests_total",
		Help: "Total requests through the remote store circuit breaker, by result",
	}, []string{"name", "result"})
)

// RecordEnqueue increments the enqueued counter for a payload kind.
func RecordEnqueue(kind string) {
	queueEnqueuedTotal.WithLabelValues(kind).Inc()
}

// UpdateQueuePending sets the pending entries gauge.
func UpdateQueuePending(count int) {
	queuePendingEntries.Set(float64(count))
}

// RecordSyncRun increments the sync run counter.
func RecordSyncRun() {
	syncRunsTotal.Inc()
}

// RecordEntrySynced adds to the synced-entry counter.
func RecordEntrySynced(count int) {
	syncEntriesTotal.WithLabelValues("synced").Add(float64(count))
}

// RecordEntryFailed adds to the failed-entry counter.
func RecordEntryFailed(count int) {
	syncEntriesTotal.WithLabelValues("failed").Add(float64(count))
}

// RecordConflict increments the conflict counter.
func RecordConflict() {
	syncConflictsTotal.Inc()
}

// RecordBatchLatency records a remote batch latency measurement.
func RecordBatchLatency(seconds float64) {
	syncBatchLatency.Observe(seconds)
}

// RecordBindingRecovery increments the recovery counter for an outcome
// ("recovered", "incomplete", "failed").
func RecordBindingRecovery(outcome string) {
	bindingRecoveriesTotal.WithLabelValues(outcome).Inc()
}
