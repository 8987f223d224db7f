// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mailmirror/internal/policy"
	"mailmirror/internal/provider"
)

var (
	metricSyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_sync_runs_total",
			Help: "Sync runs by mode and outcome.",
		},
		[]string{
			"mode",
			"result", // ok, throttled, auth, transient, error, suspect, truncated
		},
	)
	metricSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailmirror_sync_duration_seconds",
			Help:    "Sync run duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)
	metricMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_sync_messages_total",
			Help: "Messages applied to the mirror by kind.",
		},
		[]string{
			"kind", // added, deleted, updated, skipped, excluded, failed, orphan
		},
	)
	metricProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailmirror_provider_requests_total",
			Help: "Provider API requests by operation and result.",
		},
		[]string{
			"op",
			"result", // ok, retry, auth, notfound, error
		},
	)
)

// SyncResult classifies err into a result label.
func SyncResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, policy.ErrThrottled):
		return "throttled"
	case provider.IsAuthExpired(err):
		return "auth"
	case provider.IsTransient(err):
		return "transient"
	}
	return "error"
}

// SyncObserve records a finished run.
func SyncObserve(mode, result string, start time.Time) {
	metricSyncRuns.WithLabelValues(mode, result).Inc()
	metricSyncDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

func MessagesAdd(kind string, n int) {
	if n > 0 {
		metricMessages.WithLabelValues(kind).Add(float64(n))
	}
}

func ProviderCall(op, result string) {
	metricProviderCalls.WithLabelValues(op, result).Inc()
}
