// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested  prometheus.Counter
	TechnicalIngested prometheus.Counter
	Dismissals        prometheus.Counter
	WriteFailures     prometheus.Counter
	WatchErrors       prometheus.Counter
	IncidentsSignaled prometheus.Counter

	// Histograms (seconds)
	CounterFlushDuration prometheus.Observer

	// Gauges
	ActiveStreamsGauge prometheus.Gauge
	DegradedGauge      prometheus.Gauge // 1=registry sync failing, 0=healthy
	PendingSyncGauge   prometheus.Gauge // dismissals awaiting canonical flush
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_messages_ingested_total", Help: "Number of classified messages written to the canonical store"})
		TechnicalIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_technical_messages_total", Help: "Number of ingested messages classified technical"})
		Dismissals = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_dismissals_total", Help: "Number of distinct messages dismissed"})
		WriteFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_canonical_write_failures_total", Help: "Number of failed canonical store writes (retried)"})
		WatchErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_watch_errors_total", Help: "Number of subscription poll failures"})
		IncidentsSignaled = promauto.NewCounter(prometheus.CounterOpts{Name: "streamwatch_incidents_signaled_total", Help: "Number of new-incident signals fired"})
		CounterFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamwatch_counter_flush_duration_seconds", Help: "Stream counter flush duration seconds", Buckets: prometheus.DefBuckets})
		ActiveStreamsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_active_streams", Help: "Streams currently considered live"})
		DegradedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_registry_degraded", Help: "Registry sync degraded=1 healthy=0"})
		PendingSyncGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamwatch_override_pending_sync", Help: "Dismissed messages whose canonical decrements are still pending"})
	})
}

// CountIngested records one ingested message, technical or not.
func CountIngested(technical bool) {
	if MessagesIngested != nil {
		MessagesIngested.Inc()
	}
	if technical && TechnicalIngested != nil {
		TechnicalIngested.Inc()
	}
}

// CountDismissal records a first-time dismiss.
func CountDismissal() {
	if Dismissals != nil {
		Dismissals.Inc()
	}
}

// CountWriteFailure records a failed canonical write.
func CountWriteFailure() {
	if WriteFailures != nil {
		WriteFailures.Inc()
	}
}

// CountWatchError records a subscription poll failure.
func CountWatchError() {
	if WatchErrors != nil {
		WatchErrors.Inc()
	}
}

// CountIncident records one new-incident signal.
func CountIncident() {
	if IncidentsSignaled != nil {
		IncidentsSignaled.Inc()
	}
}

// SetActiveStreams records the current live stream count.
func SetActiveStreams(n int) {
	if ActiveStreamsGauge != nil {
		ActiveStreamsGauge.Set(float64(n))
	}
}

// SetDegraded sets gauge to 1 if the registry sync is failing else 0.
func SetDegraded(degraded bool) {
	if DegradedGauge != nil {
		if degraded {
			DegradedGauge.Set(1)
		} else {
			DegradedGauge.Set(0)
		}
	}
}

// SetPendingSync records how many dismissals still await canonical flush.
func SetPendingSync(n int) {
	if PendingSyncGauge != nil {
		PendingSyncGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
