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
	EntriesReceived      prometheus.Counter
	EntriesClassified    *prometheus.CounterVec // verdict=new|known
	EntriesDropped       prometheus.Counter
	StoreRetries         prometheus.Counter
	DedupCacheHits       prometheus.Counter
	StreamReconnects     prometheus.Counter
	Notifications        *prometheus.CounterVec // status=delivered|failed
	NotificationAttempts prometheus.Counter
	LivenessPings        *prometheus.CounterVec // result=ok|error

	// Histograms (seconds)
	ClassifyDuration prometheus.Observer
	DeliveryDuration prometheus.Observer

	// Gauges
	PollStateGauge   prometheus.Gauge
	InflightGauge    prometheus.Gauge
	ParticipantGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EntriesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_entries_received_total", Help: "Chat entries read from the source"})
		EntriesClassified = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_entries_classified_total", Help: "Chat entries classified by verdict"}, []string{"verdict"})
		EntriesDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_entries_dropped_total", Help: "Chat entries dropped after the identity store stayed unavailable"})
		StoreRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_store_retries_total", Help: "Identity store calls retried after an unavailable error"})
		DedupCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_dedup_cache_hits_total", Help: "Known identities answered from the dedup cache"})
		StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_stream_reconnects_total", Help: "Chat stream (re)connect attempts after a failure"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_notifications_total", Help: "Notification outcomes"}, []string{"status"})
		NotificationAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_notification_attempts_total", Help: "Individual notification send attempts"})
		LivenessPings = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_liveness_pings_total", Help: "Keep-alive pings by result"}, []string{"result"})
		ClassifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_classify_duration_seconds",
			Help:    "Time to classify one entry, including store retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_notification_duration_seconds",
			Help:    "Time from dispatch to final delivery outcome",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		})
		PollStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_poll_state", Help: "Poll loop state: 0=connecting 1=polling 2=backoff 3=terminated"})
		InflightGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_notifications_inflight", Help: "Deliveries currently running in the background"})
		ParticipantGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_participants", Help: "Registered participants at the last status read"})
	})
}

// IncEntries counts n entries read from the source.
func IncEntries(n int) {
	if EntriesReceived != nil && n > 0 {
		EntriesReceived.Add(float64(n))
	}
}

// IncClassified counts a dedup verdict ("new" or "known").
func IncClassified(verdict string) {
	if EntriesClassified != nil {
		EntriesClassified.WithLabelValues(verdict).Inc()
	}
}

// IncDropped counts an entry abandoned because the store stayed unavailable.
func IncDropped() {
	if EntriesDropped != nil {
		EntriesDropped.Inc()
	}
}

// IncStoreRetry counts one retried store call.
func IncStoreRetry() {
	if StoreRetries != nil {
		StoreRetries.Inc()
	}
}

// IncCacheHit counts a dedup cache hit.
func IncCacheHit() {
	if DedupCacheHits != nil {
		DedupCacheHits.Inc()
	}
}

// IncReconnect counts a chat stream reconnect.
func IncReconnect() {
	if StreamReconnects != nil {
		StreamReconnects.Inc()
	}
}

// IncNotificationAttempt counts one sink call.
func IncNotificationAttempt() {
	if NotificationAttempts != nil {
		NotificationAttempts.Inc()
	}
}

// RecordNotification records a final delivery outcome and its duration.
func RecordNotification(status string, d time.Duration) {
	if Notifications != nil {
		Notifications.WithLabelValues(status).Inc()
	}
	if DeliveryDuration != nil {
		DeliveryDuration.Observe(d.Seconds())
	}
}

// RecordLivenessPing counts a keep-alive ping.
func RecordLivenessPing(ok bool) {
	if LivenessPings == nil {
		return
	}
	if ok {
		LivenessPings.WithLabelValues("ok").Inc()
	} else {
		LivenessPings.WithLabelValues("error").Inc()
	}
}

// SetPollState records the loop state ordinal.
func SetPollState(state int) {
	if PollStateGauge != nil {
		PollStateGauge.Set(float64(state))
	}
}

// AddInflight adjusts the background delivery gauge.
func AddInflight(delta int) {
	if InflightGauge != nil {
		InflightGauge.Add(float64(delta))
	}
}

// SetParticipants records the participant count.
func SetParticipants(n int64) {
	if ParticipantGauge != nil {
		ParticipantGauge.Set(float64(n))
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

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
