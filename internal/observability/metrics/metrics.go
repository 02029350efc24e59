package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleetcore_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestPoints  *prometheus.CounterVec
	ingestErrors  *prometheus.CounterVec
	ingestLatency *prometheus.HistogramVec

	consumerLag *prometheus.GaugeVec

	commandsCreated prometheus.Counter
	commandResults  *prometheus.CounterVec
	commandClaims   *prometheus.CounterVec

	streamPublished *prometheus.CounterVec
	streamAcked     *prometheus.CounterVec
	streamFailed    *prometheus.CounterVec
	streamAckFailed *prometheus.CounterVec

	authFailures *prometheus.CounterVec
	authLockouts prometheus.Counter

	eventsAppended *prometheus.CounterVec

	retentionDeleted prometheus.Counter
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestPoints = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_points_total",
				Help: "Total ingested telemetry points by quality",
			},
			[]string{"quality"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total per-point ingest failures by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Batch ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		consumerLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_consumer_lag_seconds",
				Help: "Stream consumer processing lag in seconds",
			},
			[]string{"consumer"},
		)

		commandsCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_created_total",
				Help: "Total created device commands",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command terminal transitions by status",
			},
			[]string{"status"},
		)
		commandClaims = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_claims_total",
				Help: "Total claim attempts by outcome",
			},
			[]string{"outcome"},
		)

		streamPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_published_total",
				Help: "Total messages published by stream",
			},
			[]string{"stream"},
		)
		streamAcked = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_acked_total",
				Help: "Total messages acknowledged by stream and group",
			},
			[]string{"stream", "group"},
		)
		streamFailed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_handler_failures_total",
				Help: "Total handler failures by stream and group",
			},
			[]string{"stream", "group"},
		)
		streamAckFailed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_ack_failures_total",
				Help: "Total failed acknowledgements by stream and group",
			},
			[]string{"stream", "group"},
		)

		authFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_auth_failures_total",
				Help: "Total device authentication failures by code",
			},
			[]string{"code"},
		)
		authLockouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_auth_lockouts_total",
				Help: "Total authentication attempts rejected by lockout",
			},
		)

		eventsAppended = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_events_total",
				Help: "Total appended device events by severity",
			},
			[]string{"severity"},
		)

		retentionDeleted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "retention_deleted_rows_total",
				Help: "Total telemetry rows removed by retention",
			},
		)

		prometheus.MustRegister(
			ingestPoints,
			ingestErrors,
			ingestLatency,
			consumerLag,
			commandsCreated,
			commandResults,
			commandClaims,
			streamPublished,
			streamAcked,
			streamFailed,
			streamAckFailed,
			authFailures,
			authLockouts,
			eventsAppended,
			retentionDeleted,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// AddIngestPoints adds to the ingested point counter for a quality tag.
func AddIngestPoints(quality string, count int) {
	if count <= 0 {
		return
	}
	if quality == "" {
		quality = "unknown"
	}
	if ingestPoints != nil {
		ingestPoints.WithLabelValues(quality).Add(float64(count))
	}
}

// IncIngestError increments the per-point ingest failure counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// ObserveIngest records batch ingest duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveConsumerLag sets stream consumer lag in seconds.
func ObserveConsumerLag(consumer string, lag time.Duration) {
	if consumer == "" {
		consumer = "unknown"
	}
	if lag < 0 {
		lag = 0
	}
	if consumerLag != nil {
		consumerLag.WithLabelValues(consumer).Set(lag.Seconds())
	}
}

// IncCommandCreated increments the created command counter.
func IncCommandCreated() {
	if commandsCreated != nil {
		commandsCreated.Inc()
	}
}

// IncCommandResult increments the terminal transition counter.
func IncCommandResult(status string) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
}

// AddCommandTimeouts adds expired commands to the timeout counter.
func AddCommandTimeouts(count int) {
	if count <= 0 {
		return
	}
	if commandResults != nil {
		commandResults.WithLabelValues("timeout").Add(float64(count))
	}
}

// IncCommandClaim records a claim attempt outcome ("claimed" or "empty").
func IncCommandClaim(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if commandClaims != nil {
		commandClaims.WithLabelValues(outcome).Inc()
	}
}

// AddStreamPublished adds to the published message counter.
func AddStreamPublished(stream string, count int) {
	if count <= 0 {
		return
	}
	if streamPublished != nil {
		streamPublished.WithLabelValues(stream).Add(float64(count))
	}
}

// IncStreamAcked increments the acknowledged message counter.
func IncStreamAcked(stream, group string) {
	if streamAcked != nil {
		streamAcked.WithLabelValues(stream, group).Inc()
	}
}

// IncStreamHandlerFailure increments the handler failure counter.
func IncStreamHandlerFailure(stream, group string) {
	if streamFailed != nil {
		streamFailed.WithLabelValues(stream, group).Inc()
	}
}

// IncStreamAckFailure increments the failed acknowledgement counter.
func IncStreamAckFailure(stream, group string) {
	if streamAckFailed != nil {
		streamAckFailed.WithLabelValues(stream, group).Inc()
	}
}

// IncAuthFailure increments the auth failure counter for an error code.
func IncAuthFailure(code string) {
	if code == "" {
		code = "unknown"
	}
	if authFailures != nil {
		authFailures.WithLabelValues(code).Inc()
	}
}

// IncAuthLockout increments the lockout rejection counter.
func IncAuthLockout() {
	if authLockouts != nil {
		authLockouts.Inc()
	}
}

// IncEventAppended increments the appended event counter for a severity.
func IncEventAppended(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	if eventsAppended != nil {
		eventsAppended.WithLabelValues(severity).Inc()
	}
}

// AddRetentionDeleted adds to the retention delete counter.
func AddRetentionDeleted(count int64) {
	if count <= 0 {
		return
	}
	if retentionDeleted != nil {
		retentionDeleted.Add(float64(count))
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
