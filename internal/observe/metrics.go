// Package observe provides application-wide observability primitives for
// voxguard: OpenTelemetry metrics and the SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxguard metrics.
const meterName = "github.com/voxguard/voxguard"

// Chunk drop reasons recorded on [Metrics.ChunksDropped].
const (
	DropSilent        = "silent"
	DropBackpressure  = "backpressure"
	DropQueueOverflow = "queue_overflow"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ChunkSendDuration tracks the latency of one chunk write to the socket.
	ChunkSendDuration metric.Float64Histogram

	// SessionDuration tracks the wall-clock length of completed sessions.
	SessionDuration metric.Float64Histogram

	// ChunksCaptured counts voiced chunks produced by the capture engine.
	ChunksCaptured metric.Int64Counter

	// ChunksDropped counts discarded chunks. Use with attribute:
	//   attribute.String("reason", DropSilent|DropBackpressure|DropQueueOverflow)
	ChunksDropped metric.Int64Counter

	// Reconnects counts automatic reconnection attempts.
	Reconnects metric.Int64Counter

	// HeartbeatTimeouts counts force-closes caused by missing pongs.
	HeartbeatTimeouts metric.Int64Counter

	// Transcripts counts committed transcript entries. Use with attribute:
	//   attribute.String("sentiment", ...)
	Transcripts metric.Int64Counter

	// Warnings counts warning-flagged entries. Use with attributes:
	//   attribute.String("sentiment", ...), attribute.Bool("critical", ...)
	Warnings metric.Int64Counter

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// socket writes on one end and whole sessions on the other.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkSendDuration, err = m.Float64Histogram("voxguard.chunk.send.duration",
		metric.WithDescription("Latency of one audio chunk write to the transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voxguard.session.duration",
		metric.WithDescription("Wall-clock duration of completed recording sessions."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ChunksCaptured, err = m.Int64Counter("voxguard.chunks.captured",
		metric.WithDescription("Total voiced chunks produced by the capture engine."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voxguard.chunks.dropped",
		metric.WithDescription("Total discarded chunks by reason."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxguard.connection.reconnects",
		metric.WithDescription("Total automatic reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatTimeouts, err = m.Int64Counter("voxguard.connection.heartbeat_timeouts",
		metric.WithDescription("Total force-closes caused by missing heartbeat pongs."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("voxguard.transcripts",
		metric.WithDescription("Total committed transcript entries by sentiment."),
	); err != nil {
		return nil, err
	}
	if met.Warnings, err = m.Int64Counter("voxguard.warnings",
		metric.WithDescription("Total warning-flagged transcript entries."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxguard.active_sessions",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordChunkDropped records one discarded chunk with the given reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscript records one committed transcript entry and, when flagged,
// one warning.
func (m *Metrics) RecordTranscript(ctx context.Context, sentiment string, warning, critical bool) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sentiment", sentiment)),
	)
	if warning {
		m.Warnings.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("sentiment", sentiment),
				attribute.Bool("critical", critical),
			),
		)
	}
}
