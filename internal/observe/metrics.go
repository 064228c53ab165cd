// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/weltlinger/trunkline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks the wall-clock length of completed calls.
	SessionDuration metric.Float64Histogram

	// MarkRoundtrip tracks the delay between sending an outbound mark and the
	// telephony system echoing it back (playback acknowledgment).
	MarkRoundtrip metric.Float64Histogram

	// ResampleDuration tracks time spent in a single resampler pass.
	ResampleDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// MediaFrames counts relayed media frames. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	MediaFrames metric.Int64Counter

	// DroppedFrames counts frames discarded instead of relayed. Use with attribute:
	//   attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// BargeIns counts caller interruptions of bot speech.
	BargeIns metric.Int64Counter

	// DTMFDigits counts DTMF key presses.
	DTMFDigits metric.Int64Counter

	// UpstreamRequests counts speech-API operations. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	UpstreamRequests metric.Int64Counter

	// UpstreamErrors counts speech-API failures. Use with attributes:
	//   attribute.String("op", ...), attribute.String("transient", "true"|"false")
	UpstreamErrors metric.Int64Counter

	// SessionsStarted counts calls that reached the active state. Use with
	// attribute: attribute.String("persona", ...)
	SessionsStarted metric.Int64Counter

	// SessionsClosed counts ended calls. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// RejectedSessions counts connections refused before upgrade. Use with
	// attribute: attribute.String("reason", ...)
	RejectedSessions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live calls.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for media-path latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for call
// durations.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("trunkline.session.duration",
		metric.WithDescription("Wall-clock length of completed calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MarkRoundtrip, err = m.Float64Histogram("trunkline.mark.roundtrip",
		metric.WithDescription("Delay between sending a mark and its echo from the telephony system."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResampleDuration, err = m.Float64Histogram("trunkline.resample.duration",
		metric.WithDescription("Time spent in a single resampler pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MediaFrames, err = m.Int64Counter("trunkline.media.frames",
		metric.WithDescription("Total relayed media frames by direction."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("trunkline.media.dropped_frames",
		metric.WithDescription("Total discarded frames by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("trunkline.barge_ins",
		metric.WithDescription("Total caller interruptions of bot speech."),
	); err != nil {
		return nil, err
	}
	if met.DTMFDigits, err = m.Int64Counter("trunkline.dtmf.digits",
		metric.WithDescription("Total DTMF key presses."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamRequests, err = m.Int64Counter("trunkline.upstream.requests",
		metric.WithDescription("Total speech-API operations by op and status."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("trunkline.upstream.errors",
		metric.WithDescription("Total speech-API failures by op and transience."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("trunkline.sessions.started",
		metric.WithDescription("Total calls that reached the active state, by persona."),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("trunkline.sessions.closed",
		metric.WithDescription("Total ended calls by close reason."),
	); err != nil {
		return nil, err
	}
	if met.RejectedSessions, err = m.Int64Counter("trunkline.sessions.rejected",
		metric.WithDescription("Total connections refused before upgrade, by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("trunkline.active_sessions",
		metric.WithDescription("Number of live calls."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMediaFrame is a convenience method that counts one relayed frame in
// the given direction ("inbound" or "outbound").
func (m *Metrics) RecordMediaFrame(ctx context.Context, direction string) {
	m.MediaFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordDroppedFrame is a convenience method that counts one discarded frame
// with the given reason.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordUpstreamRequest is a convenience method that records a speech-API
// operation with the standard attribute set.
func (m *Metrics) RecordUpstreamRequest(ctx context.Context, op, status string) {
	m.UpstreamRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError is a convenience method that records a speech-API
// failure and whether it was transient.
func (m *Metrics) RecordUpstreamError(ctx context.Context, op string, transient bool) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("transient", strconv.FormatBool(transient)),
		),
	)
}
