// Package observe provides observability primitives for segstream:
// OpenTelemetry metrics, distributed tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// [Metrics] also implements the pipeline and manager observer hooks, so it
// can be passed straight to pipeline.WithObserver and manager.WithObserver.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/segstream/pkg/pipeline"
)

// meterName is the instrumentation scope name used for all segstream metrics.
const meterName = "github.com/MrWong99/segstream"

var _ pipeline.Observer = (*Metrics)(nil)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Segmentation ---

	// SegmentSize tracks the length of emitted segments in runes.
	SegmentSize metric.Int64Histogram

	// Segments counts emitted segments. Use with attribute:
	//   attribute.Bool("forced", ...)
	Segments metric.Int64Counter

	// DetectionDuration tracks how long detection phases took before they
	// produced a segment.
	DetectionDuration metric.Float64Histogram

	// AccumulationBudget tracks the self-tuned accumulation time each time
	// it grows.
	AccumulationBudget metric.Float64Histogram

	// Loosenings counts minimum-segment-size relaxations.
	Loosenings metric.Int64Counter

	// --- Segmenters ---

	// SegmenterDuration tracks fallible segmenter call latency.
	SegmenterDuration metric.Float64Histogram

	// SegmenterRequests counts segmenter calls. Use with attributes:
	//   Attr("segmenter", ...), Attr("status", ...)
	SegmenterRequests metric.Int64Counter

	// --- Sessions ---

	// Sessions counts finished sessions. Use with attribute:
	//   Attr("outcome", ...)
	Sessions metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks open streaming connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   Attr("method", ...), Attr("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// detection and segmenter latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// budgetBuckets covers accumulation budgets (in seconds).
var budgetBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// sizeBuckets covers segment lengths in runes.
var sizeBuckets = []float64{
	5, 10, 20, 35, 50, 70, 100, 150, 250,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SegmentSize, err = m.Int64Histogram("segstream.segment.size",
		metric.WithDescription("Length of emitted segments."),
		metric.WithUnit("{rune}"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectionDuration, err = m.Float64Histogram("segstream.detection.duration",
		metric.WithDescription("Duration of detection phases that produced a segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AccumulationBudget, err = m.Float64Histogram("segstream.accumulation.budget",
		metric.WithDescription("Self-tuned accumulation time after each increase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(budgetBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmenterDuration, err = m.Float64Histogram("segstream.segmenter.duration",
		metric.WithDescription("Latency of fallible segmenter calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("segstream.segments",
		metric.WithDescription("Total emitted segments by whether they were forced."),
	); err != nil {
		return nil, err
	}
	if met.Loosenings, err = m.Int64Counter("segstream.min_seg_size.loosenings",
		metric.WithDescription("Total relaxations of the minimum segment size."),
	); err != nil {
		return nil, err
	}
	if met.SegmenterRequests, err = m.Int64Counter("segstream.segmenter.requests",
		metric.WithDescription("Total segmenter calls by segmenter and status."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("segstream.sessions",
		metric.WithDescription("Total finished sessions by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("segstream.active_sessions",
		metric.WithDescription("Number of live segmentation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("segstream.active_connections",
		metric.WithDescription("Number of open streaming connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("segstream.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// SegmentEmitted records the size of a segment and counts it.
func (m *Metrics) SegmentEmitted(ctx context.Context, runes int, forced bool) {
	m.SegmentSize.Record(ctx, int64(runes))
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

// DetectionFinished records the duration of a detection phase.
func (m *Metrics) DetectionFinished(ctx context.Context, d time.Duration) {
	m.DetectionDuration.Record(ctx, d.Seconds())
}

// MinSegSizeLoosened counts a relaxation of the minimum segment size.
func (m *Metrics) MinSegSizeLoosened(ctx context.Context, minSegSize int) {
	m.Loosenings.Add(ctx, 1)
}

// AccumulationRetuned records the new accumulation budget.
func (m *Metrics) AccumulationRetuned(ctx context.Context, maxAccuTime time.Duration) {
	m.AccumulationBudget.Record(ctx, maxAccuTime.Seconds())
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionFinished decrements the live session gauge and counts the outcome.
func (m *Metrics) SessionFinished(ctx context.Context, outcome string) {
	m.ActiveSessions.Add(ctx, -1)
	m.Sessions.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordSegmenterRequest records one fallible segmenter call.
func (m *Metrics) RecordSegmenterRequest(ctx context.Context, segmenter, status string, d time.Duration) {
	m.SegmenterDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("segmenter", segmenter)),
	)
	m.SegmenterRequests.Add(ctx, 1,
		metric.WithAttributes(
			Attr("segmenter", segmenter),
			Attr("status", status),
		),
	)
}
