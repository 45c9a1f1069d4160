// Package observe provides observability for the transcription core:
// OpenTelemetry metrics with a Prometheus exporter bridge, the real-time
// factor tracker, and the thermal/memory governor that drives adaptive
// quality downgrades.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all core metrics.
const meterName = "github.com/loquatlabs/loquat"

// latencyBuckets defines histogram boundaries (seconds) tuned for
// audio-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds all OpenTelemetry instruments for the core. The underlying
// OTel types handle their own synchronisation, so a single Metrics value is
// shared across workers.
type Metrics struct {
	// DecodeDuration tracks ASR decode latency. Attributes: pass, tier.
	DecodeDuration metric.Float64Histogram

	// EmbeddingDuration tracks speaker-embedding inference latency.
	EmbeddingDuration metric.Float64Histogram

	// EndToEndLatency tracks mic-sample-to-event latency.
	EndToEndLatency metric.Float64Histogram

	// WindowsDecoded counts decode windows. Attributes: pass, status.
	WindowsDecoded metric.Int64Counter

	// SegmentsEmitted counts final segments published to the sink.
	SegmentsEmitted metric.Int64Counter

	// EventsDropped counts events lost to sink backpressure.
	EventsDropped metric.Int64Counter

	// SamplesLost counts ring-buffer samples lost to lagging consumers.
	// Attribute: consumer.
	SamplesLost metric.Int64Counter

	// TierDowngrades counts adaptive quality downgrades. Attribute: reason.
	TierDowngrades metric.Int64Counter

	// ActiveSessions tracks live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks distinct speakers observed in live sessions.
	ActiveSpeakers metric.Int64UpDownCounter

	// RTF reports the current real-time factor per session.
	RTF metric.Float64Gauge

	// Temperature reports the last device temperature reading in °C.
	Temperature metric.Float64Gauge
}

// NewMetrics creates a fully initialised Metrics using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.DecodeDuration, err = m.Float64Histogram("loquat.asr.decode.duration",
		metric.WithDescription("Latency of one ASR decode window."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("loquat.diar.embedding.duration",
		metric.WithDescription("Latency of one speaker-embedding extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EndToEndLatency, err = m.Float64Histogram("loquat.pipeline.latency",
		metric.WithDescription("Latency from microphone sample to published event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.WindowsDecoded, err = m.Int64Counter("loquat.asr.windows",
		metric.WithDescription("Decode windows by pass and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("loquat.pipeline.segments",
		metric.WithDescription("Final segments published to the event sink."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("loquat.events.dropped",
		metric.WithDescription("Events lost to sink backpressure."),
	); err != nil {
		return nil, err
	}
	if met.SamplesLost, err = m.Int64Counter("loquat.ring.samples_lost",
		metric.WithDescription("Ring-buffer samples lost by lagging consumers."),
	); err != nil {
		return nil, err
	}
	if met.TierDowngrades, err = m.Int64Counter("loquat.asr.tier_downgrades",
		metric.WithDescription("Adaptive ASR tier downgrades by reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("loquat.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("loquat.active_speakers",
		metric.WithDescription("Distinct speakers across live sessions."),
	); err != nil {
		return nil, err
	}

	if met.RTF, err = m.Float64Gauge("loquat.pipeline.rtf",
		metric.WithDescription("Real-time factor (processing time / audio time)."),
	); err != nil {
		return nil, err
	}
	if met.Temperature, err = m.Float64Gauge("loquat.device.temperature",
		metric.WithDescription("Device temperature."),
		metric.WithUnit("Cel"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics, creating it on first use
// from the global meter provider. Tests should use NewMetrics with their own
// provider to avoid cross-test pollution.
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

// RecordWindow records one decode window with the standard attribute set.
func (m *Metrics) RecordWindow(ctx context.Context, pass, tier, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("pass", pass),
		attribute.String("tier", tier),
		attribute.String("status", status),
	)
	m.WindowsDecoded.Add(ctx, 1, attrs)
	m.DecodeDuration.Record(ctx, seconds, attrs)
}

// RecordLag records samples lost by a lagging ring consumer.
func (m *Metrics) RecordLag(ctx context.Context, consumer string, samples int64) {
	m.SamplesLost.Add(ctx, samples,
		metric.WithAttributes(attribute.String("consumer", consumer)))
}

// RecordDowngrade records one adaptive tier downgrade.
func (m *Metrics) RecordDowngrade(ctx context.Context, reason string) {
	m.TierDowngrades.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
