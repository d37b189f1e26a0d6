package transcribe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/transcribe"

type jobMetrics struct {
	jobs        metric.Int64Counter
	duration    metric.Float64Histogram
	inflight    metric.Int64UpDownCounter
	uploadBytes metric.Int64Histogram
}

func newJobMetrics() (*jobMetrics, error) {
	meter := otel.Meter(instrumentationName)
	jobs, err := meter.Int64Counter("scribe.jobs",
		metric.WithDescription("Transcription jobs by outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("scribe.engine.duration",
		metric.WithDescription("Wall-clock time spent in the transcription engine"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter("scribe.jobs.inflight",
		metric.WithDescription("Transcription jobs currently running"))
	if err != nil {
		return nil, err
	}
	uploadBytes, err := meter.Int64Histogram("scribe.upload.size",
		metric.WithDescription("Size of accepted uploads"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &jobMetrics{jobs: jobs, duration: duration, inflight: inflight, uploadBytes: uploadBytes}, nil
}

func (m *jobMetrics) started(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, 1)
	m.uploadBytes.Record(ctx, size)
}

func (m *jobMetrics) finished(ctx context.Context, outcome string, engineSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.inflight.Add(ctx, -1)
	m.jobs.Add(ctx, 1, attrs)
	if engineSeconds > 0 {
		m.duration.Record(ctx, engineSeconds, attrs)
	}
}
