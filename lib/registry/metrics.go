package registry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments for the registry core. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	uploadDuration metric.Float64Histogram
	uploadsTotal   metric.Int64Counter
	deletesTotal   metric.Int64Counter
	reapedTotal    metric.Int64Counter
}

// NewMetrics creates the registry instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	uploadDuration, err := meter.Float64Histogram(
		"hangar_uploads_duration_seconds",
		metric.WithDescription("Time to stream and store an image payload"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	uploadsTotal, err := meter.Int64Counter(
		"hangar_uploads_total",
		metric.WithDescription("Total payload uploads by terminal status"),
	)
	if err != nil {
		return nil, err
	}

	deletesTotal, err := meter.Int64Counter(
		"hangar_deletes_total",
		metric.WithDescription("Total image delete requests"),
	)
	if err != nil {
		return nil, err
	}

	reapedTotal, err := meter.Int64Counter(
		"hangar_reaped_total",
		metric.WithDescription("Records swept from saving to killed by the reaper"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		uploadDuration: uploadDuration,
		uploadsTotal:   uploadsTotal,
		deletesTotal:   deletesTotal,
		reapedTotal:    reapedTotal,
	}, nil
}

func (m *Metrics) recordUpload(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.uploadDuration.Record(ctx, d.Seconds(), attrs)
	m.uploadsTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) recordDelete(ctx context.Context) {
	if m == nil {
		return
	}
	m.deletesTotal.Add(ctx, 1)
}

func (m *Metrics) recordReap(ctx context.Context) {
	if m == nil {
		return
	}
	m.reapedTotal.Add(ctx, 1)
}
