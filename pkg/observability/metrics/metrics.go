// Package metrics wires the otel SDK behind the global meter provider. The
// daemon has no metrics endpoint; counters are collected through a manual
// reader and dumped into the log on an interval and at shutdown.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

type Provider struct {
	mp     *sdkmetric.MeterProvider
	reader *sdkmetric.ManualReader
	log    *zap.SugaredLogger
}

// NewProvider installs a manual-reader meter provider as the otel global.
func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	return &Provider{
		mp:     mp,
		reader: reader,
		log:    zap.S().Named("metrics"),
	}
}

// Dump logs the current value of every counter sum.
func (p *Provider) Dump(ctx context.Context) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		p.log.Warnw("cannot collect metrics", "error", err)
		return
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				fields := []any{"metric", m.Name, "value", dp.Value}
				for _, attr := range dp.Attributes.ToSlice() {
					fields = append(fields, string(attr.Key), attr.Value.Emit())
				}
				p.log.Infow("counter", fields...)
			}
		}
	}
}

// Run dumps on the given interval until ctx is cancelled, then once more.
func (p *Provider) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Dump(ctx)
		case <-ctx.Done():
			p.Dump(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}
