package governor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterScope = "github.com/serverket/cpugovd/pkg/governor"

type counters struct {
	setRequests   metric.Int64Counter
	authDenials   metric.Int64Counter
	writeFailures metric.Int64Counter
	restores      metric.Int64Counter
}

func newCounters(log *zap.SugaredLogger) *counters {
	meter := otel.Meter(meterScope)
	c := &counters{}

	var err error
	if c.setRequests, err = meter.Int64Counter("cpugov.set_requests",
		metric.WithDescription("SetGovernor calls, by outcome")); err != nil {
		log.Warnw("cannot create counter", "error", err)
	}
	if c.authDenials, err = meter.Int64Counter("cpugov.auth_denials",
		metric.WithDescription("SetGovernor calls blocked by the authority")); err != nil {
		log.Warnw("cannot create counter", "error", err)
	}
	if c.writeFailures, err = meter.Int64Counter("cpugov.sysfs_write_failures",
		metric.WithDescription("per-core governor writes that failed")); err != nil {
		log.Warnw("cannot create counter", "error", err)
	}
	if c.restores, err = meter.Int64Counter("cpugov.restores",
		metric.WithDescription("governor restorations attempted at startup")); err != nil {
		log.Warnw("cannot create counter", "error", err)
	}
	return c
}

func (c *counters) add(ctx context.Context, ctr metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if ctr == nil {
		return
	}
	ctr.Add(ctx, n, metric.WithAttributes(attrs...))
}
