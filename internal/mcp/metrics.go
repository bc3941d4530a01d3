package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/statusclient"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/mcp"

// errInvalidArgument marks tool calls rejected before reaching remedyd.
var errInvalidArgument = errors.New("invalid argument")

// Metrics instruments the status tools.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	inflight metric.Int64UpDownCounter
	lookups  metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	m := &Metrics{meter: meter, logger: logger}
	var err error

	m.calls, err = meter.Int64Counter(
		"remedyd.mcp.tool.calls_total",
		metric.WithDescription("Status tool calls by tool"),
		metric.WithUnit("{call}"),
	)
	m.warn("calls", err)

	m.duration, err = meter.Float64Histogram(
		"remedyd.mcp.tool.duration_seconds",
		metric.WithDescription("Status tool latency including the remedyd round trip"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	m.warn("duration", err)

	m.failures, err = meter.Int64Counter(
		"remedyd.mcp.tool.failures_total",
		metric.WithDescription("Failed status tool calls by tool and class"),
		metric.WithUnit("{call}"),
	)
	m.warn("failures", err)

	m.inflight, err = meter.Int64UpDownCounter(
		"remedyd.mcp.tool.inflight",
		metric.WithDescription("Status tool calls in progress"),
		metric.WithUnit("{call}"),
	)
	m.warn("inflight", err)

	m.lookups, err = meter.Int64Counter(
		"remedyd.mcp.status.lookups_total",
		metric.WithDescription("remediation_status lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	m.warn("lookups", err)
	return m
}

func (m *Metrics) warn(instrument string, err error) {
	if err != nil {
		m.logger.Warn("failed to create instrument", zap.String("instrument", instrument), zap.Error(err))
	}
}

// track marks a tool call in flight. The returned func records its outcome.
func (m *Metrics) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("class", failureClass(err)),
			))
		}
	}
}

// lookup counts a remediation_status result: found, not_found or ambiguous.
func (m *Metrics) lookup(ctx context.Context, result string) {
	if m.lookups != nil {
		m.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

// failureClass buckets a tool error for the failures counter.
func failureClass(err error) string {
	var apiErr *statusclient.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, statusclient.ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, statusclient.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 500:
		return "upstream_error"
	case errors.As(err, &apiErr):
		return "rejected"
	case pipeline.IsTransient(err):
		return "unreachable"
	default:
		return "internal"
	}
}
