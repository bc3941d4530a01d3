// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Remediation identifies the unit of work a log line belongs to.
type Remediation struct {
	Repository string
	RunID      int64
	JobID      int64
	Attempt    int
}

type (
	deliveryCtxKey    struct{}
	remediationCtxKey struct{}
	signatureCtxKey   struct{}
	loggerCtxKey      struct{}
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := DeliveryFromContext(ctx); id != "" {
		fields = append(fields, zap.String("delivery.id", id))
	}
	if r, ok := RemediationFromContext(ctx); ok {
		fields = append(fields,
			zap.String("remediation.repo", r.Repository),
			zap.Int64("remediation.run", r.RunID),
			zap.Int64("remediation.job", r.JobID),
			zap.Int("remediation.attempt", r.Attempt),
		)
	}
	if sig := SignatureFromContext(ctx); sig != "" {
		fields = append(fields, zap.String("signature", sig))
	}
	return fields
}

// WithDelivery records the webhook delivery id. Empty ids are ignored.
func WithDelivery(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, deliveryCtxKey{}, id)
}

// DeliveryFromContext returns the webhook delivery id, if any.
func DeliveryFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deliveryCtxKey{}).(string)
	return id
}

// WithRemediation attaches the failing job identity.
func WithRemediation(ctx context.Context, r Remediation) context.Context {
	return context.WithValue(ctx, remediationCtxKey{}, r)
}

// RemediationFromContext returns the failing job identity, if any.
func RemediationFromContext(ctx context.Context) (Remediation, bool) {
	r, ok := ctx.Value(remediationCtxKey{}).(Remediation)
	return r, ok
}

// WithSignature attaches the failure signature once it is known.
func WithSignature(ctx context.Context, sig string) context.Context {
	if sig == "" {
		return ctx
	}
	return context.WithValue(ctx, signatureCtxKey{}, sig)
}

// SignatureFromContext returns the failure signature, if any.
func SignatureFromContext(ctx context.Context) string {
	sig, _ := ctx.Value(signatureCtxKey{}).(string)
	return sig
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
