// Package telemetry provides OpenTelemetry instrumentation for remedyd.
//
// Traces and metrics are exported over OTLP (grpc or http/protobuf) to a
// collector. Telemetry is off unless enabled in config, and a collector that
// cannot be reached degrades the instance instead of failing startup.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Packages obtain tracers through the global provider:
//
//	tracer := otel.Tracer("github.com/fyrsmithlabs/remedyd/internal/orchestrator")
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "orchestrator.Run")
//	span.End()
//	tt.AssertSpanExists(t, "orchestrator.Run")
package telemetry
