// Package logging provides structured logging for remedyd.
//
// # Overview
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - remediation correlation fields taken from the context
//   - secret redaction of field names and credential-shaped values
//   - level-aware sampling (errors are never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.FromSettings(cfg.Logging), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithDelivery(ctx, deliveryID)
//	ctx = logging.WithRemediation(ctx, logging.Remediation{
//	    Repository: "acme/api", RunID: 42, JobID: 7, Attempt: 1,
//	})
//	ctx = logging.WithSignature(ctx, sig)
//	logger.Info(ctx, "transition", zap.String("to", "VALIDATING"))
//
// Every line written through a context carrying these values includes:
//
//	{
//	  "ts": "2026-10-14T10:15:30Z",
//	  "level": "info",
//	  "msg": "transition",
//	  "trace_id": "4bf92f3577b34da6a3ce929d0e0e4736",
//	  "delivery.id": "72d3162e-cc78-11e3-81ab-4c9367dc0958",
//	  "remediation.repo": "acme/api",
//	  "remediation.run": 42,
//	  "remediation.job": 7,
//	  "remediation.attempt": 1,
//	  "signature": "9f2c...",
//	  "to": "VALIDATING"
//	}
//
// # Testing
//
// NewTestLogger records entries in memory:
//
//	logger := logging.NewTestLogger()
//	svc := New(logger.Logger)
//	logger.AssertLogged(t, zapcore.InfoLevel, "pull request opened")
//	logger.AssertNoSecrets(t)
package logging
