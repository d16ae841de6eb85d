// Package logging provides structured logging for visiond.
//
// # Overview
//
// The package wraps Zap with:
//   - A Trace level (-2, below Debug)
//   - Stdout and OpenTelemetry outputs
//   - Correlation fields pulled from context (trace_id, task.id, request.id)
//   - Key and pattern based redaction of credentials
//   - Sampling below Error
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTaskID(ctx, taskID)
//	logger.Info(ctx, "step completed", zap.String("step", "critic"))
//
// Output:
//
//	{
//	  "ts": "2026-03-02T10:15:30Z",
//	  "level": "info",
//	  "msg": "step completed",
//	  "task.id": "9b1c...",
//	  "step": "critic"
//	}
package logging
