// Package telemetry provides OpenTelemetry tracer and meter providers for visiond.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("visiond.monitor").Start(ctx, "workflow.step")
//	defer span.End()
//
// # Error Handling
//
// Exporter failures do not stop the service. The instance is marked degraded
// and the global no-op providers are used instead.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
