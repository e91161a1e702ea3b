package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/idrelay/idrelay/pkg/telemetry"
)

// Example_basicSetup demonstrates logger setup with context propagation.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}

	// Attach the logger to the context for downstream components
	ctx := logger.WithContext(context.Background())

	telemetry.FromContext(ctx).Info("Engine started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates the engine field helpers.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stdout"

	logger, _ := telemetry.NewLogger(cfg.Logging)

	// Component-specific logger
	log := logger.NewComponentLogger("executor")

	// Event-scoped fields
	log = log.
		WithEventID("evt-123").
		WithShadow("ldap-1", "uid=jdoe").
		WithSituation("UNMATCHED")

	log.Debug("Correlating account")
	log.WithIdentityID("identity-456").Info("Identity created")

	// Log with error
	err := fmt.Errorf("repository offline")
	log.WithError(err).Error("Event execution failed")

	// Output varies, no output specified
}

// Example_eventTracing demonstrates per-event span instrumentation.
func Example_eventTracing() {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tracer, _ := telemetry.NewTracer(cfg.Tracing, "idrelay", "dev", "dev")
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartEventSpan(context.Background(), "evt-123", "ldap-1", "uid=jdoe")
	defer span.End()

	span.SetAttributes(
		telemetry.AttrSituation.String("UNMATCHED"),
		telemetry.AttrAction.String("create-identity"),
	)

	// Correlate logs with the trace
	_ = telemetry.TraceID(ctx)

	telemetry.RecordSuccess(span)

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates the engine metric recorders.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		panic(err)
	}

	// Record one processed event
	metrics.RecordEvent("UNMATCHED", "create-identity", "succeeded", 12*time.Millisecond)

	// Record lock contention
	metrics.RecordLockWait(3 * time.Millisecond)
	metrics.RecordLockTimeout()

	// Record repository round trips, with a failure code on the second
	metrics.RecordRepositoryCall("create_identity", "")
	metrics.RecordRepositoryCall("update_identity", "CONCURRENT_MODIFICATION")

	// Record a classified failure
	metrics.RecordError("retryable", "LOCK_TIMEOUT")

	// Track the dispatch queue
	metrics.SetQueueDepth(7)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}
