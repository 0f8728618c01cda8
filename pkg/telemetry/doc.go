// Package telemetry provides observability instrumentation for Cascade.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and in-process event
// publishing into a unified system for monitoring and debugging deployment
// runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - The in-process fan-out behind engine events
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx := tel.WithContext(context.Background())
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.WithComponent("engine")
//	logger = logger.WithRun("run-123").WithStage("deploy-api")
//	logger.Info("Applying stage")
//	logger.WithError(err).Error("Stage action failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Each run and each rollback produces one span covering the engine call,
// with the outcome recorded on it:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, pipeline, dryRun)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	} else {
//	    telemetry.RecordSuccess(span)
//	}
//
// Supported exporters: OTLP/gRPC (production), stdout (development), none
// (spans generated but not exported).
//
// # Metrics
//
// Key metrics exposed (namespace "cascade"):
//
//   - cascade_runs_total{status,dry_run}
//   - cascade_run_duration_seconds{status}
//   - cascade_stages_applied_total{status}
//   - cascade_stage_duration_seconds{stage}
//   - cascade_checks_total{result}
//   - cascade_check_duration_seconds
//   - cascade_rollbacks_total{forced}
//   - cascade_diagnostic_sessions_total{outcome}
//   - cascade_env_revision
//   - cascade_active_runs
//
// Metrics use a private registry and are exposed over HTTP only when a
// listen address is configured.
//
// # Event Publishing
//
// Publisher implements engine.EventPublisher: buffered, asynchronous,
// channel-based fan-out with per-subscription filters. Publishing never
// blocks the run; a subscriber that falls behind misses events.
//
//	id, ch, _ := tel.Events.Subscribe(ctx, engine.EventFilter{RunID: runID})
//	defer tel.Events.Unsubscribe(ctx, id)
//
//	for event := range ch {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}
//
// The CLI uses exactly this path to render per-stage progress during a run.
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling, metrics server)
//	cfg := telemetry.ProductionConfig()
//
// DefaultConfig suits CLI invocations: console logs on stderr, events on,
// tracing and metrics off until enabled.
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This closes all subscriber channels and exports pending spans.
package telemetry
