// Package telemetry provides observability instrumentation for DeployForge.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind small wrappers the
// orchestrator and repository cache call directly.
//
// Initialize at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	logger, err := telemetry.NewLogger(cfg.Logging)
//	metrics, err := telemetry.NewMetrics(cfg.Metrics)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
//	defer tracer.Shutdown(context.Background())
//
// Metrics and Tracer built from a disabled configuration are no-ops, so
// callers never need to branch on whether telemetry is enabled.
package telemetry
