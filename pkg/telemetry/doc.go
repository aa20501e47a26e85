// Package telemetry provides the observability stack used by kokki runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an event publisher whose events can be forwarded to
// NATS.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	run := tel.StartRun(ctx, roles)
//	err = kit.Run(run.Ctx)
//	run.End(err)
//
// # Logging
//
// Loggers travel through the context:
//
//	logger := telemetry.FromContext(ctx).WithResourceID("File[/etc/motd]")
//	logger.Info("START")
//
// # Metrics
//
// Metrics are registered on a private registry and served by Metrics.Serve:
//
//	kokki_actions_total{resource_type,action,outcome}
//	kokki_action_duration_seconds{resource_type,action}
//	kokki_guard_skips_total{resource_type,guard}
//	kokki_notifications_total{timing}
//	kokki_runs_started_total, kokki_runs_completed_total{status}
//
// # Events
//
// Every dispatched action, guard skip and notification is published as an
// Event. Subscribers receive events synchronously unless async delivery is
// enabled.
package telemetry
