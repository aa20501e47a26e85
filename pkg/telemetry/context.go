package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	nats *NATSSink
}

type telemetryContextKey struct{}

// NewTelemetry builds every component from cfg. When cfg.Events.NATSURL is
// set, events are forwarded to NATS.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}

	if cfg.Events.Enabled && cfg.Events.NATSURL != "" {
		sink, err := NewNATSSink(cfg.Events.NATSURL, cfg.Events.NATSSubject, logger.NewComponentLogger("nats"))
		if err != nil {
			return nil, err
		}
		sink.Attach(t.Events)
		t.nats = sink
	}

	return t, nil
}

// WithContext stores the bundle and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the bundle stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events, closes the NATS sink and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.nats != nil {
		if err := t.nats.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run tracks one convergence run across logs, spans, metrics and events.
type Run struct {
	ID     string
	Ctx    context.Context
	Logger *Logger

	tel   *Telemetry
	span  trace.Span
	start time.Time
}

// StartRun begins a run with a fresh ID.
func (t *Telemetry) StartRun(ctx context.Context, roles []string) *Run {
	id := uuid.New().String()
	ctx, span := t.Tracer.StartRunSpan(ctx, id)
	logger := t.Logger.WithRunID(id)
	ctx = logger.WithContext(ctx)

	t.Metrics.RecordRunStarted()
	t.Events.SetRunID(id)
	_ = t.Events.PublishRunStarted(id, roles)

	return &Run{ID: id, Ctx: ctx, Logger: logger, tel: t, span: span, start: time.Now()}
}

// End completes the run with err as its outcome.
func (r *Run) End(err error) {
	duration := time.Since(r.start)
	status := "converged"
	if err != nil {
		status = "failed"
		_ = r.tel.Events.PublishRunFailed(r.ID, err)
	} else {
		_ = r.tel.Events.PublishRunCompleted(r.ID, duration)
	}
	r.tel.Metrics.RecordRunCompleted(status, duration)
	EndSpan(r.span, err)
}
