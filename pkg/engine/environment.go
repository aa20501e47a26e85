package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// DefaultVersion is reported under kokki.long_version when no version is set.
const DefaultVersion = "kokki dev"

// Environment owns the config tree, the declared resources and the pending
// delayed notifications of one convergence run. It is not safe for
// concurrent use.
type Environment struct {
	config    *config.Tree
	registry  *Registry
	validate  *validator.Validate
	system    System
	resources map[string]*Resource
	order     []*Resource
	pending   notificationSet
	inflight  []Notification
	phase     Phase

	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
	observers []Observer

	version string
	now     func() time.Time
}

// Option configures an Environment.
type Option func(*Environment)

// WithRegistry sets the provider registry.
func WithRegistry(r *Registry) Option {
	return func(e *Environment) { e.registry = r }
}

// WithSystem replaces the collected system facts.
func WithSystem(s System) Option {
	return func(e *Environment) { e.system = s }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(e *Environment) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Environment) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Environment) { e.tracer = t }
}

// WithEvents sets the event publisher.
func WithEvents(p *telemetry.EventPublisher) Option {
	return func(e *Environment) { e.events = p }
}

// WithTelemetry wires every component of tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Environment) {
		e.logger = tel.Logger.NewComponentLogger("engine")
		e.metrics = tel.Metrics
		e.tracer = tel.Tracer
		e.events = tel.Events
	}
}

// WithObserver adds an action observer.
func WithObserver(o Observer) Option {
	return func(e *Environment) { e.observers = append(e.observers, o) }
}

// WithVersion sets the version string seeded into the config.
func WithVersion(v string) Option {
	return func(e *Environment) { e.version = v }
}

// WithClock overrides the time source used for the date and backup prefix.
func WithClock(now func() time.Time) Option {
	return func(e *Environment) { e.now = now }
}

// New creates an environment seeded with the built-in defaults.
func New(opts ...Option) *Environment {
	e := &Environment{
		config:    config.NewTree(),
		validate:  validator.New(),
		resources: make(map[string]*Resource),
		phase:     PhaseIdle,
		version:   DefaultVersion,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.system.OS == "" {
		e.system = CollectSystem()
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.logger == nil {
		e.logger = telemetry.NopLogger()
	}
	if e.tracer == nil {
		e.tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "kokki", e.version)
	}

	now := e.now()
	_ = e.config.Update(map[string]any{
		"date":                  now.Format(time.RFC3339),
		"kokki.long_version":    e.version,
		"kokki.backup.path":     "/tmp/kokki/backup",
		"kokki.backup.prefix":   now.Format("20060102150405"),
		"kokki.template_engine": "jinja2",
		"system":                e.system.Map(),
	}, true)

	return e
}

// Config returns the config tree.
func (e *Environment) Config() *config.Tree { return e.config }

// UpdateConfig merges values into the config tree.
func (e *Environment) UpdateConfig(values map[string]any, overwrite bool) error {
	return e.config.Update(values, overwrite)
}

// Registry returns the provider registry.
func (e *Environment) Registry() *Registry { return e.registry }

// System returns the system facts.
func (e *Environment) System() System { return e.system }

// Logger returns the engine logger.
func (e *Environment) Logger() *telemetry.Logger { return e.logger }

// Events returns the event publisher, which may be nil.
func (e *Environment) Events() *telemetry.EventPublisher { return e.events }

// Tracer returns the tracer.
func (e *Environment) Tracer() *telemetry.Tracer { return e.tracer }

// Phase reports the convergence phase.
func (e *Environment) Phase() Phase { return e.phase }

// Running reports whether a run is sourcing or converging.
func (e *Environment) Running() bool {
	return e.phase == PhaseSourcing || e.phase == PhaseConverging
}

// AddResource validates and declares r. Declaration order is execution order.
func (e *Environment) AddResource(r *Resource) error {
	if err := e.validate.Struct(r); err != nil {
		return NewInternalError(ErrCodeInvalidResource, "invalid resource declaration", err).
			WithResource(r.ID())
	}
	id := r.ID()
	if _, exists := e.resources[id]; exists {
		return NewInternalError(ErrCodeDuplicateResource, "resource already declared", nil).WithResource(id)
	}
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	e.resources[id] = r
	e.order = append(e.order, r)
	e.metrics.SetResourcesDeclared(len(e.order))
	e.logger.Debugf("declared %s", id)
	return nil
}

// Resource returns the resource with identity id.
func (e *Environment) Resource(id string) (*Resource, error) {
	r, ok := e.resources[id]
	if !ok {
		return nil, NewInternalError(ErrCodeResourceNotFound, "resource not declared", nil).WithResource(id)
	}
	return r, nil
}

// Resources returns the declared resources in declaration order.
func (e *Environment) Resources() []*Resource {
	out := make([]*Resource, len(e.order))
	copy(out, e.order)
	return out
}

// Pending returns the pending delayed notifications in drain order.
func (e *Environment) Pending() []Notification {
	return e.pending.items()
}

// Notify records that from sends action to the resource identified by to
// whenever from is updated.
func (e *Environment) Notify(from *Resource, action, to string, immediate bool) {
	from.Subscriptions.add(Notification{Action: action, Resource: to}, immediate)
}

// Subscribe records that subscriber receives action whenever the resource
// identified by source is updated. The source must already be declared.
func (e *Environment) Subscribe(subscriber *Resource, action, source string, immediate bool) error {
	src, err := e.Resource(source)
	if err != nil {
		return err
	}
	src.Subscriptions.add(Notification{Action: action, Resource: subscriber.ID()}, immediate)
	return nil
}

// Restore replaces config, resources and pending notifications verbatim.
func (e *Environment) Restore(cfg map[string]any, resources []*Resource, pending []Notification) error {
	e.config = config.TreeFromMap(cfg)
	e.resources = make(map[string]*Resource, len(resources))
	e.order = nil
	for _, r := range resources {
		if err := e.AddResource(r); err != nil {
			return err
		}
	}
	e.pending = notificationSet{}
	for _, n := range pending {
		e.pending.add(n)
	}
	return nil
}

// Converge runs the declared resources without a preparation step.
func (e *Environment) Converge(ctx context.Context) error {
	return e.Run(ctx, nil)
}

// Run activates the environment, calls prepare while sourcing, walks every
// resource in declaration order and then drains delayed notifications
// first-enqueued-first-drained. Any error aborts the run and leaves the
// environment in PhaseFailed.
func (e *Environment) Run(ctx context.Context, prepare func(ctx context.Context) error) (err error) {
	ctx = Activate(ctx, e)
	e.logger.Debug("> Environment.Run")
	defer func() {
		if err != nil {
			e.phase = PhaseFailed
		}
	}()

	e.phase = PhaseSourcing
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			return err
		}
	}

	e.phase = PhaseConverging
	// Resources declared while converging are appended and picked up here.
	for i := 0; i < len(e.order); i++ {
		r := e.order[i]
		run, err := e.guardsAllow(ctx, r)
		if err != nil {
			return err
		}
		if !run {
			continue
		}
		for _, action := range r.Actions {
			if err := e.dispatch(ctx, r, action, ""); err != nil {
				return err
			}
		}
	}

	for {
		n, ok := e.pending.pop()
		if !ok {
			break
		}
		e.metrics.SetPendingDelayed(e.pending.len())
		target, err := e.Resource(n.Resource)
		if err != nil {
			return err
		}
		if err := e.dispatch(ctx, target, n.Action, "delayed"); err != nil {
			return err
		}
	}

	e.phase = PhaseDrained
	e.logger.Debug("< Environment.Run")
	return nil
}

func (e *Environment) guardsAllow(ctx context.Context, r *Resource) (bool, error) {
	if r.NotIf != nil {
		ok, err := r.NotIf.Evaluate(ctx)
		if err != nil {
			return false, withResource(err, r.ID())
		}
		if ok {
			e.skipped(ctx, r, "not_if")
			return false, nil
		}
	}
	if r.OnlyIf != nil {
		ok, err := r.OnlyIf.Evaluate(ctx)
		if err != nil {
			return false, withResource(err, r.ID())
		}
		if !ok {
			e.skipped(ctx, r, "only_if")
			return false, nil
		}
	}
	return true, nil
}

func (e *Environment) skipped(ctx context.Context, r *Resource, guard string) {
	e.logger.WithResourceID(r.ID()).Debugf("Skipping %s due to %s", r, guard)
	e.metrics.RecordSkip(r.Type, guard)
	_ = e.events.PublishSkipped(r.ID(), strings.Join(r.Actions, ","), guard)
	e.observe(ctx, ActionRecord{
		Resource:     r.ID(),
		ResourceType: r.Type,
		Action:       strings.Join(r.Actions, ","),
		Outcome:      OutcomeSkipped,
		Detail:       guard,
		Started:      e.now(),
	})
}

// Dispatch runs one action on r and propagates its notifications.
func (e *Environment) Dispatch(ctx context.Context, r *Resource, action string) error {
	return e.dispatch(ctx, r, action, "")
}

func (e *Environment) dispatch(ctx context.Context, r *Resource, action, trigger string) error {
	key := Notification{Action: action, Resource: r.ID()}
	for i, f := range e.inflight {
		if f == key {
			chain := make([]string, 0, len(e.inflight)-i+1)
			for _, g := range e.inflight[i:] {
				chain = append(chain, g.String())
			}
			chain = append(chain, key.String())
			return NewInternalError(ErrCodeNotificationCycle, "notification cycle detected",
				&NotificationCycleError{Chain: chain}).WithResource(r.ID()).WithAction(action)
		}
	}
	e.inflight = append(e.inflight, key)
	defer func() { e.inflight = e.inflight[:len(e.inflight)-1] }()

	provider, err := e.bindProvider(r)
	if err != nil {
		return err
	}
	handler, ok := provider.Actions()[action]
	if !ok || handler == nil {
		return NewInternalError(ErrCodeActionNotImplemented, "cannot dispatch action",
			&ActionNotImplementedError{Provider: provider.Name(), Action: action}).
			WithResource(r.ID()).WithAction(action)
	}

	logger := e.logger.WithResourceID(r.ID())
	logger.Infof("START: Performing action '%s' on resource '%s'", action, r)

	ctx, span := e.tracer.StartActionSpan(ctx, r.Type, r.ID(), action, provider.Name())
	started := e.now()
	timer := telemetry.NewTimer()

	r.Updated = false
	err = handler(ctx)
	duration := timer.Duration()

	outcome := OutcomeUnchanged
	switch {
	case err != nil:
		outcome = OutcomeFailed
	case r.Updated:
		outcome = OutcomeUpdated
	}
	span.SetAttributes(telemetry.AttrUpdated.Bool(r.Updated))
	telemetry.EndSpan(span, err)
	e.metrics.RecordAction(r.Type, action, outcome, duration)
	_ = e.events.PublishAction(r.ID(), action, r.Updated, duration, err)
	e.observe(ctx, ActionRecord{
		Resource:     r.ID(),
		ResourceType: r.Type,
		Action:       action,
		Provider:     provider.Name(),
		Outcome:      outcome,
		Trigger:      trigger,
		Started:      started,
		Duration:     duration,
		Err:          err,
	})

	if err != nil {
		var engineErr *Error
		if errors.As(err, &engineErr) {
			e.metrics.RecordError(string(engineErr.Kind), engineErr.Code)
			return err
		}
		e.metrics.RecordError(string(ErrorKindInternal), ErrCodeActionFailed)
		return NewInternalError(ErrCodeActionFailed, "action failed", err).
			WithResource(r.ID()).WithAction(action)
	}

	if r.Updated {
		for _, n := range r.Subscriptions.Immediate {
			logger.Infof("%s sending %s action to %s (immediate)", r, n.Action, n.Resource)
			e.metrics.RecordNotification("immediate")
			_ = e.events.PublishNotification(r.ID(), n.Action, n.Resource, true)
			target, err := e.Resource(n.Resource)
			if err != nil {
				return err
			}
			if err := e.dispatch(ctx, target, n.Action, "immediate"); err != nil {
				return err
			}
		}
		for _, n := range r.Subscriptions.Delayed {
			logger.Infof("%s sending %s action to %s (delayed)", r, n.Action, n.Resource)
			e.metrics.RecordNotification("delayed")
			_ = e.events.PublishNotification(r.ID(), n.Action, n.Resource, false)
			e.pending.add(n)
		}
		e.metrics.SetPendingDelayed(e.pending.len())
	}

	logger.Infof("END: Performing action '%s' on resource '%s'", action, r)
	return nil
}

func (e *Environment) bindProvider(r *Resource) (Provider, error) {
	factory := r.Factory
	name := r.Provider
	if factory == nil {
		var err error
		factory, name, err = e.registry.Lookup(r.Type, r.Provider)
		if err != nil {
			return nil, NewInternalError(ErrCodeProviderNotFound, "cannot resolve provider", err).
				WithResource(r.ID())
		}
	}
	p, err := factory(e, r)
	if err != nil {
		return nil, NewInternalError(ErrCodeProviderNotFound,
			fmt.Sprintf("cannot create provider %s", name), err).WithResource(r.ID())
	}
	return p, nil
}

func (e *Environment) observe(ctx context.Context, rec ActionRecord) {
	for _, o := range e.observers {
		o.ObserveAction(ctx, rec)
	}
}

// BackupFile copies path into the backup directory configured under
// kokki.backup before it is overwritten. An empty backup path disables it.
func (e *Environment) BackupFile(path string) error {
	dir, _ := e.configString("kokki.backup.path")
	if dir == "" {
		return nil
	}
	prefix, _ := e.configString("kokki.backup.prefix")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	target := filepath.Join(dir, prefix+strings.ReplaceAll(path, "/", "-"))
	e.logger.Infof("backing up %s to %s", path, target)

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for backup: %w", path, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create backup %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to write backup %s: %w", target, err)
	}
	return dst.Close()
}

func (e *Environment) configString(path string) (string, bool) {
	v, err := e.config.Get(path)
	if err != nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func withResource(err error, id string) error {
	var engineErr *Error
	if errors.As(err, &engineErr) && engineErr.Resource == "" {
		engineErr.Resource = id
	}
	return err
}
