package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/kitchen"
	"github.com/openfroyo/kokki/pkg/policy"
	"github.com/openfroyo/kokki/pkg/providers"
	"github.com/openfroyo/kokki/pkg/providers/wasm"
	"github.com/openfroyo/kokki/pkg/recipe"
	"github.com/openfroyo/kokki/pkg/state"
	"github.com/openfroyo/kokki/pkg/stores"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// app holds what outlives a single convergence: telemetry, the script
// runtime, the WASM host, the policy engine and the journal.
type app struct {
	opts    *options
	info    BuildInfo
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	runtime *recipe.Runtime
	host    *wasm.Host
	policy  *policy.Engine
	journal *stores.Journal

	cancelMetrics context.CancelFunc
	// cookbookPaths are the search paths of the last kitchen, for watch.
	cookbookPaths []string
}

func newApp(ctx context.Context, opts *options, info BuildInfo, stdin io.Reader, stdout, stderr io.Writer) (_ *app, err error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = info.Version
	cfg.Logging.Level = opts.level()
	cfg.Metrics.ListenAddress = opts.metricsAddr
	cfg.Events.NATSURL = opts.natsURL

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{
		opts:   opts,
		info:   info,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli"),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.runtime = recipe.NewRuntime(recipe.WithLogger(tel.Logger.NewComponentLogger("recipe")))

	a.host, err = wasm.NewHost(ctx, wasm.Config{
		Commander: providers.ExecCommander{},
		Logger:    tel.Logger,
	})
	if err != nil {
		return nil, err
	}

	a.policy, err = policy.NewEngine(ctx, tel.Logger)
	if err != nil {
		return nil, err
	}
	if len(opts.policies) > 0 {
		if err := a.policy.LoadPolicies(ctx, opts.policies); err != nil {
			return nil, engine.NewUserError(engine.ErrCodeSourcePath, err.Error(), err)
		}
	}

	if opts.journal != "" {
		a.journal, err = stores.Open(ctx, stores.Config{Path: opts.journal}, tel.Logger)
		if err != nil {
			return nil, err
		}
	}

	if opts.metricsAddr != "" {
		var metricsCtx context.Context
		metricsCtx, a.cancelMetrics = context.WithCancel(context.WithoutCancel(ctx))
		tel.Metrics.Serve(metricsCtx, opts.metricsAddr, a.logger)
		a.logger.Infof("Serving metrics on %s", opts.metricsAddr)
	}
	return a, nil
}

// Close releases everything newApp acquired.
func (a *app) Close(ctx context.Context) {
	if a.cancelMetrics != nil {
		a.cancelMetrics()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close journal")
		}
	}
	if a.host != nil {
		if err := a.host.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("failed to close wasm host")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("failed to shut down telemetry")
	}
}

// newKitchen builds a fresh environment and kitchen. Environments run once,
// so every convergence gets its own.
func (a *app) newKitchen(logger *telemetry.Logger, observers ...engine.Observer) *kitchen.Kitchen {
	reg := engine.NewRegistry()
	envOpts := []engine.Option{
		engine.WithRegistry(reg),
		engine.WithTelemetry(a.tel),
		engine.WithLogger(logger.NewComponentLogger("engine")),
		engine.WithVersion(a.info.Version),
	}
	for _, o := range observers {
		envOpts = append(envOpts, engine.WithObserver(o))
	}
	env := engine.New(envOpts...)
	providers.RegisterBuiltins(reg, env.System())

	return kitchen.New(env,
		kitchen.WithScriptRunner(a.runtime),
		kitchen.WithProviderLoader(a.host),
		kitchen.WithGate(a.policy.Gate()),
	)
}

// converge configures a kitchen from the flags and either dumps or
// converges it.
func (a *app) converge(ctx context.Context) (err error) {
	logger := a.tel.Logger
	var observers []engine.Observer
	var run *telemetry.Run
	var recorder *stores.Recorder

	if a.opts.dump == "" {
		run = a.tel.StartRun(ctx, a.opts.roles)
		ctx, logger = run.Ctx, run.Logger
		defer func() { run.End(err) }()
		if a.journal != nil {
			recorder = a.journal.Recorder()
			observers = append(observers, recorder)
		}
	}

	k := a.newKitchen(logger, observers...)
	env := k.Environment()
	if err := a.configure(ctx, k); err != nil {
		return err
	}
	a.cookbookPaths = k.CookbookPaths()

	if a.opts.dump != "" {
		return state.Dump(ctx, k, a.opts.dump, a.stdout)
	}

	if recorder != nil {
		jr := &stores.Run{
			ID:       run.ID,
			Roles:    a.opts.roles,
			Hostname: env.System().Hostname,
			Version:  a.info.Version,
		}
		if jr.Roles == nil {
			jr.Roles = []string{}
		}
		if err := recorder.Begin(ctx, jr); err != nil {
			logger.WithError(err).Warn("run journal disabled for this run")
		} else {
			defer func() {
				if ferr := recorder.Finish(context.WithoutCancel(ctx), err); ferr != nil {
					logger.WithError(ferr).Warn("failed to finish journal run")
				}
			}()
		}
	}

	if err := k.Run(ctx); err != nil {
		return err
	}
	logger.Infof("Converged %d resources", len(env.Resources()))
	return nil
}

// configure runs the roles or loads a dump, seeding inputs before roles and
// after a load, then applies overrides.
func (a *app) configure(ctx context.Context, k *kitchen.Kitchen) error {
	inputs, err := parseAssignments(a.opts.inputs, false)
	if err != nil {
		return err
	}
	overrides, err := parseAssignments(a.opts.overrides, true)
	if err != nil {
		return err
	}

	if a.opts.load != "" {
		if err := state.Load(ctx, k, a.opts.load, a.stdin); err != nil {
			return err
		}
		if err := seedInputs(k, inputs); err != nil {
			return err
		}
	} else {
		if err := seedInputs(k, inputs); err != nil {
			return err
		}
		scripts, err := kitchenScripts(a.opts.kitchenPath)
		if err != nil {
			return err
		}
		ns, err := a.runtime.LoadKitchen(ctx, k, scripts)
		if err != nil {
			return err
		}
		for _, role := range a.opts.roles {
			if err := ns.RunRole(ctx, k, role); err != nil {
				return err
			}
		}
	}

	if len(overrides) > 0 {
		if err := k.UpdateConfig(overrides, true); err != nil {
			return fmt.Errorf("failed to apply overrides: %w", err)
		}
	}
	return nil
}

// seedInputs writes inputs under input.*, replacing loaded values.
func seedInputs(k *kitchen.Kitchen, inputs map[string]any) error {
	if len(inputs) == 0 {
		return nil
	}
	seeded := make(map[string]any, len(inputs))
	for key, v := range inputs {
		seeded["input."+key] = v
	}
	if err := k.UpdateConfig(seeded, true); err != nil {
		return fmt.Errorf("failed to seed inputs: %w", err)
	}
	return nil
}

// kitchenScripts reads path, or every *.star file of the directory path in
// lexical order.
func kitchenScripts(path string) ([]kitchen.Script, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewUserError(engine.ErrCodeSourcePath, fmt.Sprintf("cannot read kitchen %s", path), err)
	}

	files := []string{path}
	if info.IsDir() {
		files, err = filepath.Glob(filepath.Join(path, "*.star"))
		if err != nil {
			return nil, fmt.Errorf("failed to list kitchen files: %w", err)
		}
		sort.Strings(files)
		if len(files) == 0 {
			return nil, engine.NewUserError(engine.ErrCodeSourcePath, fmt.Sprintf("no *.star files in %s", path), nil)
		}
	}

	scripts := make([]kitchen.Script, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, engine.NewUserError(engine.ErrCodeSourcePath, fmt.Sprintf("cannot read kitchen %s", f), err)
		}
		scripts = append(scripts, kitchen.Script{Name: f, Source: data})
	}
	return scripts, nil
}

var errAssignment = errors.New("expected key=value")

// parseAssignments turns key=value flags into a config map. Later values
// win. With coerce, integer values become ints.
func parseAssignments(values []string, coerce bool) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for _, kv := range values {
		key, val, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, engine.NewUserError(engine.ErrCodeMissingParameters,
				fmt.Sprintf("invalid assignment %q: %v", kv, errAssignment), errAssignment)
		}
		out[key] = val
		if !coerce {
			continue
		}
		if n, err := strconv.Atoi(val); err == nil {
			out[key] = n
		}
	}
	return out, nil
}
