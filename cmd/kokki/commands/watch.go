package commands

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

func newWatchCommand(opts *options, info BuildInfo, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var (
		interval time.Duration
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [role...]",
		Short: "Converge now and again whenever recipes change",
		Long: `Converge the given roles, then keep running: the kitchen file, local
cookbook paths and policy files are watched and any change re-converges after
a quiet period. With --interval the roles are also re-converged periodically
to correct drift.

A failed convergence is reported and watching continues.`,
		Example: `  # Re-converge on every recipe change and every 30 minutes
  kokki watch --interval 30m web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dump != "" {
				return engine.NewUserError(engine.ErrCodeUnknownFormat, "watch cannot be combined with --dump", nil)
			}
			opts.roles = args
			a, err := newApp(cmd.Context(), opts, info, stdin, stdout, stderr)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			w := &watcher{
				app:      a,
				interval: interval,
				debounce: debounce,
				logger:   a.logger.NewComponentLogger("watch"),
				trigger:  make(chan string, 1),
				watched:  make(map[string]bool),
			}
			return w.run(cmd.Context())
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "also re-converge at this interval (0 disables)")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period after a change before converging")
	return cmd
}

type watcher struct {
	app      *app
	interval time.Duration
	debounce time.Duration
	logger   *telemetry.Logger

	fs      *fsnotify.Watcher
	trigger chan string
	watched map[string]bool
}

func (w *watcher) run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	w.fs = fsw

	if w.interval > 0 {
		s, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		_, err = s.NewJob(
			gocron.DurationJob(w.interval),
			gocron.NewTask(w.request, "interval"),
			gocron.WithName("kokki-converge"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
		s.Start()
		defer func() { _ = s.Shutdown() }()
	}

	w.request("start")

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopped watching")
			return nil

		case reason := <-w.trigger:
			w.converge(ctx, reason)

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.add(event.Name)
				}
			}
			w.logger.Debugf("%s: %s", event.Op, event.Name)
			if pending != nil {
				pending.Stop()
			}
			name := event.Name
			pending = time.AfterFunc(w.debounce, func() { w.request("changed " + name) })

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

// request queues a convergence unless one is already queued.
func (w *watcher) request(reason string) {
	select {
	case w.trigger <- reason:
	default:
	}
}

func (w *watcher) converge(ctx context.Context, reason string) {
	w.logger.Infof("Converging (%s)", reason)
	if len(w.app.opts.policies) > 0 {
		if err := w.app.policy.LoadPolicies(ctx, w.app.opts.policies); err != nil {
			w.logger.WithError(err).Error("failed to reload policies, keeping the previous set")
		}
	}
	err := w.app.converge(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	default:
		PrintError(w.app.stderr, err)
	}

	paths := []string{w.app.opts.kitchenPath}
	paths = append(paths, w.app.opts.policies...)
	for _, p := range w.app.cookbookPaths {
		if !strings.HasPrefix(p, "git+") {
			paths = append(paths, p)
		}
	}
	for _, p := range paths {
		w.add(p)
	}
}

// add watches p: a directory recursively, a file through its parent
// directory so editors that replace files are noticed.
func (w *watcher) add(p string) {
	info, err := os.Stat(p)
	if err != nil {
		w.logger.Debugf("not watching %s: %v", p, err)
		return
	}
	if !info.IsDir() {
		w.addDir(filepath.Dir(p))
		return
	}
	_ = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != p && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			w.addDir(path)
		}
		return nil
	})
}

func (w *watcher) addDir(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if w.watched[dir] {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.logger.WithError(err).Warnf("failed to watch %s", dir)
		return
	}
	w.watched[dir] = true
}

// relevant drops permission changes and editor scratch files.
func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~") && !strings.HasSuffix(base, ".swp")
}
