package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
)

// packageManager knows the commands of one package tool.
type packageManager struct {
	query   func(name string) (string, []string)
	install func(spec string) (string, []string)
	upgrade func(name string) (string, []string)
	remove  func(name string) (string, []string)
	pin     func(name, version string) string
}

var packageManagers = map[string]packageManager{
	"apt": {
		query:   func(n string) (string, []string) { return "dpkg-query", []string{"-W", "-f=${Status} ${Version}", n} },
		install: func(s string) (string, []string) { return "apt-get", []string{"install", "-y", "-q", s} },
		upgrade: func(n string) (string, []string) { return "apt-get", []string{"install", "-y", "-q", "--only-upgrade", n} },
		remove:  func(n string) (string, []string) { return "apt-get", []string{"remove", "-y", "-q", n} },
		pin:     func(n, v string) string { return n + "=" + v },
	},
	"yum": {
		query:   func(n string) (string, []string) { return "rpm", []string{"-q", "--queryformat", "installed %{VERSION}-%{RELEASE}", n} },
		install: func(s string) (string, []string) { return "yum", []string{"install", "-y", "-q", s} },
		upgrade: func(n string) (string, []string) { return "yum", []string{"upgrade", "-y", "-q", n} },
		remove:  func(n string) (string, []string) { return "yum", []string{"remove", "-y", "-q", n} },
		pin:     func(n, v string) string { return n + "-" + v },
	},
}

// packageProvider manages a system package.
//
// Attributes: package_name (defaults to the name), version.
type packageProvider struct {
	manager string
	pm      packageManager
	env     *engine.Environment
	r       *engine.Resource
	run     Commander
}

func packageFactory(manager string, c Commander) engine.ProviderFactory {
	return func(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		p := &packageProvider{manager: manager, pm: packageManagers[manager], env: env, r: r, run: c}
		return &engine.ActionSet{ProviderName: manager, Handlers: map[string]engine.ActionFunc{
			"install": p.install,
			"upgrade": p.upgrade,
			"remove":  p.remove,
		}}, nil
	}
}

func (p *packageProvider) name() string { return p.r.StringAttr("package_name", p.r.Name) }

// installed returns the installed version, or "" when the package is absent.
func (p *packageProvider) installed(ctx context.Context) (string, error) {
	cmd, args := p.pm.query(p.name())
	res, err := p.run.Run(ctx, CommandOptions{}, cmd, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", nil
	}
	out := strings.TrimSpace(res.Stdout)
	// dpkg keeps removed packages as "deinstall ok config-files".
	if !strings.Contains(out, "installed") || strings.Contains(out, "not-installed") || strings.Contains(out, "config-files") {
		return "", nil
	}
	fields := strings.Fields(out)
	return fields[len(fields)-1], nil
}

func (p *packageProvider) install(ctx context.Context) error {
	current, err := p.installed(ctx)
	if err != nil {
		return err
	}
	want := p.r.StringAttr("version", "")
	if current != "" && (want == "" || want == current) {
		return nil
	}
	spec := p.name()
	if want != "" {
		spec = p.pm.pin(spec, want)
	}
	p.env.Logger().WithResourceID(p.r.ID()).Infof("Installing package %s with %s", spec, p.manager)
	cmd, args := p.pm.install(spec)
	if _, err := mustSucceed(ctx, p.run, CommandOptions{}, cmd, args...); err != nil {
		return fmt.Errorf("failed to install %s: %w", spec, err)
	}
	p.r.Updated = true
	return nil
}

func (p *packageProvider) upgrade(ctx context.Context) error {
	before, err := p.installed(ctx)
	if err != nil {
		return err
	}
	if before == "" {
		return p.install(ctx)
	}
	cmd, args := p.pm.upgrade(p.name())
	if _, err := mustSucceed(ctx, p.run, CommandOptions{}, cmd, args...); err != nil {
		return fmt.Errorf("failed to upgrade %s: %w", p.name(), err)
	}
	after, err := p.installed(ctx)
	if err != nil {
		return err
	}
	p.r.Updated = after != before
	return nil
}

func (p *packageProvider) remove(ctx context.Context) error {
	current, err := p.installed(ctx)
	if err != nil {
		return err
	}
	if current == "" {
		return nil
	}
	p.env.Logger().WithResourceID(p.r.ID()).Infof("Removing package %s", p.name())
	cmd, args := p.pm.remove(p.name())
	if _, err := mustSucceed(ctx, p.run, CommandOptions{}, cmd, args...); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p.name(), err)
	}
	p.r.Updated = true
	return nil
}
