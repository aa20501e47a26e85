package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
)

// serviceProvider manages a system service through systemctl or the sysv
// "service" and "update-rc.d" tools.
//
// Attributes: service_name (defaults to the name).
type serviceProvider struct {
	manager string
	env     *engine.Environment
	r       *engine.Resource
	run     Commander
}

func serviceFactory(manager string, c Commander) engine.ProviderFactory {
	return func(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		p := &serviceProvider{manager: manager, env: env, r: r, run: c}
		return &engine.ActionSet{ProviderName: manager, Handlers: map[string]engine.ActionFunc{
			"start":   p.start,
			"stop":    p.stop,
			"restart": p.restart,
			"reload":  p.reload,
			"enable":  p.enable,
			"disable": p.disable,
		}}, nil
	}
}

func (p *serviceProvider) name() string { return p.r.StringAttr("service_name", p.r.Name) }

func (p *serviceProvider) control(ctx context.Context, verb string) error {
	var cmd string
	var args []string
	if p.manager == "systemd" {
		cmd, args = "systemctl", []string{verb, p.name()}
	} else {
		cmd, args = "service", []string{p.name(), verb}
	}
	p.env.Logger().WithResourceID(p.r.ID()).Infof("Service %s: %s", p.name(), verb)
	if _, err := mustSucceed(ctx, p.run, CommandOptions{}, cmd, args...); err != nil {
		return fmt.Errorf("failed to %s service %s: %w", verb, p.name(), err)
	}
	p.r.Updated = true
	return nil
}

func (p *serviceProvider) running(ctx context.Context) (bool, error) {
	var res CommandResult
	var err error
	if p.manager == "systemd" {
		res, err = p.run.Run(ctx, CommandOptions{}, "systemctl", "is-active", "--quiet", p.name())
	} else {
		res, err = p.run.Run(ctx, CommandOptions{}, "service", p.name(), "status")
	}
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (p *serviceProvider) enabled(ctx context.Context) (bool, error) {
	if p.manager == "systemd" {
		res, err := p.run.Run(ctx, CommandOptions{}, "systemctl", "is-enabled", p.name())
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res.Stdout) == "enabled", nil
	}
	links, _ := filepath.Glob("/etc/rc[2345].d/S??" + p.name())
	return len(links) > 0, nil
}

func (p *serviceProvider) start(ctx context.Context) error {
	ok, err := p.running(ctx)
	if err != nil || ok {
		return err
	}
	return p.control(ctx, "start")
}

func (p *serviceProvider) stop(ctx context.Context) error {
	ok, err := p.running(ctx)
	if err != nil || !ok {
		return err
	}
	return p.control(ctx, "stop")
}

func (p *serviceProvider) restart(ctx context.Context) error { return p.control(ctx, "restart") }

func (p *serviceProvider) reload(ctx context.Context) error {
	ok, err := p.running(ctx)
	if err != nil || !ok {
		return err
	}
	return p.control(ctx, "reload")
}

func (p *serviceProvider) enable(ctx context.Context) error {
	ok, err := p.enabled(ctx)
	if err != nil || ok {
		return err
	}
	return p.setEnabled(ctx, true)
}

func (p *serviceProvider) disable(ctx context.Context) error {
	ok, err := p.enabled(ctx)
	if err != nil || !ok {
		return err
	}
	return p.setEnabled(ctx, false)
}

func (p *serviceProvider) setEnabled(ctx context.Context, on bool) error {
	var cmd string
	var args []string
	switch {
	case p.manager == "systemd" && on:
		cmd, args = "systemctl", []string{"enable", p.name()}
	case p.manager == "systemd":
		cmd, args = "systemctl", []string{"disable", p.name()}
	case on:
		if _, err := os.Stat("/etc/init.d/" + p.name()); err != nil {
			return fmt.Errorf("no init script for service %s: %w", p.name(), err)
		}
		cmd, args = "update-rc.d", []string{p.name(), "defaults"}
	default:
		cmd, args = "update-rc.d", []string{"-f", p.name(), "remove"}
	}
	if _, err := mustSucceed(ctx, p.run, CommandOptions{}, cmd, args...); err != nil {
		return fmt.Errorf("failed to change boot state of %s: %w", p.name(), err)
	}
	p.r.Updated = true
	return nil
}
