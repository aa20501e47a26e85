// Package providers implements the built-in resource providers: files,
// directories, links, commands, scripts, packages and services. Package and
// Service pick their default implementation from the system facts.
package providers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
)

// Built-in resource types.
const (
	TypeFile      = "File"
	TypeDirectory = "Directory"
	TypeLink      = "Link"
	TypeExecute   = "Execute"
	TypeScript    = "Script"
	TypePackage   = "Package"
	TypeService   = "Service"
)

var defaultActions = map[string]string{
	TypeFile:      "create",
	TypeDirectory: "create",
	TypeLink:      "create",
	TypeExecute:   "run",
	TypeScript:    "run",
	TypePackage:   "install",
	TypeService:   "",
}

// ResourceTypes returns the built-in resource types in lexical order.
func ResourceTypes() []string {
	types := make([]string, 0, len(defaultActions))
	for t := range defaultActions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DefaultAction is the action used when a declaration names none. Service
// and unknown types have no default.
func DefaultAction(resourceType string) string {
	return defaultActions[resourceType]
}

// Commander runs external programs. Tests substitute a recorder.
type Commander interface {
	Run(ctx context.Context, opts CommandOptions, name string, args ...string) (CommandResult, error)
}

// CommandOptions adjust how a command is started.
type CommandOptions struct {
	Dir string
	Env []string
}

// CommandResult is the outcome of a command that started. A non-zero exit is
// reported through ExitCode, not as an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecCommander runs commands with os/exec.
type ExecCommander struct{}

// Run implements Commander.
func (ExecCommander) Run(ctx context.Context, opts CommandOptions, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), opts.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	return res, nil
}

// mustSucceed runs a command and turns a non-zero exit into an error.
func mustSucceed(ctx context.Context, c Commander, opts CommandOptions, name string, args ...string) (CommandResult, error) {
	res, err := c.Run(ctx, opts, name, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s %s exited with status %d: %s",
			name, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// Option configures the built-in providers.
type Option func(*options)

type options struct {
	commander Commander
}

// WithCommander replaces the command runner used by Execute, Script, Package
// and Service.
func WithCommander(c Commander) Option {
	return func(o *options) { o.commander = c }
}

// RegisterBuiltins registers every built-in provider and selects Package and
// Service defaults from sys.
func RegisterBuiltins(reg *engine.Registry, sys engine.System, opts ...Option) {
	o := options{commander: ExecCommander{}}
	for _, opt := range opts {
		opt(&o)
	}

	reg.Register(TypeFile, "file", newFileProvider)
	reg.Register(TypeDirectory, "directory", newDirectoryProvider)
	reg.Register(TypeLink, "link", newLinkProvider)
	reg.Register(TypeExecute, "execute", executeFactory(o.commander))
	reg.Register(TypeScript, "script", scriptFactory(o.commander))

	reg.Register(TypePackage, "apt", packageFactory("apt", o.commander))
	reg.Register(TypePackage, "yum", packageFactory("yum", o.commander))
	_ = reg.SetDefault(TypePackage, PackageManager(sys))

	reg.Register(TypeService, "systemd", serviceFactory("systemd", o.commander))
	reg.Register(TypeService, "sysv", serviceFactory("sysv", o.commander))
	_ = reg.SetDefault(TypeService, ServiceManager(sys))
}

// PackageManager names the package provider for sys.
func PackageManager(sys engine.System) string {
	for _, id := range append([]string{sys.Platform}, sys.PlatformLike...) {
		switch id {
		case "rhel", "centos", "fedora", "rocky", "almalinux", "amzn", "ol":
			return "yum"
		}
	}
	return "apt"
}

// ServiceManager names the service provider for sys.
func ServiceManager(sys engine.System) string {
	if sys.Init == "" || sys.Init == "systemd" {
		return "systemd"
	}
	return "sysv"
}
