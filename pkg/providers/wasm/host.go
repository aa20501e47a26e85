// Package wasm runs cookbook-shipped providers compiled to WebAssembly.
//
// A provider module exports its linear memory plus:
//
//	malloc(size i32) i32
//	free(ptr i32)
//	kokki_actions() i64              // JSON array of action names
//	kokki_dispatch(ptr i32, len i32) i64
//
// i64 results pack a buffer as ptr<<32 | len. kokki_dispatch receives a JSON
// request {"action", "resource": {"type", "name", "attributes"}} and answers
// {"updated": bool, "error": string}. Every dispatch runs in a fresh
// instance, so modules keep no state between actions.
//
// Modules may import host functions from the "kokki" namespace. Each one is
// gated by a capability declared in the cookbook metadata.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/kitchen"
	"github.com/openfroyo/kokki/pkg/providers"
	"github.com/openfroyo/kokki/pkg/source"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// Defaults for Config.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMemoryLimitPages = 256
)

// Config tunes the host.
type Config struct {
	// Timeout bounds a single dispatch.
	Timeout time.Duration

	// MemoryLimitPages caps each instance's memory (64KiB pages).
	MemoryLimitPages uint32

	// Commander runs commands for modules granted "exec".
	Commander providers.Commander

	Logger *telemetry.Logger
}

// Host compiles provider modules and binds them to resources. It implements
// kitchen.ProviderLoader.
type Host struct {
	cfg     Config
	runtime wazero.Runtime
	logger  *telemetry.Logger

	mu       sync.Mutex
	compiled []wazero.CompiledModule
}

var _ kitchen.ProviderLoader = (*Host)(nil)

// NewHost creates a host with its own wazero runtime.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if cfg.Commander == nil {
		cfg.Commander = providers.ExecCommander{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	h := &Host{cfg: cfg, runtime: rt, logger: logger.NewComponentLogger("wasm")}
	if _, err := h.hostModule().Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return h, nil
}

// Close releases every compiled module and the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.compiled {
		_ = c.Close(ctx)
	}
	h.compiled = nil
	if err := h.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// LoadProvider compiles module, checks its exports and asks it for the
// actions it implements.
func (h *Host) LoadProvider(ctx context.Context, cookbook, resourceType string, decl config.ProviderDecl, module []byte) (engine.ProviderFactory, error) {
	compiled, err := h.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", decl.Module, err)
	}
	if err := checkExports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%s: %w", decl.Module, err)
	}

	p := &moduleProvider{
		host:     h,
		compiled: compiled,
		name:     decl.Name,
		caps:     newCapabilities(decl.Capabilities),
	}
	actions, err := p.actions(ctx)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	p.actionNames = actions

	h.mu.Lock()
	h.compiled = append(h.compiled, compiled)
	h.mu.Unlock()

	h.logger.Debugf("loaded provider %s for %s from cookbook %s with actions %v", decl.Name, resourceType, cookbook, actions)
	return p.factory, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	if len(compiled.ExportedMemories()) == 0 {
		return fmt.Errorf("module does not export memory")
	}
	fns := compiled.ExportedFunctions()
	for _, name := range []string{"malloc", "free", "kokki_actions", "kokki_dispatch"} {
		if _, ok := fns[name]; !ok {
			return fmt.Errorf("module does not export %s", name)
		}
	}
	return nil
}

// moduleProvider binds one compiled module to resources.
type moduleProvider struct {
	host        *Host
	compiled    wazero.CompiledModule
	name        string
	caps        capabilities
	actionNames []string
}

func (p *moduleProvider) factory(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
	handlers := make(map[string]engine.ActionFunc, len(p.actionNames))
	for _, action := range p.actionNames {
		handlers[action] = func(ctx context.Context) error {
			return p.dispatch(ctx, env, r, action)
		}
	}
	return &engine.ActionSet{ProviderName: p.name, Handlers: handlers}, nil
}

// instantiate creates a fresh, anonymous instance bound to call.
func (p *moduleProvider) instantiate(ctx context.Context, call *callState) (*bridge, func(), error) {
	ctx = withCallState(ctx, call)
	mod, err := p.host.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to instantiate provider %s: %w", p.name, err)
	}
	closer := func() { _ = mod.Close(context.Background()) }
	return newBridge(mod), closer, nil
}

func (p *moduleProvider) actions(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.host.cfg.Timeout)
	defer cancel()

	call := &callState{caps: p.caps, logger: p.host.logger, commander: p.host.cfg.Commander}
	b, closeModule, err := p.instantiate(ctx, call)
	if err != nil {
		return nil, err
	}
	defer closeModule()

	out, err := b.call(withCallState(ctx, call), "kokki_actions", nil)
	if err != nil {
		return nil, err
	}
	var actions []string
	if err := json.Unmarshal(out, &actions); err != nil {
		return nil, fmt.Errorf("provider %s returned invalid actions: %w", p.name, err)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("provider %s implements no actions", p.name)
	}
	return actions, nil
}

type dispatchRequest struct {
	Action   string          `json:"action"`
	Resource resourcePayload `json:"resource"`
}

type resourcePayload struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Attributes any    `json:"attributes,omitempty"`
}

type dispatchResponse struct {
	Updated bool   `json:"updated"`
	Error   string `json:"error,omitempty"`
}

func (p *moduleProvider) dispatch(ctx context.Context, env *engine.Environment, r *engine.Resource, action string) error {
	req, err := json.Marshal(dispatchRequest{
		Action: action,
		Resource: resourcePayload{
			Type:       r.Type,
			Name:       r.Name,
			Attributes: source.EncodeValue(r.Attributes),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", r.ID(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.host.cfg.Timeout)
	defer cancel()

	call := &callState{
		caps:      p.caps,
		logger:    env.Logger().WithResourceID(r.ID()),
		commander: p.host.cfg.Commander,
	}
	b, closeModule, err := p.instantiate(ctx, call)
	if err != nil {
		return err
	}
	defer closeModule()

	out, err := b.call(withCallState(ctx, call), "kokki_dispatch", req)
	if err != nil {
		return err
	}
	var resp dispatchResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return fmt.Errorf("provider %s returned an invalid response: %w", p.name, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("provider %s: %s", p.name, resp.Error)
	}
	r.Updated = resp.Updated
	return nil
}

// bridge moves JSON buffers in and out of one instance.
type bridge struct {
	mod api.Module
}

func newBridge(mod api.Module) *bridge { return &bridge{mod: mod} }

// call invokes fn(ptr, len) -> packed, or fn() -> packed when input is nil.
func (b *bridge) call(ctx context.Context, fn string, input []byte) ([]byte, error) {
	f := b.mod.ExportedFunction(fn)
	if f == nil {
		return nil, fmt.Errorf("module does not export %s", fn)
	}

	var params []uint64
	if input != nil {
		ptr, err := writeGuest(ctx, b.mod, input)
		if err != nil {
			return nil, err
		}
		defer freeGuest(ctx, b.mod, ptr)
		params = []uint64{uint64(ptr), uint64(len(input))}
	}

	results, err := f.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", fn, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", fn)
	}
	ptr, size := unpack(results[0])
	if size == 0 {
		return []byte("{}"), nil
	}
	out, ok := b.mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("%s returned an out of range buffer", fn)
	}
	// Read aliases guest memory, which free may reuse.
	buf := append([]byte(nil), out...)
	freeGuest(ctx, b.mod, ptr)
	return buf, nil
}

func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	res, err := mod.ExportedFunction("malloc").Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, fmt.Errorf("malloc returned a null pointer")
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes to guest memory", len(data))
	}
	return ptr, nil
}

func freeGuest(ctx context.Context, mod api.Module, ptr uint32) {
	_, _ = mod.ExportedFunction("free").Call(ctx, uint64(ptr))
}

func pack(ptr, size uint32) uint64 { return uint64(ptr)<<32 | uint64(size) }

func unpack(v uint64) (uint32, uint32) { return uint32(v >> 32), uint32(v) }
