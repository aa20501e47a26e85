package wasm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/providers"
)

// Offsets of the two data segments in a test module.
const (
	actionsOffset  = 16
	responseOffset = 1024
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, items ...[]byte) []byte {
	var body []byte
	for _, it := range items {
		body = append(body, it...)
	}
	out := append([]byte{id}, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func name(s string) []byte { return append(uleb(uint64(len(s))), s...) }

func body(code ...byte) []byte {
	b := append([]byte{0x00}, code...)
	return append(uleb(uint64(len(b))), b...)
}

func i64Const(v uint64) []byte { return append([]byte{0x42}, sleb(int64(v))...) }

func dataSegment(offset uint32, data string) []byte {
	seg := []byte{0x00, 0x41}
	seg = append(seg, sleb(int64(offset))...)
	seg = append(seg, 0x0b)
	seg = append(seg, uleb(uint64(len(data)))...)
	return append(seg, data...)
}

// providerModule assembles a provider whose kokki_actions returns actions and
// whose kokki_dispatch always returns response. malloc hands out a fixed
// scratch buffer at 4096.
func providerModule(actions, response string) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	mod = append(mod, section(1, []byte{0x04},
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},       // (i32) -> i32
		[]byte{0x60, 0x01, 0x7f, 0x00},             // (i32) -> ()
		[]byte{0x60, 0x00, 0x01, 0x7e},             // () -> i64
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}, // (i32, i32) -> i64
	)...)
	mod = append(mod, section(3, []byte{0x04, 0x00, 0x01, 0x02, 0x03})...)
	mod = append(mod, section(5, []byte{0x01, 0x00, 0x01})...)
	mod = append(mod, section(7, []byte{0x05},
		append(name("memory"), 0x02, 0x00),
		append(name("malloc"), 0x00, 0x00),
		append(name("free"), 0x00, 0x01),
		append(name("kokki_actions"), 0x00, 0x02),
		append(name("kokki_dispatch"), 0x00, 0x03),
	)...)

	mallocBody := body(0x41, 0x80, 0x20, 0x0b)
	freeBody := body(0x0b)
	actionsBody := body(append(i64Const(pack(actionsOffset, uint32(len(actions)))), 0x0b)...)
	dispatchBody := body(append(i64Const(pack(responseOffset, uint32(len(response)))), 0x0b)...)
	mod = append(mod, section(10, []byte{0x04}, mallocBody, freeBody, actionsBody, dispatchBody)...)

	mod = append(mod, section(11, []byte{0x02},
		dataSegment(actionsOffset, actions),
		dataSegment(responseOffset, response),
	)...)
	return mod
}

func newHost(t *testing.T, c providers.Commander) *Host {
	t.Helper()
	h, err := NewHost(context.Background(), Config{Commander: c})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })
	return h
}

func load(t *testing.T, h *Host, module []byte) (engine.ProviderFactory, error) {
	t.Helper()
	decl := config.ProviderDecl{Name: "vhost", Module: "providers/vhost.wasm"}
	return h.LoadProvider(context.Background(), "web", "Vhost", decl, module)
}

func TestLoadProviderRejectsMissingExports(t *testing.T) {
	h := newHost(t, nil)

	_, err := load(t, h, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export memory")

	_, err = load(t, h, []byte("not wasm"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile providers/vhost.wasm")
}

func TestLoadProviderRejectsBadActionList(t *testing.T) {
	h := newHost(t, nil)

	_, err := load(t, h, providerModule(`{"run":1}`, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid actions")

	_, err = load(t, h, providerModule(`[]`, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "implements no actions")
}

func TestDispatchSetsUpdated(t *testing.T) {
	h := newHost(t, nil)
	factory, err := load(t, h, providerModule(`["create","remove"]`, `{"updated":true}`))
	require.NoError(t, err)

	env := engine.New()
	r := &engine.Resource{
		Type:       "Vhost",
		Name:       "example.org",
		Actions:    []string{"create"},
		Factory:    factory,
		Attributes: map[string]any{"port": 8080},
	}

	p, err := factory(env, r)
	require.NoError(t, err)
	assert.Equal(t, "vhost", p.Name())
	assert.Len(t, p.Actions(), 2)

	require.NoError(t, env.AddResource(r))
	require.NoError(t, env.Converge(context.Background()))
	assert.True(t, r.Updated)
}

func TestDispatchReportsProviderError(t *testing.T) {
	h := newHost(t, nil)
	factory, err := load(t, h, providerModule(`["create"]`, `{"error":"vhost template missing"}`))
	require.NoError(t, err)

	env := engine.New()
	r := &engine.Resource{Type: "Vhost", Name: "example.org", Actions: []string{"create"}}
	p, err := factory(env, r)
	require.NoError(t, err)

	err = p.Actions()["create"](context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vhost template missing")
	assert.False(t, r.Updated)
}

type recordingCommander struct {
	name string
	args []string
	opts providers.CommandOptions
}

func (c *recordingCommander) Run(_ context.Context, opts providers.CommandOptions, name string, args ...string) (providers.CommandResult, error) {
	c.name, c.args, c.opts = name, args, opts
	return providers.CommandResult{Stdout: strings.Join(args, " ")}, nil
}

func TestExecCapability(t *testing.T) {
	cmd := &recordingCommander{}
	req := []byte(`{"command":"nginx","args":["-t"],"env":{"B":"2","A":"1"}}`)

	denied := &callState{caps: newCapabilities(nil), logger: callStateFrom(context.Background()).logger, commander: cmd}
	resp := runExec(context.Background(), denied, req)
	assert.Equal(t, -1, resp.ExitCode)
	assert.Equal(t, "capability exec not granted", resp.Error)
	assert.Empty(t, cmd.name)

	granted := &callState{caps: newCapabilities([]string{CapExec}), logger: denied.logger, commander: cmd}
	resp = runExec(context.Background(), granted, req)
	assert.Empty(t, resp.Error)
	assert.Equal(t, "-t", resp.Stdout)
	assert.Equal(t, "nginx", cmd.name)
	assert.Equal(t, []string{"A=1", "B=2"}, cmd.opts.Env)

	resp = runExec(context.Background(), granted, []byte(`{"args":["x"]}`))
	assert.Equal(t, "exec request has no command", resp.Error)
}

func TestCheckPath(t *testing.T) {
	assert.NoError(t, checkPath("/etc/nginx/nginx.conf"))
	assert.Error(t, checkPath("etc/nginx.conf"))
	assert.Error(t, checkPath("/etc/nginx/../shadow"))
	assert.Error(t, checkPath("/etc//nginx"))
}

func TestPackUnpack(t *testing.T) {
	ptr, size := unpack(pack(1024, 16))
	assert.Equal(t, uint32(1024), ptr)
	assert.Equal(t, uint32(16), size)
}
