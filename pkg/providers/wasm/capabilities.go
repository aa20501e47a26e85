package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/kokki/pkg/providers"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// Capabilities a provider can be granted in cookbook metadata.
const (
	CapFSRead  = "fs:read"
	CapFSWrite = "fs:write"
	CapExec    = "exec"
)

// write_file status codes.
const (
	statusOK     uint32 = 0
	statusFailed uint32 = 1
	statusDenied uint32 = 2
)

type capabilities map[string]bool

func newCapabilities(granted []string) capabilities {
	c := make(capabilities, len(granted))
	for _, g := range granted {
		c[g] = true
	}
	return c
}

func (c capabilities) require(name string) error {
	if !c[name] {
		return fmt.Errorf("capability %s not granted", name)
	}
	return nil
}

// checkPath rejects relative paths and paths that escape through "..".
func checkPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q is not absolute", path)
	}
	if filepath.Clean(path) != path {
		return fmt.Errorf("path %q is not clean", path)
	}
	return nil
}

// callState is what host functions see of the dispatch that invoked them.
type callState struct {
	caps      capabilities
	logger    *telemetry.Logger
	commander providers.Commander
}

type callStateKey struct{}

func withCallState(ctx context.Context, s *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, s)
}

func callStateFrom(ctx context.Context) *callState {
	if s, ok := ctx.Value(callStateKey{}).(*callState); ok {
		return s
	}
	return &callState{caps: capabilities{}, logger: telemetry.NopLogger()}
}

type execRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// hostModule builds the "kokki" import namespace.
func (h *Host) hostModule() wazero.HostModuleBuilder {
	return h.runtime.NewHostModuleBuilder("kokki").
		NewFunctionBuilder().WithFunc(hostLog).Export("log").
		NewFunctionBuilder().WithFunc(hostReadFile).Export("read_file").
		NewFunctionBuilder().WithFunc(hostWriteFile).Export("write_file").
		NewFunctionBuilder().WithFunc(hostExec).Export("exec")
}

func readString(mod api.Module, ptr, size uint32) (string, bool) {
	b, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return "", false
	}
	return string(b), true
}

// hostLog writes a guest message at level 0 debug, 1 info, 2 warn, 3 error.
func hostLog(ctx context.Context, mod api.Module, level, ptr, size uint32) {
	msg, ok := readString(mod, ptr, size)
	if !ok {
		return
	}
	l := callStateFrom(ctx).logger
	switch level {
	case 0:
		l.Debug(msg)
	case 1:
		l.Info(msg)
	case 2:
		l.Warn(msg)
	default:
		l.Error(msg)
	}
}

// hostReadFile returns the packed file contents, or 0 when the read is
// denied or fails.
func hostReadFile(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	s := callStateFrom(ctx)
	path, ok := readString(mod, ptr, size)
	if !ok {
		return 0
	}
	if err := s.caps.require(CapFSRead); err != nil {
		s.logger.Warnf("read_file %s: %v", path, err)
		return 0
	}
	if err := checkPath(path); err != nil {
		s.logger.Warnf("read_file: %v", err)
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debugf("read_file %s: %v", path, err)
		return 0
	}
	return returnBuffer(ctx, mod, data)
}

func hostWriteFile(ctx context.Context, mod api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
	s := callStateFrom(ctx)
	path, ok := readString(mod, pathPtr, pathLen)
	if !ok {
		return statusFailed
	}
	if err := s.caps.require(CapFSWrite); err != nil {
		s.logger.Warnf("write_file %s: %v", path, err)
		return statusDenied
	}
	if err := checkPath(path); err != nil {
		s.logger.Warnf("write_file: %v", err)
		return statusDenied
	}
	data, ok := mod.Memory().Read(dataPtr, dataLen)
	if !ok {
		return statusFailed
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warnf("write_file %s: %v", path, err)
		return statusFailed
	}
	return statusOK
}

// hostExec runs an execRequest and returns a packed execResponse.
func hostExec(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
	s := callStateFrom(ctx)
	raw, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return 0
	}
	resp := runExec(ctx, s, raw)
	out, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	return returnBuffer(ctx, mod, out)
}

func runExec(ctx context.Context, s *callState, raw []byte) execResponse {
	if err := s.caps.require(CapExec); err != nil {
		return execResponse{ExitCode: -1, Error: err.Error()}
	}
	var req execRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return execResponse{ExitCode: -1, Error: fmt.Sprintf("invalid exec request: %v", err)}
	}
	if req.Command == "" {
		return execResponse{ExitCode: -1, Error: "exec request has no command"}
	}
	if s.commander == nil {
		return execResponse{ExitCode: -1, Error: "no command runner configured"}
	}
	s.logger.Debugf("exec %s %v", req.Command, req.Args)
	opts := providers.CommandOptions{Dir: req.Dir}
	for k, v := range req.Env {
		opts.Env = append(opts.Env, k+"="+v)
	}
	sort.Strings(opts.Env)
	res, err := s.commander.Run(ctx, opts, req.Command, req.Args...)
	if err != nil {
		return execResponse{ExitCode: -1, Error: err.Error()}
	}
	return execResponse{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
}

// returnBuffer copies data into guest memory allocated with the module's
// malloc. The guest owns and frees it.
func returnBuffer(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	ptr, err := writeGuest(ctx, mod, data)
	if err != nil {
		callStateFrom(ctx).logger.Warnf("failed to return buffer to guest: %v", err)
		return 0
	}
	return pack(ptr, uint32(len(data)))
}
