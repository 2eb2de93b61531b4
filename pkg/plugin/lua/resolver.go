// Package lua resolves plugins written as Lua scripts. A script returns a
// module table whose function fields are the exported methods; the
// optional `init` and `cleanup` fields are lifecycle hooks.
//
//	local M = {}
//	function M.greet(name) return "hello " .. name end
//	return M
package lua

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	lua "github.com/yuin/gopher-lua"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/logger"
	"PluginRuntime/pkg/plugin"
)

const (
	hookInit    = "init"
	hookCleanup = "cleanup"
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithReader replaces the source reader, which defaults to reading entry.URI.
func WithReader(read func(ctx context.Context, entry plugin.RegistryEntry) ([]byte, error)) Option {
	return func(r *Resolver) {
		if read != nil {
			r.read = read
		}
	}
}

// Resolver loads Lua plugins in a restricted interpreter. It implements
// plugin.Resolver and plugin.SourceProvider.
type Resolver struct {
	read func(ctx context.Context, entry plugin.RegistryEntry) ([]byte, error)
}

// NewResolver returns a Lua resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{read: plugin.ReadFileSource}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source implements plugin.SourceProvider.
func (r *Resolver) Source(ctx context.Context, entry plugin.RegistryEntry) ([]byte, error) {
	return r.read(ctx, entry)
}

// Resolve implements plugin.Resolver.
func (r *Resolver) Resolve(ctx context.Context, entry plugin.RegistryEntry) (plugin.Handle, error) {
	src, err := r.read(ctx, entry)
	if err != nil {
		return nil, err
	}
	L := newState()
	log := logger.ForPlugin("lua", entry.ID)
	installHost(L, entry, log)

	fn, err := L.LoadString(string(src))
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile %s: %w", entry.ID, err)
	}
	L.SetContext(ctx)
	err = L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true})
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("run %s: %w", entry.ID, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	module, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("script %s must return a module table, got %s", entry.ID, ret.Type())
	}

	h := &Handle{L: L, module: module, log: log}
	module.ForEach(func(k, v lua.LValue) {
		name, isStr := k.(lua.LString)
		if _, isFn := v.(*lua.LFunction); isStr && isFn && name != hookInit && name != hookCleanup {
			h.methods = append(h.methods, string(name))
		}
	})
	slices.Sort(h.methods)
	return h, nil
}

// newState opens only the base, table, string and math libraries and
// removes the chunk loaders from the globals.
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// installHost exposes the `host` table: host.id, host.log(msg, ...) and
// host.config(key).
func installHost(L *lua.LState, entry plugin.RegistryEntry, log *slog.Logger) {
	host := L.NewTable()
	host.RawSetString("id", lua.LString(entry.ID))
	host.RawSetString("version", lua.LString(entry.Metadata.Version))
	host.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		var attrs []any
		for i := 2; i+1 <= L.GetTop(); i += 2 {
			attrs = append(attrs, L.Get(i).String(), toGo(L.Get(i+1)))
		}
		log.Info(msg, attrs...)
		return 0
	}))
	cfg := maps.Clone(entry.Config)
	host.RawSetString("config", L.NewFunction(func(L *lua.LState) int {
		L.Push(toLua(L, cfg[L.CheckString(1)]))
		return 1
	}))
	L.SetGlobal("host", host)
}

// Handle is a loaded Lua module. Calls are serialised because an LState
// is single threaded.
type Handle struct {
	L       *lua.LState
	module  *lua.LTable
	methods []string
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Methods implements plugin.Handle.
func (h *Handle) Methods() []string { return slices.Clone(h.methods) }

// Call implements plugin.Handle. Cancelling ctx aborts the running script.
func (h *Handle) Call(ctx context.Context, method string, args []any) (any, error) {
	if method == hookInit || method == hookCleanup {
		return nil, apperrors.New(plugin.CodeMethodNotFound, fmt.Sprintf("method %s not exported", method))
	}
	return h.invoke(ctx, method, args, false)
}

// Init implements plugin.Initializer.
func (h *Handle) Init(ctx context.Context) error {
	_, err := h.invoke(ctx, hookInit, nil, true)
	return err
}

// Cleanup implements plugin.Cleaner and closes the interpreter.
func (h *Handle) Cleanup(ctx context.Context) error {
	_, err := h.invoke(ctx, hookCleanup, nil, true)
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.L.Close()
	}
	return err
}

func (h *Handle) invoke(ctx context.Context, name string, args []any, optional bool) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("lua state closed")
	}
	fn, ok := h.module.RawGetString(name).(*lua.LFunction)
	if !ok {
		if optional {
			return nil, nil
		}
		return nil, apperrors.New(plugin.CodeMethodNotFound, fmt.Sprintf("method %s not exported", name))
	}
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(h.L, a)
	}

	h.L.SetContext(ctx)
	defer h.L.RemoveContext()
	top := h.L.GetTop()
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, largs...); err != nil {
		h.L.SetTop(top)
		h.log.Debug("lua call failed", "method", name, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("lua %s: %w", name, err)
	}
	ret := h.L.Get(-1)
	h.L.Pop(1)
	return toGo(ret), nil
}
