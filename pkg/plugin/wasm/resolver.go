// Package wasm resolves plugins compiled to WebAssembly. Every exported
// function except the lifecycle hooks becomes a plugin method; numeric
// arguments and results are converted according to the function signature.
package wasm

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	apperrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// Exports treated as lifecycle hooks rather than methods.
const (
	ExportInit    = "init"
	ExportCleanup = "cleanup"
)

var reserved = []string{ExportInit, ExportCleanup, "_start", "_initialize"}

// DefaultMemoryLimitPages caps linear memory at 64MiB.
const DefaultMemoryLimitPages = 1024

// Option configures a Resolver.
type Option func(*Resolver)

// WithReader replaces the module reader, which defaults to reading entry.URI.
func WithReader(read func(ctx context.Context, entry plugin.RegistryEntry) ([]byte, error)) Option {
	return func(r *Resolver) {
		if read != nil {
			r.read = read
		}
	}
}

// WithMemoryLimitPages caps the linear memory of each module in 64KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(r *Resolver) {
		if pages > 0 {
			r.memoryPages = pages
		}
	}
}

// Resolver instantiates each plugin in its own wazero runtime. It
// implements plugin.Resolver.
type Resolver struct {
	read        func(ctx context.Context, entry plugin.RegistryEntry) ([]byte, error)
	memoryPages uint32
}

// NewResolver returns a wasm resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{read: plugin.ReadFileSource, memoryPages: DefaultMemoryLimitPages}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve implements plugin.Resolver.
func (r *Resolver) Resolve(ctx context.Context, entry plugin.RegistryEntry) (plugin.Handle, error) {
	bin, err := r.read(ctx, entry)
	if err != nil {
		return nil, err
	}
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(r.memoryPages)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile %s: %w", entry.ID, err)
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(entry.ID).
		WithStartFunctions("_initialize"))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate %s: %w", entry.ID, err)
	}

	h := &Handle{runtime: rt, module: mod, defs: make(map[string]api.FunctionDefinition)}
	for name, def := range compiled.ExportedFunctions() {
		if !slices.Contains(reserved, name) {
			h.defs[name] = def
		}
	}
	return h, nil
}

// Handle is an instantiated wasm module. Calls are serialised because a
// module instance is not safe for concurrent use.
type Handle struct {
	runtime wazero.Runtime
	module  api.Module
	defs    map[string]api.FunctionDefinition

	mu     sync.Mutex
	closed bool
}

// Methods implements plugin.Handle.
func (h *Handle) Methods() []string {
	return slices.Sorted(maps.Keys(h.defs))
}

// MemoryBytes reports the current size of the module's linear memory.
func (h *Handle) MemoryBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.module.Memory() == nil {
		return 0
	}
	return uint64(h.module.Memory().Size())
}

// Call implements plugin.Handle.
func (h *Handle) Call(ctx context.Context, method string, args []any) (any, error) {
	if _, ok := h.defs[method]; !ok {
		return nil, apperrors.New(plugin.CodeMethodNotFound, fmt.Sprintf("method %s not exported", method))
	}
	return h.call(ctx, method, args)
}

// Init implements plugin.Initializer by calling the `init` export when present.
func (h *Handle) Init(ctx context.Context) error {
	if h.module.ExportedFunction(ExportInit) == nil {
		return nil
	}
	_, err := h.call(ctx, ExportInit, nil)
	return err
}

// Cleanup implements plugin.Cleaner. It calls the `cleanup` export when
// present and closes the runtime.
func (h *Handle) Cleanup(ctx context.Context) error {
	var err error
	if h.module.ExportedFunction(ExportCleanup) != nil {
		_, err = h.call(ctx, ExportCleanup, nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return err
	}
	h.closed = true
	if cerr := h.runtime.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (h *Handle) call(ctx context.Context, name string, args []any) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("wasm module closed")
	}
	fn := h.module.ExportedFunction(name)
	if fn == nil {
		return nil, apperrors.New(plugin.CodeMethodNotFound, fmt.Sprintf("method %s not exported", name))
	}
	def := fn.Definition()
	params, err := encodeParams(def.ParamTypes(), args)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, fmt.Sprintf("arguments of %s", name))
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		if ctx.Err() != nil {
			// wazero closes the module once ctx is done.
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("wasm %s: %w", name, err)
	}
	return decodeResults(def.ResultTypes(), results), nil
}

func encodeParams(types []api.ValueType, args []any) ([]uint64, error) {
	if len(args) != len(types) {
		return nil, fmt.Errorf("want %d arguments, got %d", len(types), len(args))
	}
	out := make([]uint64, len(args))
	for i, t := range types {
		switch t {
		case api.ValueTypeI32:
			n, ok := toInt64(args[i])
			if !ok {
				return nil, fmt.Errorf("argument %d: %T is not an integer", i, args[i])
			}
			out[i] = api.EncodeI32(int32(n))
		case api.ValueTypeI64:
			n, ok := toInt64(args[i])
			if !ok {
				return nil, fmt.Errorf("argument %d: %T is not an integer", i, args[i])
			}
			out[i] = api.EncodeI64(n)
		case api.ValueTypeF32:
			f, ok := toFloat64(args[i])
			if !ok {
				return nil, fmt.Errorf("argument %d: %T is not a number", i, args[i])
			}
			out[i] = api.EncodeF32(float32(f))
		case api.ValueTypeF64:
			f, ok := toFloat64(args[i])
			if !ok {
				return nil, fmt.Errorf("argument %d: %T is not a number", i, args[i])
			}
			out[i] = api.EncodeF64(f)
		default:
			return nil, fmt.Errorf("argument %d: unsupported type %s", i, api.ValueTypeName(t))
		}
	}
	return out, nil
}

func decodeResults(types []api.ValueType, raw []uint64) any {
	vals := make([]any, len(raw))
	for i, r := range raw {
		switch types[i] {
		case api.ValueTypeI32:
			vals[i] = int64(api.DecodeI32(r))
		case api.ValueTypeI64:
			vals[i] = int64(r)
		case api.ValueTypeF32:
			vals[i] = float64(api.DecodeF32(r))
		case api.ValueTypeF64:
			vals[i] = api.DecodeF64(r)
		default:
			vals[i] = r
		}
	}
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return vals[0]
	default:
		return vals
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
