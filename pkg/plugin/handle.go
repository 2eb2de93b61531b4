package plugin

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"

	apperrors "PluginRuntime/internal/errors"
)

// Handle is the loaded, callable form of a plugin module.
type Handle interface {
	// Call invokes an exported method.
	Call(ctx context.Context, method string, args []any) (any, error)
	// Methods lists the exported method names.
	Methods() []string
}

// Initializer is implemented by handles that need set-up after resolution.
type Initializer interface {
	Init(ctx context.Context) error
}

// Cleaner is implemented by handles that release resources on unload.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Method is a single exported function of an in-process plugin.
type Method func(ctx context.Context, args []any) (any, error)

// MethodTable is a Handle backed by Go functions. Init and Cleanup hooks are optional.
type MethodTable struct {
	Funcs     map[string]Method
	OnInit    func(ctx context.Context) error
	OnCleanup func(ctx context.Context) error
}

// Call implements Handle.
func (t *MethodTable) Call(ctx context.Context, method string, args []any) (any, error) {
	fn, ok := t.Funcs[method]
	if !ok {
		return nil, apperrors.New(CodeMethodNotFound, fmt.Sprintf("method %s not exported", method))
	}
	return fn(ctx, args)
}

// Methods implements Handle.
func (t *MethodTable) Methods() []string {
	return slices.Sorted(maps.Keys(t.Funcs))
}

// Init implements Initializer.
func (t *MethodTable) Init(ctx context.Context) error {
	if t.OnInit == nil {
		return nil
	}
	return t.OnInit(ctx)
}

// Cleanup implements Cleaner.
func (t *MethodTable) Cleanup(ctx context.Context) error {
	if t.OnCleanup == nil {
		return nil
	}
	return t.OnCleanup(ctx)
}

// Resolver turns a registry entry into a Handle.
type Resolver interface {
	Resolve(ctx context.Context, entry RegistryEntry) (Handle, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, entry RegistryEntry) (Handle, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, entry RegistryEntry) (Handle, error) {
	return f(ctx, entry)
}

// SourceProvider is implemented by resolvers that can expose the module
// source for pre-load scanning.
type SourceProvider interface {
	Source(ctx context.Context, entry RegistryEntry) ([]byte, error)
}

// ReadFileSource reads entry.URI from disk.
func ReadFileSource(_ context.Context, entry RegistryEntry) ([]byte, error) {
	if entry.URI == "" {
		return nil, nil
	}
	return os.ReadFile(entry.URI)
}

// Resolvers dispatches to a resolver registered for the entry's source.
type Resolvers struct {
	mu     sync.RWMutex
	bySrc  map[Source]Resolver
	byName map[string]Handle
}

// NewResolvers returns an empty dispatcher. Builtin handles are registered
// with RegisterBuiltin and resolved by entry id.
func NewResolvers() *Resolvers {
	return &Resolvers{bySrc: make(map[Source]Resolver), byName: make(map[string]Handle)}
}

// Register binds a resolver to a source kind.
func (r *Resolvers) Register(src Source, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySrc[src] = res
}

// RegisterBuiltin makes an in-process handle resolvable under id.
func (r *Resolvers) RegisterBuiltin(id string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[id] = h
}

// Resolve implements Resolver.
func (r *Resolvers) Resolve(ctx context.Context, entry RegistryEntry) (Handle, error) {
	res, err := r.lookup(entry)
	if err != nil {
		return nil, err
	}
	return res.Resolve(ctx, entry)
}

// Source implements SourceProvider by delegating when the underlying resolver supports it.
func (r *Resolvers) Source(ctx context.Context, entry RegistryEntry) ([]byte, error) {
	res, err := r.lookup(entry)
	if err != nil {
		return nil, err
	}
	if sp, ok := res.(SourceProvider); ok {
		return sp.Source(ctx, entry)
	}
	return nil, nil
}

func (r *Resolvers) lookup(entry RegistryEntry) (Resolver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry.Source == SourceBuiltin || entry.Source == "" {
		if h, ok := r.byName[entry.ID]; ok {
			return ResolverFunc(func(context.Context, RegistryEntry) (Handle, error) { return h, nil }), nil
		}
	}
	res, ok := r.bySrc[entry.Source]
	if !ok {
		return nil, apperrors.New(CodeLoadFailure, fmt.Sprintf("no resolver for source %q", entry.Source))
	}
	return res, nil
}
