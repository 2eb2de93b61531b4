package plugin

import (
	"context"
	"errors"
	"fmt"
	goplugin "plugin"
)

// GoPluginResolver opens Go shared objects built with -buildmode=plugin.
// The object must export a `Plugin` symbol that is a Handle, a *Handle or a
// func() Handle.
type GoPluginResolver struct{}

// Resolve implements Resolver.
func (GoPluginResolver) Resolve(_ context.Context, entry RegistryEntry) (Handle, error) {
	if entry.URI == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(entry.URI)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", entry.URI, err)
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	return handleFromSymbol(symbol)
}

func handleFromSymbol(symbol any) (Handle, error) {
	switch p := symbol.(type) {
	case Handle:
		return p, nil
	case *Handle:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Handle:
		h := p()
		if h == nil {
			return nil, errors.New("plugin constructor returned nil")
		}
		return h, nil
	default:
		return nil, fmt.Errorf("plugin symbol %T does not implement plugin.Handle", symbol)
	}
}
