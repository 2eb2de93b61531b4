package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"PluginRuntime/pkg/plugin/sandbox"
)

// RegistryFile is the YAML document describing known plugins.
type RegistryFile struct {
	PluginDir string          `yaml:"pluginDir"`
	Sandbox   sandbox.Policy  `yaml:"sandbox"`
	Plugins   []RegistryEntry `yaml:"plugins"`
}

// Registry yields registry entries by id.
type Registry interface {
	Get(id string) (RegistryEntry, bool)
	List() []RegistryEntry
}

// FileRegistry is a Registry backed by a YAML file.
type FileRegistry struct {
	mu      sync.RWMutex
	path    string
	entries map[string]RegistryEntry
	order   []string
}

// LoadRegistry reads and validates a registry file.
func LoadRegistry(path string) (*FileRegistry, error) {
	if path == "" {
		return nil, errors.New("registry path cannot be empty")
	}
	r := &FileRegistry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the file backing the registry.
func (r *FileRegistry) Path() string { return r.path }

// Reload re-reads the registry file.
func (r *FileRegistry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read plugin registry: %w", err)
	}
	doc, err := ParseRegistry(raw, filepath.Dir(r.path))
	if err != nil {
		return err
	}
	entries := make(map[string]RegistryEntry, len(doc.Plugins))
	order := make([]string, 0, len(doc.Plugins))
	for _, e := range doc.Plugins {
		entries[e.ID] = e
		order = append(order, e.ID)
	}
	r.mu.Lock()
	r.entries, r.order = entries, order
	r.mu.Unlock()
	return nil
}

// ParseRegistry decodes and normalises a registry document. Relative
// plugin URIs resolve against pluginDir, or baseDir when pluginDir is unset.
func ParseRegistry(raw []byte, baseDir string) (RegistryFile, error) {
	var doc RegistryFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("unmarshal plugin registry: %w", err)
	}
	dir := doc.PluginDir
	if dir == "" {
		dir = baseDir
	} else if !filepath.IsAbs(dir) && baseDir != "" {
		dir = filepath.Join(baseDir, dir)
	}
	seen := make(map[string]struct{}, len(doc.Plugins))
	for i := range doc.Plugins {
		e := &doc.Plugins[i]
		if e.ID == "" {
			e.ID = e.Metadata.ID
		}
		if e.ID == "" {
			return doc, fmt.Errorf("plugin #%d: id cannot be empty", i)
		}
		if e.Metadata.ID == "" {
			e.Metadata.ID = e.ID
		}
		if e.Metadata.ID != e.ID {
			return doc, fmt.Errorf("plugin id mismatch: %s != %s", e.Metadata.ID, e.ID)
		}
		if _, dup := seen[e.ID]; dup {
			return doc, fmt.Errorf("plugin %s registered twice", e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Status == "" {
			e.Status = StatusActive
		}
		if e.Source == "" {
			e.Source = inferSource(e.URI)
		}
		if e.URI != "" && !isRemote(e.URI) && !filepath.IsAbs(e.URI) && dir != "" {
			e.URI = filepath.Join(dir, e.URI)
		}
		// Unset fields, Enabled included, fall through to the loader default.
		if e.Sandbox != nil {
			merged := e.Sandbox.Merge(doc.Sandbox)
			e.Sandbox = &merged
		} else if e.Metadata.Sandboxed {
			p := doc.Sandbox
			e.Sandbox = &p
		}
	}
	return doc, nil
}

func inferSource(uri string) Source {
	switch {
	case uri == "":
		return SourceBuiltin
	case isRemote(uri):
		return SourceRemote
	case strings.HasSuffix(uri, ".lua"):
		return SourceLua
	case strings.HasSuffix(uri, ".wasm"):
		return SourceWasm
	case strings.HasSuffix(uri, ".so"):
		return SourceGoPlugin
	default:
		return SourceLocal
	}
}

func isRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// Get implements Registry.
func (r *FileRegistry) Get(id string) (RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List implements Registry. Entries keep file order.
func (r *FileRegistry) List() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Active returns entries with status active.
func (r *FileRegistry) Active() []RegistryEntry {
	return slices.DeleteFunc(r.List(), func(e RegistryEntry) bool { return e.Status != StatusActive })
}
