// Package plugin is the provider registry. Provider packages register a
// factory for each speech recognizer, reply generator or synthesizer they
// offer from init, and the service builds the configured ones once at startup.
package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Kind names the provider role a plugin fills.
type Kind string

const (
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

// Factory creates a provider instance from its options map. The result must
// implement the interface that matches the plugin's Kind.
type Factory func(cfg map[string]any) (any, error)

// Plugin represents a registered plugin with its metadata.
type Plugin struct {
	Kind        Kind
	Name        string // e.g. "openai", "cartesia"
	Factory     Factory
	Description string
	Version     string
	Config      map[string]any // documented options and their defaults
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[Kind]map[string]*Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[Kind]map[string]*Plugin)}
}

var globalRegistry = NewRegistry()

// Default returns the process-wide registry that init-time registrations use.
func Default() *Registry { return globalRegistry }

// Register adds a plugin to the global registry. It is normally called from
// a provider package's init and panics on duplicates.
func Register(kind Kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a fully described plugin to the global registry.
func RegisterWithMetadata(p *Plugin) {
	globalRegistry.RegisterWithMetadata(p)
}

// Get retrieves a factory from the global registry.
func Get(kind Kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns the global registry's plugins of kind, or all when kind is empty.
func List(kind Kind) []*Plugin {
	return globalRegistry.List(kind)
}

// ListKinds returns the kinds present in the global registry.
func ListKinds() []Kind {
	return globalRegistry.ListKinds()
}

// Register adds a plugin to this registry.
func (r *Registry) Register(kind Kind, name string, factory Factory) {
	r.RegisterWithMetadata(&Plugin{Kind: kind, Name: name, Factory: factory})
}

// RegisterWithMetadata adds p to this registry. Panics if p is incomplete or
// already registered.
func (r *Registry) RegisterWithMetadata(p *Plugin) {
	if p.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if p.Name == "" {
		panic("plugin name cannot be empty")
	}
	if p.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plugins[p.Kind] == nil {
		r.plugins[p.Kind] = make(map[string]*Plugin)
	}
	if existing, exists := r.plugins[p.Kind][p.Name]; exists {
		panic(fmt.Sprintf("plugin %s/%s already registered (existing version: %s, new version: %s)",
			p.Kind, p.Name, existing.Version, p.Version))
	}
	r.plugins[p.Kind][p.Name] = p
}

// Get retrieves a factory from this registry.
func (r *Registry) Get(kind Kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.plugins[kind][name]
	if !exists {
		return nil, false
	}
	return p.Factory, true
}

// List returns plugins of kind, or every plugin when kind is empty, sorted by
// kind then name.
func (r *Registry) List(kind Kind) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plugins []*Plugin
	for k, byName := range r.plugins {
		if kind != "" && k != kind {
			continue
		}
		for _, p := range byName {
			plugins = append(plugins, p)
		}
	}

	sort.Slice(plugins, func(i, j int) bool {
		if plugins[i].Kind != plugins[j].Kind {
			return plugins[i].Kind < plugins[j].Kind
		}
		return plugins[i].Name < plugins[j].Name
	})
	return plugins
}

// ListKinds returns all registered kinds in sorted order.
func (r *Registry) ListKinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.plugins))
	for kind := range r.plugins {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Clear removes every plugin. Used by tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[Kind]map[string]*Plugin)
}
