package llm

import (
	"fmt"
	"sort"
	"strings"
)

// Factory builds a provider client bound to one API key.
type Factory func(apiKey string) (Provider, error)

// Registry resolves provider identifiers to client factories. It is populated
// once at construction and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory. Registering the same name twice panics.
func (r *Registry) Register(name string, factory Factory) {
	name = NormalizeName(name)
	if name == "" || factory == nil {
		panic("llm: register requires a name and factory")
	}
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("llm: provider %q registered twice", name))
	}
	r.factories[name] = factory
}

func (r *Registry) Has(name string) bool {
	_, ok := r.factories[NormalizeName(name)]
	return ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds a client for name using apiKey. A missing key or a factory
// failure yields an UnavailableError.
func (r *Registry) Open(name, apiKey string) (Provider, error) {
	name = NormalizeName(name)
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, Unavailable(name, "no credential configured")
	}
	provider, err := factory(apiKey)
	if err != nil {
		return nil, Unavailable(name, err.Error())
	}
	return provider, nil
}

// NormalizeName lowercases and trims a provider identifier.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
