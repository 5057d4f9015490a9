package adapters

import (
	"sort"
	"strings"

	"github.com/settleco/settle/internal/processor/domain"
)

// Factory builds a configured adapter for one provider. Construction
// reads credentials from env; a factory must fail when required
// credentials are absent rather than return a half-configured adapter.
type Factory interface {
	Provider() string
	New(env domain.Env) (domain.Adapter, error)
}

// Registry is the static table of known adapter factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry indexes factories by provider name.
func NewRegistry(factories ...Factory) *Registry {
	table := make(map[string]Factory, len(factories))
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if name == "" {
			continue
		}
		table[name] = factory
	}
	return &Registry{factories: table}
}

// ProviderExists reports whether a factory is registered for name.
func (r *Registry) ProviderExists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// New constructs the named adapter with credentials from env.
func (r *Registry) New(name string, env domain.Env) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrUnknownProcessor
	}
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrUnknownProcessor
	}
	return factory.New(env)
}

// Providers returns registered provider names, sorted.
func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
