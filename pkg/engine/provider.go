package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ActionFunc performs one action against the real system. Implementations set
// the bound resource's Updated flag when they change state.
type ActionFunc func(ctx context.Context) error

// Provider is bound to a single resource at dispatch time and exposes one
// handler per supported action name.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	// Actions returns the supported actions keyed by name.
	Actions() map[string]ActionFunc
}

// ProviderFactory builds a provider bound to r.
type ProviderFactory func(env *Environment, r *Resource) (Provider, error)

// ActionSet is a Provider built from a name and an action table. Most
// providers embed or return one.
type ActionSet struct {
	ProviderName string
	Handlers     map[string]ActionFunc
}

// Name implements Provider.
func (a *ActionSet) Name() string { return a.ProviderName }

// Actions implements Provider.
func (a *ActionSet) Actions() map[string]ActionFunc { return a.Handlers }

// Registry maps (resource type, provider name) to provider factories, with a
// default provider name per resource type.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]map[string]ProviderFactory
	defaults  map[string]string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]map[string]ProviderFactory),
		defaults:  make(map[string]string),
	}
}

// Register adds a factory for (resourceType, name). The first provider
// registered for a type becomes its default.
func (r *Registry) Register(resourceType, name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.factories[resourceType] == nil {
		r.factories[resourceType] = make(map[string]ProviderFactory)
	}
	r.factories[resourceType][name] = factory
	if _, ok := r.defaults[resourceType]; !ok {
		r.defaults[resourceType] = name
	}
}

// SetDefault selects the provider used when a resource names none.
func (r *Registry) SetDefault(resourceType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[resourceType][name]; !ok {
		return fmt.Errorf("provider %s is not registered for %s", name, resourceType)
	}
	r.defaults[resourceType] = name
	return nil
}

// Lookup resolves a factory. An empty name selects the type's default.
func (r *Registry) Lookup(resourceType, name string) (ProviderFactory, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaults[resourceType]
	}
	factory, ok := r.factories[resourceType][name]
	if !ok {
		if name == "" {
			return nil, "", fmt.Errorf("no provider registered for resource type %s", resourceType)
		}
		return nil, "", fmt.Errorf("provider %s not registered for resource type %s", name, resourceType)
	}
	return factory, name, nil
}

// Types returns the registered resource types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Providers returns the provider names registered for resourceType.
func (r *Registry) Providers(resourceType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories[resourceType]))
	for n := range r.factories[resourceType] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
