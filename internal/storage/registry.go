package storage

import (
	"fmt"
	"sort"
	"sync"
)

type Registration struct {
	Alias     string
	Bucket    string
	Endpoint  string
	Region    string
	Anonymous bool
	Store     ObjectStore
}

// Registry maps storage aliases to registered object stores. Registering an
// alias again replaces the earlier entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]Registration{}}
}

func (r *Registry) Register(reg Registration) error {
	if err := ValidateAlias(reg.Alias); err != nil {
		return err
	}
	if reg.Store == nil {
		return fmt.Errorf("object store is required for alias %q", reg.Alias)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[reg.Alias] = reg
	return nil
}

func (r *Registry) Lookup(alias string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[alias]
	return reg, ok
}

func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aliases := make([]string, 0, len(r.entries))
	for alias := range r.entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}
