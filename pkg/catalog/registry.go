package catalog

import (
	_ "embed"
	"fmt"
	"sync"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// Default returns the built-in catalog
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Registry holds the current catalog and enforces key immutability across
// reloads
type Registry struct {
	mu      sync.RWMutex
	current *Catalog
}

// NewRegistry creates a registry seeded with c
func NewRegistry(c *Catalog) *Registry {
	return &Registry{current: c}
}

// Current returns the active catalog snapshot
func (r *Registry) Current() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Replace swaps in next. Module and submodule keys are immutable once
// published: a catalog that drops an existing key, or moves a submodule to
// another parent, is rejected and the current catalog stays active.
func (r *Registry) Replace(next *Catalog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := compatible(r.current, next); err != nil {
		return err
	}
	r.current = next
	return nil
}

func compatible(prev, next *Catalog) error {
	if prev == nil {
		return nil
	}
	for _, key := range prev.moduleKeys {
		if !next.HasModule(key) {
			return fmt.Errorf("%w: module %q cannot be removed", ErrInvalidCatalog, key)
		}
		for sub := range prev.submodules[key] {
			if !next.HasSubmodule(key, sub) {
				return fmt.Errorf("%w: submodule %q of %q cannot be removed or moved", ErrInvalidCatalog, sub, key)
			}
		}
	}
	return nil
}
