// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownType   = errors.New("unknown protocol type")
	ErrDuplicateType = errors.New("protocol type already registered")
)

// Factory creates a fresh, unconnected Driver.
type Factory func() (Driver, error)

// Registry maps protocol types to driver factories. It is owned by the
// process that builds the engine and passed in explicitly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for the given protocol type.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" {
		return fmt.Errorf("protocol type cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("factory for %q cannot be nil", typ)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typ)
	}
	r.factories[typ] = f
	return nil
}

// New creates a driver for the given protocol type.
func (r *Registry) New(typ string) (Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}

	d, err := f()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", typ, err)
	}
	return d, nil
}

// Types returns the registered protocol types in sorted order.
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
