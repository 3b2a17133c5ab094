// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"fmt"
	"sync"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

// RawCatalog pairs a backend name with its unfiltered capability list, in
// descriptor insertion order.
type RawCatalog struct {
	Backend      string
	Capabilities *gateway.CapabilityList
}

// Aggregator runs the full pipeline: per-backend filter and rename, then
// conflict resolution into a route map. Construction compiles all globs, so
// Aggregate itself cannot fail on configuration.
//
// The reload coordinator mutates the filter set while registry rebuilds
// read it, so the map is guarded.
type Aggregator struct {
	resolver Resolver

	mu      sync.RWMutex
	filters map[string]*Filter
}

// New builds an Aggregator from the backend descriptors and the conflict
// configuration.
func New(backends []config.BackendConfig, conflict config.ConflictResolutionConfig) (*Aggregator, error) {
	resolver, err := NewResolver(conflict)
	if err != nil {
		return nil, err
	}

	filters := make(map[string]*Filter, len(backends))
	for i := range backends {
		f, err := NewFilter(&backends[i])
		if err != nil {
			return nil, err
		}
		filters[backends[i].Name] = f
	}
	return &Aggregator{filters: filters, resolver: resolver}, nil
}

// UpdateBackend replaces the compiled filter of one backend. Used by the
// reload coordinator for added and changed descriptors.
func (a *Aggregator) UpdateBackend(b *config.BackendConfig) error {
	f, err := NewFilter(b)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.filters[b.Name] = f
	a.mu.Unlock()
	return nil
}

// RemoveBackend forgets a backend's filter.
func (a *Aggregator) RemoveBackend(name string) {
	a.mu.Lock()
	delete(a.filters, name)
	a.mu.Unlock()
}

// Aggregate filters each raw catalog and merges the results. Catalogs must
// be supplied in descriptor insertion order; that order is the conflict
// tie-break. A backend with no compiled filter passes through unfiltered.
func (a *Aggregator) Aggregate(raw []RawCatalog) (*Result, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	filtered := make([]BackendCatalog, 0, len(raw))
	for _, catalog := range raw {
		f, ok := a.filters[catalog.Backend]
		if !ok {
			return nil, fmt.Errorf("no filter registered for backend %q", catalog.Backend)
		}
		filtered = append(filtered, BackendCatalog{
			Backend:      catalog.Backend,
			Capabilities: f.Apply(catalog.Capabilities),
		})
	}
	return a.resolver.Resolve(filtered)
}
