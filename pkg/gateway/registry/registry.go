// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the authoritative aggregated catalog and route map.
// The published state is an immutable value behind an atomic pointer:
// readers never block, never allocate on the hot path, and always observe
// either the pre-publish or the post-publish map, never a mixture.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/aggregator"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// CatalogSource supplies the raw catalogs of all currently routable
// backends, in descriptor insertion order. The client manager implements
// this.
type CatalogSource interface {
	RoutableCatalogs() []aggregator.RawCatalog
}

// Auditor receives capability_dropped events emitted during a rebuild.
type Auditor interface {
	Emit(*audit.Event)
}

// published is one immutable publication: the route map plus the flat
// catalog it was built from.
type published struct {
	routes  *gateway.RouteMap
	catalog []gateway.Capability
}

// Registry is the capability registry. Safe for concurrent use; reads are
// lock-free.
type Registry struct {
	agg       *aggregator.Aggregator
	source    CatalogSource
	auditor   Auditor
	component string

	current    atomic.Pointer[published]
	generation atomic.Uint64

	// mu guards the rebuild coalescing flags only, never the read path.
	mu         sync.Mutex
	rebuilding bool
	pending    bool
}

// New creates a registry with an empty published map.
func New(agg *aggregator.Aggregator, source CatalogSource, auditor Auditor, component string) *Registry {
	r := &Registry{agg: agg, source: source, auditor: auditor, component: component}
	r.current.Store(&published{routes: gateway.EmptyRouteMap()})
	return r
}

// Resolve looks up an exposed name in the current route map. Lock-free.
func (r *Registry) Resolve(kind gateway.CapabilityKind, exposedName string) (*gateway.RouteTarget, bool) {
	target, ok := r.current.Load().routes.ForKind(kind)[exposedName]
	return target, ok
}

// Current returns the currently published route map.
func (r *Registry) Current() *gateway.RouteMap {
	return r.current.Load().routes
}

// List returns the published catalog entries of one kind, optionally
// filtered by backend name and a name substring.
func (r *Registry) List(kind gateway.CapabilityKind, backend, nameContains string) []gateway.Capability {
	catalog := r.current.Load().catalog
	out := make([]gateway.Capability, 0, len(catalog))
	for _, entry := range catalog {
		if entry.Kind != kind {
			continue
		}
		if backend != "" && entry.BackendName != backend {
			continue
		}
		if nameContains != "" && !strings.Contains(entry.ExposedName, nameContains) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Catalog returns the full published catalog.
func (r *Registry) Catalog() []gateway.Capability {
	return r.current.Load().catalog
}

// Rebuild runs the aggregation pipeline over the source's routable catalogs
// and atomically publishes the result. Requests are coalesced: if a rebuild
// is already in progress, one follow-up rebuild is scheduled after the
// current completes and this call returns immediately.
//
// On a resolution error (the error strategy aborting on a collision) the
// previous publication stays in place.
func (r *Registry) Rebuild() error {
	r.mu.Lock()
	if r.rebuilding {
		r.pending = true
		r.mu.Unlock()
		return nil
	}
	r.rebuilding = true
	r.mu.Unlock()

	var err error
	for {
		err = r.rebuildOnce()

		r.mu.Lock()
		if r.pending {
			r.pending = false
			r.mu.Unlock()
			continue
		}
		r.rebuilding = false
		r.mu.Unlock()
		return err
	}
}

func (r *Registry) rebuildOnce() error {
	catalogs := r.source.RoutableCatalogs()

	result, err := r.agg.Aggregate(catalogs)
	if err != nil {
		logger.Errorw("route map rebuild failed, keeping previous publication", "error", err)
		return fmt.Errorf("route map rebuild: %w", err)
	}

	result.Routes.Generation = r.generation.Add(1)
	r.current.Store(&published{routes: result.Routes, catalog: result.Catalog})

	for _, dropped := range result.Dropped {
		r.emitDropped(dropped)
	}

	logger.Debugw("route map published",
		"generation", result.Routes.Generation,
		"tools", len(result.Routes.Tools),
		"resources", len(result.Routes.Resources),
		"prompts", len(result.Routes.Prompts),
		"dropped", len(result.Dropped))
	return nil
}

func (r *Registry) emitDropped(d aggregator.Dropped) {
	if r.auditor == nil {
		return
	}
	r.auditor.Emit(audit.NewEvent(audit.EventTypeCapabilityDropped, r.component).
		WithSource(audit.SourceTypeLocal, "registry").
		WithTarget(audit.TargetKeyBackend, d.Backend).
		WithTarget(audit.TargetKeyKind, string(d.Kind)).
		WithTarget(audit.TargetKeyName, d.ExposedName).
		WithOutcome(audit.Outcome{Status: audit.OutcomeFailure, ErrorKind: "name_conflict"}).
		WithData("winner", d.Winner))
}
