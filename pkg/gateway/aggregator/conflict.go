// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"errors"
	"fmt"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

// Errors returned by conflict resolution.
var (
	// ErrUnresolvedConflict is returned by the error strategy when two
	// backends expose the same name. Nothing is published in that case.
	ErrUnresolvedConflict = errors.New("unresolved capability name conflict")

	// ErrInvalidStrategy is returned for a strategy name the resolver does
	// not implement. Config validation normally catches this earlier.
	ErrInvalidStrategy = errors.New("invalid conflict resolution strategy")
)

// BackendCatalog is the filtered-and-renamed capability list of one backend.
// Catalog slices are consumed in descriptor insertion order; that order is
// the tie-break for every strategy.
type BackendCatalog struct {
	Backend      string
	Capabilities []gateway.Capability
}

// Dropped records one capability that lost a name collision.
type Dropped struct {
	Backend     string
	Kind        gateway.CapabilityKind
	ExposedName string
	Winner      string
}

// Result is the output of conflict resolution: the merged catalog, the
// corresponding route entries, and the entries dropped along the way.
type Result struct {
	Catalog []gateway.Capability
	Routes  *gateway.RouteMap
	Dropped []Dropped
}

// Resolver merges per-backend catalogs into a single route map.
type Resolver interface {
	// Resolve merges the catalogs. The returned route map has no
	// generation assigned; the registry stamps it on publish.
	Resolve(catalogs []BackendCatalog) (*Result, error)
}

// NewResolver returns the resolver for the configured strategy.
func NewResolver(cfg config.ConflictResolutionConfig) (Resolver, error) {
	switch cfg.Strategy {
	case config.StrategyFirstWins:
		return &firstWinsResolver{}, nil
	case config.StrategyPrefix:
		separator := cfg.Separator
		if separator == "" {
			separator = config.DefaultSeparator
		}
		return &prefixResolver{separator: separator}, nil
	case config.StrategyPriority:
		return &priorityResolver{order: cfg.Order}, nil
	case config.StrategyError:
		return &errorResolver{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, cfg.Strategy)
	}
}

// firstWinsResolver keeps the first occurrence of each exposed name in
// backend insertion order and drops the rest.
type firstWinsResolver struct{}

func (*firstWinsResolver) Resolve(catalogs []BackendCatalog) (*Result, error) {
	result := &Result{Routes: gateway.EmptyRouteMap()}
	for _, catalog := range catalogs {
		for _, entry := range catalog.Capabilities {
			routes := result.Routes.ForKind(entry.Kind)
			if winner, taken := routes[entry.ExposedName]; taken {
				result.Dropped = append(result.Dropped, Dropped{
					Backend:     entry.BackendName,
					Kind:        entry.Kind,
					ExposedName: entry.ExposedName,
					Winner:      winner.BackendName,
				})
				continue
			}
			addEntry(result, entry)
		}
	}
	return result, nil
}

// prefixResolver renames every entry to backend + separator + exposed name.
// There are by construction no conflicts.
type prefixResolver struct {
	separator string
}

func (r *prefixResolver) Resolve(catalogs []BackendCatalog) (*Result, error) {
	result := &Result{Routes: gateway.EmptyRouteMap()}
	for _, catalog := range catalogs {
		for _, entry := range catalog.Capabilities {
			renamed := entry
			if renamed.OriginalName == "" {
				renamed.OriginalName = entry.ExposedName
			}
			renamed.ExposedName = catalog.Backend + r.separator + entry.ExposedName
			addEntry(result, renamed)
		}
	}
	return result, nil
}

// priorityResolver resolves collisions by an explicit backend order.
// Backends not named in the order list follow the listed ones in insertion
// order.
type priorityResolver struct {
	order []string
}

func (r *priorityResolver) Resolve(catalogs []BackendCatalog) (*Result, error) {
	ranked := rankCatalogs(catalogs, r.order)

	result := &Result{Routes: gateway.EmptyRouteMap()}
	for _, catalog := range ranked {
		for _, entry := range catalog.Capabilities {
			routes := result.Routes.ForKind(entry.Kind)
			if winner, taken := routes[entry.ExposedName]; taken {
				result.Dropped = append(result.Dropped, Dropped{
					Backend:     entry.BackendName,
					Kind:        entry.Kind,
					ExposedName: entry.ExposedName,
					Winner:      winner.BackendName,
				})
				continue
			}
			addEntry(result, entry)
		}
	}
	return result, nil
}

// rankCatalogs reorders catalogs so listed backends come first in list
// order, the rest keep insertion order.
func rankCatalogs(catalogs []BackendCatalog, order []string) []BackendCatalog {
	ranked := make([]BackendCatalog, 0, len(catalogs))
	used := make(map[string]bool, len(catalogs))
	for _, name := range order {
		for _, catalog := range catalogs {
			if catalog.Backend == name && !used[name] {
				ranked = append(ranked, catalog)
				used[name] = true
			}
		}
	}
	for _, catalog := range catalogs {
		if !used[catalog.Backend] {
			ranked = append(ranked, catalog)
		}
	}
	return ranked
}

// errorResolver aborts the build on the first collision rather than publish
// a partial map.
type errorResolver struct{}

func (*errorResolver) Resolve(catalogs []BackendCatalog) (*Result, error) {
	result := &Result{Routes: gateway.EmptyRouteMap()}
	for _, catalog := range catalogs {
		for _, entry := range catalog.Capabilities {
			routes := result.Routes.ForKind(entry.Kind)
			if winner, taken := routes[entry.ExposedName]; taken {
				return nil, fmt.Errorf("%w: %s %q provided by both %q and %q",
					ErrUnresolvedConflict, entry.Kind, entry.ExposedName,
					winner.BackendName, entry.BackendName)
			}
			addEntry(result, entry)
		}
	}
	return result, nil
}

func addEntry(result *Result, entry gateway.Capability) {
	result.Catalog = append(result.Catalog, entry)
	result.Routes.ForKind(entry.Kind)[entry.ExposedName] = &gateway.RouteTarget{
		BackendName:  entry.BackendName,
		OriginalName: entry.OriginalName,
		Kind:         entry.Kind,
	}
}
