// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/aggregator"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

// stubSource serves a swappable set of catalogs.
type stubSource struct {
	mu       sync.Mutex
	catalogs []aggregator.RawCatalog
}

func (s *stubSource) set(catalogs []aggregator.RawCatalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogs = catalogs
}

func (s *stubSource) RoutableCatalogs() []aggregator.RawCatalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalogs
}

// captureAuditor collects emitted events.
type captureAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *captureAuditor) Emit(e *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func newTestRegistry(t *testing.T, strategy string, source *stubSource, auditor Auditor) *Registry {
	t.Helper()
	backends := []config.BackendConfig{{Name: "gh"}, {Name: "jira"}}
	agg, err := aggregator.New(backends, config.ConflictResolutionConfig{
		Strategy:  strategy,
		Separator: "_",
	})
	require.NoError(t, err)
	return New(agg, source, auditor, "mcpgate-test")
}

func catalogsWithCollision() []aggregator.RawCatalog {
	return []aggregator.RawCatalog{
		{Backend: "gh", Capabilities: &gateway.CapabilityList{
			Tools: []gateway.Tool{{Name: "search"}},
		}},
		{Backend: "jira", Capabilities: &gateway.CapabilityList{
			Tools: []gateway.Tool{{Name: "search"}},
		}},
	}
}

func TestEmptyRegistryResolvesNothing(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, config.StrategyPrefix, &stubSource{}, nil)
	_, ok := r.Resolve(gateway.KindTool, "anything")
	assert.False(t, ok)
}

func TestRebuildPublishesPrefixedRoutes(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set(catalogsWithCollision())
	r := newTestRegistry(t, config.StrategyPrefix, source, nil)

	require.NoError(t, r.Rebuild())

	target, ok := r.Resolve(gateway.KindTool, "gh_search")
	require.True(t, ok)
	assert.Equal(t, "gh", target.BackendName)
	assert.Equal(t, "search", target.BackendCapabilityName("gh_search"))

	_, ok = r.Resolve(gateway.KindTool, "search")
	assert.False(t, ok)
}

func TestRebuildKeepsOldMapOnError(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set([]aggregator.RawCatalog{
		{Backend: "gh", Capabilities: &gateway.CapabilityList{
			Tools: []gateway.Tool{{Name: "search"}},
		}},
	})
	r := newTestRegistry(t, config.StrategyError, source, nil)
	require.NoError(t, r.Rebuild())
	firstGen := r.Current().Generation

	// Introduce a collision: the error strategy must refuse to publish.
	source.set(catalogsWithCollision())
	err := r.Rebuild()
	require.Error(t, err)
	assert.ErrorIs(t, err, aggregator.ErrUnresolvedConflict)

	// The previous publication is still being served.
	assert.Equal(t, firstGen, r.Current().Generation)
	_, ok := r.Resolve(gateway.KindTool, "search")
	assert.True(t, ok)
}

func TestFirstWinsEmitsCapabilityDroppedAudit(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set(catalogsWithCollision())
	auditor := &captureAuditor{}
	r := newTestRegistry(t, config.StrategyFirstWins, source, auditor)

	require.NoError(t, r.Rebuild())

	require.Len(t, auditor.events, 1)
	event := auditor.events[0]
	assert.Equal(t, audit.EventTypeCapabilityDropped, event.Type)
	assert.Equal(t, "jira", event.Target[audit.TargetKeyBackend])
	assert.Equal(t, "search", event.Target[audit.TargetKeyName])
	assert.Equal(t, "gh", event.Data["winner"])
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set([]aggregator.RawCatalog{
		{Backend: "gh", Capabilities: &gateway.CapabilityList{
			Tools: []gateway.Tool{{Name: "search_web"}, {Name: "list_issues"}},
		}},
		{Backend: "jira", Capabilities: &gateway.CapabilityList{
			Tools: []gateway.Tool{{Name: "search_tickets"}},
		}},
	})
	r := newTestRegistry(t, config.StrategyPrefix, source, nil)
	require.NoError(t, r.Rebuild())

	all := r.List(gateway.KindTool, "", "")
	assert.Len(t, all, 3)

	ghOnly := r.List(gateway.KindTool, "gh", "")
	assert.Len(t, ghOnly, 2)

	searches := r.List(gateway.KindTool, "", "search")
	assert.Len(t, searches, 2)
}

func TestGenerationsAreMonotonic(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set(catalogsWithCollision())
	r := newTestRegistry(t, config.StrategyPrefix, source, nil)

	var lastGen uint64
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Rebuild())
		gen := r.Current().Generation
		assert.Greater(t, gen, lastGen)
		lastGen = gen
	}
}

// TestAtomicPublicationStress rebuilds continuously while many readers
// resolve names. Every reader must observe a complete map: either the pair
// (gh_search, jira_search) both present, or neither (pre-first-publish).
func TestAtomicPublicationStress(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set(catalogsWithCollision())
	r := newTestRegistry(t, config.StrategyPrefix, source, nil)

	const readers = 8
	const iterations = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			require.NoError(t, r.Rebuild())
		}
		close(stop)
	}()

	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				m := r.Current()
				_, gh := m.Tools["gh_search"]
				_, jira := m.Tools["jira_search"]
				if gh != jira {
					errs <- fmt.Errorf("torn read: gh=%v jira=%v gen=%d", gh, jira, m.Generation)
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRebuildCoalescing(t *testing.T) {
	t.Parallel()

	source := &stubSource{}
	source.set(catalogsWithCollision())
	r := newTestRegistry(t, config.StrategyPrefix, source, nil)

	// Burst of concurrent rebuild requests must not deadlock and must leave
	// a published map behind.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Rebuild()
		}()
	}
	wg.Wait()

	_, ok := r.Resolve(gateway.KindTool, "gh_search")
	assert.True(t, ok)
}
