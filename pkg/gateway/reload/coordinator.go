// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package reload applies configuration changes to a running gateway.
//
// The coordinator diffs the next configuration against the current one by
// backend name and descriptor hash, then applies the delta: removed backends
// are shut down, added backends are dialed, changed backends are torn down
// and redialed with the new descriptor. Backends with an unchanged hash are
// not touched, so their live sessions and in-flight requests survive the
// reload. The route map is rebuilt exactly once per cycle, after the delta
// has been applied.
package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Backends is the manager surface the coordinator drives.
type Backends interface {
	AddBackend(ctx context.Context, cfg config.BackendConfig) error
	RemoveBackend(name string) error
	ReplaceBackend(ctx context.Context, cfg config.BackendConfig) error
}

// Catalogs is the aggregator surface: per-backend filter state that must
// track descriptor changes.
type Catalogs interface {
	UpdateBackend(b *config.BackendConfig) error
	RemoveBackend(name string)
}

// Publisher rebuilds and publishes the route map.
type Publisher interface {
	Rebuild() error
}

// ProbeState clears per-backend health bookkeeping for removed and replaced
// backends.
type ProbeState interface {
	Forget(name string)
}

// Auditor receives the reload event.
type Auditor interface {
	Emit(event *audit.Event)
}

// Report summarizes one reload cycle.
type Report struct {
	// Added, Removed, and Changed list backend names by delta class, in
	// next-configuration order (Removed in current-configuration order).
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`

	// Errors holds per-backend failures. A failed backend does not abort
	// the cycle; the rest of the delta is still applied.
	Errors []string `json:"errors,omitempty"`
}

// Coordinator serializes reload cycles.
type Coordinator struct {
	backends  Backends
	catalogs  Catalogs
	publisher Publisher
	probes    ProbeState
	auditor   Auditor
	component string
	deadline  time.Duration

	mu      sync.Mutex
	current *config.Config
}

// New creates a coordinator holding the booted configuration. probes and
// auditor may be nil.
func New(
	current *config.Config,
	backends Backends,
	catalogs Catalogs,
	publisher Publisher,
	probes ProbeState,
	auditor Auditor,
	component string,
) *Coordinator {
	return &Coordinator{
		backends:  backends,
		catalogs:  catalogs,
		publisher: publisher,
		probes:    probes,
		auditor:   auditor,
		component: component,
		deadline:  current.Operational.ReloadDeadline.Duration(),
		current:   current,
	}
}

// Current returns the active configuration.
func (c *Coordinator) Current() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ReloadFile loads, validates, and applies the configuration at path.
func (c *Coordinator) ReloadFile(ctx context.Context, path string) (*Report, error) {
	next, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err)
	}
	return c.Reload(ctx, next)
}

// Reload applies next. Cycles are serialized: a second caller blocks until
// the first finishes. An invalid configuration is rejected before anything
// is touched, leaving the running state intact.
func (c *Coordinator) Reload(ctx context.Context, next *config.Config) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next.ApplyDefaults()
	if err := next.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", gateway.ErrInvalidRequest, err)
		c.emit(nil, 0, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	start := time.Now()
	report := c.diff(next)
	logger.Infow("applying configuration reload",
		"added", len(report.Added), "removed", len(report.Removed), "changed", len(report.Changed))

	for _, name := range report.Removed {
		if err := c.backends.RemoveBackend(name); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", name, err))
		}
		c.catalogs.RemoveBackend(name)
		c.forget(name)
	}

	nextByName := backendIndex(next.Backends)
	for _, name := range report.Changed {
		b := nextByName[name]
		if err := c.catalogs.UpdateBackend(b); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("update %s: %v", name, err))
			continue
		}
		c.forget(name)
		if err := c.backends.ReplaceBackend(ctx, *b); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("replace %s: %v", name, err))
		}
	}

	for _, name := range report.Added {
		b := nextByName[name]
		if err := c.catalogs.UpdateBackend(b); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("update %s: %v", name, err))
			continue
		}
		if err := c.backends.AddBackend(ctx, *b); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("add %s: %v", name, err))
		}
	}

	// One publication per cycle, regardless of how many backends moved.
	if err := c.publisher.Rebuild(); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("rebuild route map: %v", err))
	}

	c.current = next
	c.emit(report, time.Since(start), nil)
	return report, nil
}

// diff classifies next's backends against the current configuration.
func (c *Coordinator) diff(next *config.Config) *Report {
	report := &Report{
		Added:   []string{},
		Removed: []string{},
		Changed: []string{},
	}

	currentHashes := make(map[string]string, len(c.current.Backends))
	for i := range c.current.Backends {
		b := &c.current.Backends[i]
		currentHashes[b.Name] = b.Hash()
	}

	seen := make(map[string]bool, len(next.Backends))
	for i := range next.Backends {
		b := &next.Backends[i]
		seen[b.Name] = true
		hash, exists := currentHashes[b.Name]
		switch {
		case !exists:
			report.Added = append(report.Added, b.Name)
		case hash != b.Hash():
			report.Changed = append(report.Changed, b.Name)
		}
	}

	for i := range c.current.Backends {
		name := c.current.Backends[i].Name
		if !seen[name] {
			report.Removed = append(report.Removed, name)
		}
	}
	return report
}

func (c *Coordinator) forget(name string) {
	if c.probes != nil {
		c.probes.Forget(name)
	}
}

func (c *Coordinator) emit(report *Report, latency time.Duration, err error) {
	if c.auditor == nil {
		return
	}
	event := audit.NewEvent(audit.EventTypeReload, c.component).
		WithSource(audit.SourceTypeLocal, "reload")
	outcome := audit.Outcome{Status: audit.OutcomeSuccess, LatencyMS: latency.Milliseconds()}
	if err != nil {
		outcome.Status = audit.OutcomeFailure
		outcome.ErrorKind = gateway.ErrorKind(err)
	}
	if report != nil {
		event = event.
			WithData("added", report.Added).
			WithData("removed", report.Removed).
			WithData("changed", report.Changed)
		if len(report.Errors) > 0 {
			outcome.Status = audit.OutcomeFailure
			event = event.WithData("errors", report.Errors)
		}
	}
	c.auditor.Emit(event.WithOutcome(outcome))
}

func backendIndex(backends []config.BackendConfig) map[string]*config.BackendConfig {
	byName := make(map[string]*config.BackendConfig, len(backends))
	for i := range backends {
		byName[backends[i].Name] = &backends[i]
	}
	return byName
}
