// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package manager owns the backend sessions and their lifecycle state.
//
// Each backend lives in a slot that serializes its transitions with a
// per-slot mutex; global operations that touch multiple slots acquire the
// per-slot locks one at a time in a deterministic order (by name for
// startup, reverse insertion order for shutdown) so they cannot deadlock.
// The manager is the only writer of a backend's phase.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/aggregator"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// SessionFactory dials a session for one descriptor. Swappable for tests.
type SessionFactory func(cfg *config.BackendConfig, maxConcurrency int) (backend.Session, error)

// Auditor receives backend_transition events.
type Auditor interface {
	Emit(*audit.Event)
}

// slot holds one backend's session and status. The mutex serializes all
// transitions for this backend.
type slot struct {
	mu sync.Mutex

	cfg     *config.BackendConfig
	session backend.Session
	catalog *gateway.CapabilityList
	status  gateway.BackendStatus

	// reconnecting coalesces concurrent reconnect requests.
	reconnecting bool
}

// Manager holds the backend slots and implements the registry's catalog
// source.
type Manager struct {
	factory        SessionFactory
	auditor        Auditor
	component      string
	maxConcurrency int

	// onRoutableChange fires after a transition that changes which
	// backends may serve traffic; the application wires it to the
	// registry rebuild.
	onRoutableChange func()

	// mu guards the slot map and the insertion order, not slot contents.
	mu    sync.RWMutex
	slots map[string]*slot
	order []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionFactory overrides how sessions are dialed.
func WithSessionFactory(f SessionFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithAuditor wires the audit recorder.
func WithAuditor(a Auditor) Option {
	return func(m *Manager) { m.auditor = a }
}

// WithRoutableChangeHook sets the callback fired after routability changes.
func WithRoutableChangeHook(f func()) Option {
	return func(m *Manager) { m.onRoutableChange = f }
}

// New creates a manager with one Pending slot per descriptor, preserving
// insertion order.
func New(backends []config.BackendConfig, maxConcurrency int, component string, opts ...Option) *Manager {
	m := &Manager{
		factory:        backend.New,
		component:      component,
		maxConcurrency: maxConcurrency,
		slots:          make(map[string]*slot, len(backends)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range backends {
		cfg := backends[i]
		m.slots[cfg.Name] = newSlot(&cfg)
		m.order = append(m.order, cfg.Name)
	}
	return m
}

func newSlot(cfg *config.BackendConfig) *slot {
	return &slot{
		cfg: cfg,
		status: gateway.BackendStatus{
			Name:      cfg.Name,
			Group:     cfg.Group,
			Transport: gateway.TransportType(cfg.Transport),
			Phase:     gateway.PhasePending,
			Since:     time.Now().UTC(),
		},
	}
}

// StartAll launches every backend's initialization concurrently. Individual
// failures park the backend in Failed and do not abort the others; the
// first failure is returned so callers can flag a partial startup, the full
// picture lives in Snapshot.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			if err := m.startBackend(ctx, name); err != nil {
				return fmt.Errorf("backend %s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	m.notifyRoutableChange()
	return err
}

// startBackend walks one backend through Pending → Initializing → Ready,
// fetching its capability catalog on the way. The slot lock is held for the
// whole cycle so concurrent transitions cannot interleave.
func (m *Manager) startBackend(ctx context.Context, name string) error {
	s := m.slot(name)
	if s == nil {
		return fmt.Errorf("%w: unknown backend %q", gateway.ErrInvalidRequest, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return m.startLocked(ctx, s)
}

func (m *Manager) startLocked(ctx context.Context, s *slot) error {
	m.transitionLocked(s, gateway.PhaseInitializing, "", "")

	session, err := m.factory(s.cfg, m.maxConcurrency)
	if err != nil {
		m.failLocked(s, gateway.ConditionTypeInitialized, gateway.ReasonHandshakeFailed, err)
		return err
	}

	if _, err := session.Initialize(ctx); err != nil {
		_ = session.Close()
		reason := gateway.ReasonHandshakeFailed
		if gateway.ErrorKind(err) == "timeout" {
			reason = gateway.ReasonInitTimeout
		}
		m.failLocked(s, gateway.ConditionTypeInitialized, reason, err)
		return err
	}
	m.setConditionLocked(s, gateway.ConditionTypeInitialized, true, gateway.ReasonHandshakeSucceeded, "")

	catalog, err := session.FetchCapabilities(ctx)
	if err != nil {
		_ = session.Close()
		m.failLocked(s, gateway.ConditionTypeCapabilities, gateway.ReasonCapabilityFetchFailed, err)
		return err
	}
	m.setConditionLocked(s, gateway.ConditionTypeCapabilities, true, gateway.ReasonCapabilityFetchOK, "")

	s.session = session
	s.catalog = catalog
	s.status.ToolCount, s.status.ResourceCount, s.status.PromptCount = catalog.Counts()
	m.transitionLocked(s, gateway.PhaseReady, gateway.ReasonHandshakeSucceeded, "")
	return nil
}

// failLocked parks the slot in Failed and records the failing condition.
func (m *Manager) failLocked(s *slot, conditionType, reason string, err error) {
	msg := gateway.SanitizeMessage(err.Error())
	m.setConditionLocked(s, conditionType, false, reason, msg)
	s.status.Message = msg
	m.transitionLocked(s, gateway.PhaseFailed, reason, msg)
}

// Reconnect discards the current session and walks the lifecycle again from
// Initializing. Concurrent calls for the same backend coalesce into one
// cycle; callers that lost the race return immediately with no error.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	s := m.slot(name)
	if s == nil {
		return fmt.Errorf("%w: unknown backend %q", gateway.ErrInvalidRequest, name)
	}

	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	m.closeLocked(s, gateway.ReasonReloaded)
	err := m.startLocked(ctx, s)
	m.notifyRoutableChange()
	return err
}

// closeLocked moves the slot to ShuttingDown and releases its session.
func (m *Manager) closeLocked(s *slot, reason string) {
	if s.session == nil {
		return
	}
	m.transitionLocked(s, gateway.PhaseShuttingDown, reason, "")
	if err := s.session.Close(); err != nil {
		logger.Warnw("backend close failed", "backend", s.cfg.Name, "error", err)
	}
	s.session = nil
	s.catalog = nil
	s.status.ToolCount, s.status.ResourceCount, s.status.PromptCount = 0, 0, 0
	m.setConditionLocked(s, gateway.ConditionTypeShutdown, true, gateway.ReasonShutdownRequested, "")
}

// StopAll shuts every backend down in reverse insertion order, bounded by
// the context deadline.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("shutdown deadline exceeded with %d backends remaining: %w", i+1, err)
		}
		s := m.slot(names[i])
		if s == nil {
			continue
		}
		s.mu.Lock()
		m.closeLocked(s, gateway.ReasonShutdownRequested)
		s.mu.Unlock()
	}
	return nil
}

// Session returns the live session for routing, or nil when the backend is
// not currently routable.
func (m *Manager) Session(name string) backend.Session {
	s := m.slot(name)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Phase.Routable() {
		return nil
	}
	return s.session
}

// Snapshot produces a point-in-time status list in insertion order.
func (m *Manager) Snapshot() []gateway.BackendStatus {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	out := make([]gateway.BackendStatus, 0, len(names))
	for _, name := range names {
		s := m.slot(name)
		if s == nil {
			continue
		}
		s.mu.Lock()
		status := s.status
		status.Conditions = append([]gateway.Condition(nil), s.status.Conditions...)
		if s.session != nil {
			status.Token = s.session.TokenStatus()
		}
		s.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// RoutableCatalogs returns the cached raw catalogs of all routable backends
// in insertion order. This is the registry's catalog source.
func (m *Manager) RoutableCatalogs() []aggregator.RawCatalog {
	m.mu.RLock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	m.mu.RUnlock()

	out := make([]aggregator.RawCatalog, 0, len(names))
	for _, name := range names {
		s := m.slot(name)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.status.Phase.Routable() && s.catalog != nil {
			out = append(out, aggregator.RawCatalog{Backend: name, Capabilities: s.catalog})
		}
		s.mu.Unlock()
	}
	return out
}

// RecordProbe stores the latest health-probe latency.
func (m *Manager) RecordProbe(name string, latency time.Duration) {
	s := m.slot(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.status.LastLatency = latency
	s.mu.Unlock()
}

// Transition moves a backend to the given phase on behalf of the health
// monitor. It is a no-op when the backend is already in that phase.
func (m *Manager) Transition(name string, phase gateway.Phase, reason, message string) {
	s := m.slot(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	changed := s.status.Phase != phase
	if changed {
		healthy := phase == gateway.PhaseReady
		m.setConditionLocked(s, gateway.ConditionTypeHealthy, healthy, reason, message)
		m.transitionLocked(s, phase, reason, message)
	}
	s.mu.Unlock()
	if changed {
		m.notifyRoutableChange()
	}
}

// Teardown closes a backend's session after the health monitor marked it
// Failed. The slot stays Failed until an explicit reconnect.
func (m *Manager) Teardown(name string) {
	s := m.slot(name)
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			logger.Warnw("backend teardown close failed", "backend", name, "error", err)
		}
		s.session = nil
	}
	s.catalog = nil
	s.mu.Unlock()
	m.notifyRoutableChange()
}

// Names returns the backend names in insertion order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// Phase reports a backend's current phase; ok is false for unknown names.
func (m *Manager) Phase(name string) (gateway.Phase, bool) {
	s := m.slot(name)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Phase, true
}

// AddBackend creates a new Pending slot and starts its lifecycle. Used by
// the reload coordinator for added descriptors.
func (m *Manager) AddBackend(ctx context.Context, cfg config.BackendConfig) error {
	m.mu.Lock()
	if _, exists := m.slots[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: backend %q already exists", gateway.ErrInvalidConfig, cfg.Name)
	}
	m.slots[cfg.Name] = newSlot(&cfg)
	m.order = append(m.order, cfg.Name)
	m.mu.Unlock()

	err := m.startBackend(ctx, cfg.Name)
	m.notifyRoutableChange()
	return err
}

// RemoveBackend shuts a backend down and deletes its slot.
func (m *Manager) RemoveBackend(name string) error {
	s := m.slot(name)
	if s == nil {
		return fmt.Errorf("%w: unknown backend %q", gateway.ErrInvalidRequest, name)
	}

	s.mu.Lock()
	m.closeLocked(s, gateway.ReasonReloaded)
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.slots, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.notifyRoutableChange()
	return nil
}

// ReplaceBackend swaps a changed descriptor in and restarts its lifecycle.
// The returned session object is always fresh, never the old one reused.
func (m *Manager) ReplaceBackend(ctx context.Context, cfg config.BackendConfig) error {
	s := m.slot(cfg.Name)
	if s == nil {
		return m.AddBackend(ctx, cfg)
	}

	s.mu.Lock()
	m.closeLocked(s, gateway.ReasonReloaded)
	s.cfg = &cfg
	s.status.Group = cfg.Group
	s.status.Transport = gateway.TransportType(cfg.Transport)
	err := m.startLocked(ctx, s)
	s.mu.Unlock()

	m.notifyRoutableChange()
	return err
}

// slot fetches the slot pointer for a name.
func (m *Manager) slot(name string) *slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots[name]
}

func (m *Manager) notifyRoutableChange() {
	if m.onRoutableChange != nil {
		m.onRoutableChange()
	}
}

// transitionLocked records a phase change and emits the transition audit
// event. Caller holds the slot lock.
func (m *Manager) transitionLocked(s *slot, phase gateway.Phase, reason, message string) {
	from := s.status.Phase
	if from == phase {
		return
	}
	s.status.Phase = phase
	s.status.Since = time.Now().UTC()
	if phase == gateway.PhaseReady {
		s.status.Message = ""
	}

	logger.Infow("backend phase transition",
		"backend", s.cfg.Name, "from", string(from), "to", string(phase), "reason", reason)

	if m.auditor == nil {
		return
	}
	status := audit.OutcomeSuccess
	if phase == gateway.PhaseFailed || phase == gateway.PhaseDegraded {
		status = audit.OutcomeFailure
	}
	m.auditor.Emit(audit.NewEvent(audit.EventTypeBackendTransition, m.component).
		WithSource(audit.SourceTypeLocal, "manager").
		WithTarget(audit.TargetKeyBackend, s.cfg.Name).
		WithOutcome(audit.Outcome{Status: status, ErrorKind: errorKindForPhase(phase)}).
		WithData("from", string(from)).
		WithData("to", string(phase)).
		WithData("reason", reason).
		WithData("message", message))
}

func errorKindForPhase(phase gateway.Phase) string {
	switch phase {
	case gateway.PhaseFailed:
		return "backend_unavailable"
	case gateway.PhaseDegraded:
		return "degraded"
	default:
		return ""
	}
}

// setConditionLocked updates the latest condition of the given type in
// place, or appends a new one. Caller holds the slot lock.
func (m *Manager) setConditionLocked(s *slot, conditionType string, status bool, reason, message string) {
	cond := gateway.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		LastTransitionTime: time.Now().UTC(),
	}
	for i := range s.status.Conditions {
		if s.status.Conditions[i].Type == conditionType {
			s.status.Conditions[i] = cond
			return
		}
	}
	s.status.Conditions = append(s.status.Conditions, cond)
	sort.Slice(s.status.Conditions, func(i, j int) bool {
		return s.status.Conditions[i].Type < s.status.Conditions[j].Type
	})
}
