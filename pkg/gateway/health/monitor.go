// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health probes backend liveness and drives phase transitions.
//
// The monitor pings every routable backend on a fixed interval and keeps a
// small per-backend state machine: consecutive failures escalate through
// Degraded to Failed, consecutive slow probes degrade without failing, and
// a clean probe heals a probe-degraded backend back to Ready.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// slowStreakThreshold is the consecutive slow-probe count that degrades a
// backend that keeps answering.
const slowStreakThreshold = 3

// reconnectMaxTries bounds the reconnect attempts scheduled after a
// request-path transport failure.
const reconnectMaxTries = 5

// Sessions is the slice of the client manager the monitor needs.
type Sessions interface {
	Names() []string
	Phase(name string) (gateway.Phase, bool)
	Session(name string) backend.Session
	Transition(name string, phase gateway.Phase, reason, message string)
	Teardown(name string)
	Reconnect(ctx context.Context, name string) error
	RecordProbe(name string, latency time.Duration)
}

// probeState is the rolling health state for one backend.
type probeState struct {
	failures int
	slow     int

	// degradedByProbe distinguishes probe-driven degradation, which the
	// monitor may heal, from degradation set elsewhere.
	degradedByProbe bool
}

// Monitor runs the periodic probe loop.
type Monitor struct {
	cfg config.HealthConfig
	mgr Sessions

	mu     sync.Mutex
	states map[string]*probeState

	// kick carries backend names queued for an out-of-cycle probe.
	kick chan string

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a monitor. Start must be called to begin probing.
func New(cfg config.HealthConfig, mgr Sessions) *Monitor {
	return &Monitor{
		cfg:    cfg,
		mgr:    mgr,
		states: make(map[string]*probeState),
		kick:   make(chan string, 16),
		done:   make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts probing and waits for in-flight probes to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.probeAll()
		case name := <-m.kick:
			m.probe(name)
		}
	}
}

// ProbeNow queues an immediate probe of one backend, ahead of the next
// scheduled round. Requests are dropped when the queue is full.
func (m *Monitor) ProbeNow(name string) {
	select {
	case m.kick <- name:
	default:
	}
}

// ObserveFailure applies the request-path recovery policy. A transport
// failure fails the backend at once, tears its session down, and schedules
// a reconnect; an unavailable backend gets an out-of-cycle probe; an
// invalid response counts toward the failure streak.
func (m *Monitor) ObserveFailure(name string, err error) {
	switch {
	case errors.Is(err, gateway.ErrTransportFailure):
		if phase, ok := m.mgr.Phase(name); !ok || phase == gateway.PhaseFailed {
			return
		}
		msg := gateway.SanitizeMessage(err.Error())
		m.mgr.Transition(name, gateway.PhaseFailed, gateway.ReasonTransportFailure, msg)
		m.mgr.Teardown(name)
		m.scheduleReconnect(name)
	case errors.Is(err, gateway.ErrBackendUnavailable):
		m.ProbeNow(name)
	case errors.Is(err, gateway.ErrInvalidResponse):
		m.recordFailure(name, err)
	}
}

// scheduleReconnect retries the backend's reconnect with exponential
// backoff until it succeeds, the attempt budget runs out, or the monitor
// stops.
func (m *Monitor) scheduleReconnect(name string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		settled := make(chan struct{})
		defer close(settled)
		go func() {
			select {
			case <-m.done:
				cancel()
			case <-settled:
			}
		}()

		operation := func() (struct{}, error) {
			return struct{}{}, m.mgr.Reconnect(ctx, name)
		}
		if _, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(reconnectMaxTries)); err != nil {
			logger.Warnw("scheduled reconnect gave up", "backend", name, "error", err)
		}
	}()
}

// probeAll pings every routable backend concurrently and waits for the
// round to finish before the next tick can start one.
func (m *Monitor) probeAll() {
	var wg sync.WaitGroup
	for _, name := range m.mgr.Names() {
		phase, ok := m.mgr.Phase(name)
		if !ok || !phase.Routable() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(name)
		}()
	}
	wg.Wait()
}

// probe runs one liveness check and applies the transition rules.
func (m *Monitor) probe(name string) {
	session := m.mgr.Session(name)
	if session == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout.Duration())
	defer cancel()

	start := time.Now()
	err := session.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		m.recordFailure(name, err)
		return
	}
	m.mgr.RecordProbe(name, latency)
	m.recordSuccess(name, latency)
}

func (m *Monitor) recordSuccess(name string, latency time.Duration) {
	m.mu.Lock()
	state := m.state(name)
	state.failures = 0

	if latency > m.cfg.SlowThreshold.Duration() {
		state.slow++
		slow := state.slow
		m.mu.Unlock()

		logger.Debugw("slow health probe", "backend", name, "latency", latency, "streak", slow)
		if slow >= slowStreakThreshold {
			m.markDegraded(name, gateway.ReasonSlowProbe,
				fmt.Sprintf("%d consecutive probes above %s", slow, m.cfg.SlowThreshold.Duration()))
		}
		return
	}

	state.slow = 0
	heal := state.degradedByProbe
	state.degradedByProbe = false
	m.mu.Unlock()

	if heal {
		if phase, ok := m.mgr.Phase(name); ok && phase == gateway.PhaseDegraded {
			m.mgr.Transition(name, gateway.PhaseReady, gateway.ReasonHealthProbeSucceeded, "")
		}
	}
}

func (m *Monitor) recordFailure(name string, err error) {
	m.mu.Lock()
	state := m.state(name)
	state.failures++
	state.slow = 0
	failures := state.failures
	m.mu.Unlock()

	msg := gateway.SanitizeMessage(err.Error())
	logger.Warnw("health probe failed",
		"backend", name, "consecutive", failures, "error", msg)

	switch {
	case failures >= m.cfg.FailedThreshold:
		m.mgr.Transition(name, gateway.PhaseFailed, gateway.ReasonHealthProbeFailed,
			fmt.Sprintf("%d consecutive probe failures: %s", failures, msg))
		m.mgr.Teardown(name)
	case failures >= m.cfg.DegradedThreshold:
		m.markDegraded(name, gateway.ReasonHealthProbeFailed,
			fmt.Sprintf("%d consecutive probe failures: %s", failures, msg))
	}
}

func (m *Monitor) markDegraded(name, reason, message string) {
	m.mu.Lock()
	m.state(name).degradedByProbe = true
	m.mu.Unlock()
	m.mgr.Transition(name, gateway.PhaseDegraded, reason, message)
}

// Forget drops the rolling state for a backend removed by reload.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	delete(m.states, name)
	m.mu.Unlock()
}

// state returns the probe state, creating it on first use. Caller holds mu.
func (m *Monitor) state(name string) *probeState {
	s, ok := m.states[name]
	if !ok {
		s = &probeState{}
		m.states[name] = s
	}
	return s
}
