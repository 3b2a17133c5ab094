// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package reload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/gateway/manager"
)

type fakeSession struct {
	name   string
	closed bool
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Initialize(context.Context) (*backend.ServerInfo, error) {
	return &backend.ServerInfo{Name: s.name, Tools: true}, nil
}

func (s *fakeSession) FetchCapabilities(context.Context) (*gateway.CapabilityList, error) {
	return &gateway.CapabilityList{
		Tools: []gateway.Tool{{Name: "search", BackendName: s.name}},
	}, nil
}

func (s *fakeSession) CallTool(context.Context, string, map[string]any, map[string]any) (*gateway.ToolCallResult, error) {
	return &gateway.ToolCallResult{}, nil
}

func (s *fakeSession) ReadResource(context.Context, string) (*gateway.ResourceReadResult, error) {
	return &gateway.ResourceReadResult{}, nil
}

func (s *fakeSession) GetPrompt(context.Context, string, map[string]any) (*gateway.PromptGetResult, error) {
	return &gateway.PromptGetResult{}, nil
}

func (s *fakeSession) Ping(context.Context) error       { return nil }
func (s *fakeSession) TokenStatus() *gateway.TokenStatus { return nil }
func (s *fakeSession) Close() error                      { s.closed = true; return nil }

func fakeFactory() manager.SessionFactory {
	return func(cfg *config.BackendConfig, _ int) (backend.Session, error) {
		return &fakeSession{name: cfg.Name}, nil
	}
}

type countingPublisher struct {
	mu       sync.Mutex
	rebuilds int
}

func (p *countingPublisher) Rebuild() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rebuilds++
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rebuilds
}

type noopCatalogs struct{}

func (noopCatalogs) UpdateBackend(*config.BackendConfig) error { return nil }
func (noopCatalogs) RemoveBackend(string)                      {}

type recordingProbes struct {
	forgotten []string
}

func (p *recordingProbes) Forget(name string) { p.forgotten = append(p.forgotten, name) }

type captureAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *captureAuditor) Emit(event *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *captureAuditor) ofType(eventType string) []*audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*audit.Event
	for _, e := range a.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func stdioBackend(name, command string) config.BackendConfig {
	return config.BackendConfig{
		Name:      name,
		Transport: string(gateway.TransportStdio),
		Connect:   config.ConnectConfig{Command: command},
	}
}

func gatewayConfig(backends ...config.BackendConfig) *config.Config {
	cfg := &config.Config{
		Server:             config.ServerConfig{Port: 4483},
		Backends:           backends,
		ConflictResolution: config.ConflictResolutionConfig{Strategy: config.StrategyPrefix},
	}
	cfg.ApplyDefaults()
	return cfg
}

// startedManager boots a manager with fake sessions for the given config.
func startedManager(t *testing.T, cfg *config.Config) *manager.Manager {
	t.Helper()
	mgr := manager.New(cfg.Backends, cfg.Operational.MaxConcurrency, "test-gateway",
		manager.WithSessionFactory(fakeFactory()))
	require.NoError(t, mgr.StartAll(context.Background()))
	return mgr
}

func TestReloadDiffByNameAndHash(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(
		stdioBackend("a", "./a"),
		stdioBackend("b", "./b"),
	)
	mgr := startedManager(t, current)
	publisher := &countingPublisher{}
	probes := &recordingProbes{}
	coord := New(current, mgr, noopCatalogs{}, publisher, probes, nil, "test-gateway")

	// b unchanged, a removed, c added.
	next := gatewayConfig(
		stdioBackend("b", "./b"),
		stdioBackend("c", "./c"),
	)

	before := mgr.Session("b")
	require.NotNil(t, before)

	report, err := coord.Reload(context.Background(), next)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"c"}, report.Added)
	assert.Equal(t, []string{"a"}, report.Removed)
	assert.Empty(t, report.Changed)

	// The untouched backend keeps its live session across the reload.
	assert.Same(t, before, mgr.Session("b"))
	assert.Nil(t, mgr.Session("a"))
	assert.NotNil(t, mgr.Session("c"))
	assert.Equal(t, []string{"a"}, probes.forgotten)
}

func TestReloadChangedBackendIsReplaced(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(stdioBackend("a", "./a"))
	mgr := startedManager(t, current)
	publisher := &countingPublisher{}
	coord := New(current, mgr, noopCatalogs{}, publisher, nil, nil, "test-gateway")

	before := mgr.Session("a")
	require.NotNil(t, before)

	next := gatewayConfig(stdioBackend("a", "./a-v2"))
	report, err := coord.Reload(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.Changed)
	assert.Empty(t, report.Added)
	assert.Empty(t, report.Removed)

	after := mgr.Session("a")
	require.NotNil(t, after)
	assert.NotSame(t, before, after, "changed backend gets a fresh session")
}

func TestReloadRebuildsRouteMapExactlyOnce(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(
		stdioBackend("a", "./a"),
		stdioBackend("b", "./b"),
	)
	mgr := startedManager(t, current)
	publisher := &countingPublisher{}
	coord := New(current, mgr, noopCatalogs{}, publisher, nil, nil, "test-gateway")

	next := gatewayConfig(
		stdioBackend("a", "./a-v2"),
		stdioBackend("c", "./c"),
		stdioBackend("d", "./d"),
	)
	_, err := coord.Reload(context.Background(), next)
	require.NoError(t, err)

	assert.Equal(t, 1, publisher.count(), "one publication per cycle")
}

func TestReloadRejectsInvalidConfigWithoutTouchingState(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(stdioBackend("a", "./a"))
	mgr := startedManager(t, current)
	publisher := &countingPublisher{}
	coord := New(current, mgr, noopCatalogs{}, publisher, nil, nil, "test-gateway")

	// A stdio backend without a command fails validation.
	bad := gatewayConfig(config.BackendConfig{
		Name:      "a",
		Transport: string(gateway.TransportStdio),
	})

	_, err := coord.Reload(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrInvalidRequest)

	assert.NotNil(t, mgr.Session("a"), "running backend untouched")
	assert.Equal(t, 0, publisher.count())
	assert.Same(t, current, coord.Current(), "active configuration unchanged")
}

func TestReloadNoChangesIsANoOpDelta(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(stdioBackend("a", "./a"))
	mgr := startedManager(t, current)
	publisher := &countingPublisher{}
	coord := New(current, mgr, noopCatalogs{}, publisher, nil, nil, "test-gateway")

	before := mgr.Session("a")
	next := gatewayConfig(stdioBackend("a", "./a"))

	report, err := coord.Reload(context.Background(), next)
	require.NoError(t, err)
	assert.Empty(t, report.Added)
	assert.Empty(t, report.Removed)
	assert.Empty(t, report.Changed)
	assert.Same(t, before, mgr.Session("a"))
}

func TestReloadEmitsAuditEvent(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(stdioBackend("a", "./a"))
	mgr := startedManager(t, current)
	auditor := &captureAuditor{}
	coord := New(current, mgr, noopCatalogs{}, &countingPublisher{}, nil, auditor, "test-gateway")

	next := gatewayConfig(
		stdioBackend("a", "./a"),
		stdioBackend("b", "./b"),
	)
	_, err := coord.Reload(context.Background(), next)
	require.NoError(t, err)

	events := auditor.ofType(audit.EventTypeReload)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, audit.OutcomeSuccess, event.Outcome.Status)
	assert.Equal(t, []string{"b"}, event.Data["added"])
	assert.Equal(t, []string{}, event.Data["removed"])
}

func TestReloadCollectsPerBackendErrors(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(stdioBackend("a", "./a"))

	factory := func(cfg *config.BackendConfig, _ int) (backend.Session, error) {
		if cfg.Name == "broken" {
			return nil, gateway.ErrBackendUnavailable
		}
		return &fakeSession{name: cfg.Name}, nil
	}
	mgr := manager.New(current.Backends, current.Operational.MaxConcurrency, "test-gateway",
		manager.WithSessionFactory(factory))
	require.NoError(t, mgr.StartAll(context.Background()))

	publisher := &countingPublisher{}
	auditor := &captureAuditor{}
	coord := New(current, mgr, noopCatalogs{}, publisher, nil, auditor, "test-gateway")

	next := gatewayConfig(
		stdioBackend("a", "./a"),
		stdioBackend("broken", "./broken"),
	)
	report, err := coord.Reload(context.Background(), next)
	require.NoError(t, err, "a failed backend does not abort the cycle")
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "broken")

	// The map is still republished and the healthy backend untouched.
	assert.Equal(t, 1, publisher.count())
	assert.NotNil(t, mgr.Session("a"))

	events := auditor.ofType(audit.EventTypeReload)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeFailure, events[0].Outcome.Status)
}

func TestReloadCyclesAreSerialized(t *testing.T) {
	t.Parallel()

	current := gatewayConfig(stdioBackend("a", "./a"))
	mgr := startedManager(t, current)
	coord := New(current, mgr, noopCatalogs{}, &countingPublisher{}, nil, nil, "test-gateway")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := gatewayConfig(stdioBackend("a", "./a"), stdioBackend("b", "./b"))
			_, err := coord.Reload(context.Background(), next)
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent reloads deadlocked")
	}

	// After the first cycle adds b, the rest see an empty delta.
	assert.NotNil(t, mgr.Session("b"))
}
