// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/authz"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

type captureAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *captureAuditor) Emit(e *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *captureAuditor) all() []*audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*audit.Event(nil), a.events...)
}

// routeTable is a fixed Resolver.
type routeTable map[string]*gateway.RouteTarget

func (r routeTable) Resolve(_ gateway.CapabilityKind, name string) (*gateway.RouteTarget, bool) {
	target, ok := r[name]
	return target, ok
}

// stubSession records the backend-side name it was called with.
type stubSession struct {
	mu       sync.Mutex
	called   []string
	toolErr  error
	toolResp *gateway.ToolCallResult
}

func (s *stubSession) Name() string { return "stub" }

func (s *stubSession) Initialize(context.Context) (*backend.ServerInfo, error) {
	return &backend.ServerInfo{}, nil
}

func (s *stubSession) FetchCapabilities(context.Context) (*gateway.CapabilityList, error) {
	return &gateway.CapabilityList{}, nil
}

func (s *stubSession) CallTool(_ context.Context, name string, _ map[string]any, _ map[string]any) (*gateway.ToolCallResult, error) {
	s.mu.Lock()
	s.called = append(s.called, name)
	s.mu.Unlock()
	if s.toolErr != nil {
		return nil, s.toolErr
	}
	if s.toolResp != nil {
		return s.toolResp, nil
	}
	return &gateway.ToolCallResult{}, nil
}

func (s *stubSession) ReadResource(_ context.Context, uri string) (*gateway.ResourceReadResult, error) {
	s.mu.Lock()
	s.called = append(s.called, uri)
	s.mu.Unlock()
	return &gateway.ResourceReadResult{MimeType: "text/plain"}, nil
}

func (s *stubSession) GetPrompt(_ context.Context, name string, _ map[string]any) (*gateway.PromptGetResult, error) {
	s.mu.Lock()
	s.called = append(s.called, name)
	s.mu.Unlock()
	return &gateway.PromptGetResult{}, nil
}

func (s *stubSession) Ping(context.Context) error { return nil }

func (s *stubSession) TokenStatus() *gateway.TokenStatus { return nil }

func (s *stubSession) Close() error { return nil }

// sessionMap is a fixed Sessions source.
type sessionMap map[string]backend.Session

func (m sessionMap) Session(name string) backend.Session { return m[name] }

func toolRequest(name string) *Request {
	return &Request{
		Method:     MethodCallTool,
		Name:       name,
		SessionID:  "sess-1",
		ClientAddr: "127.0.0.1:51234",
	}
}

func TestChainComposesOutermostFirst(t *testing.T) {
	t.Parallel()

	var order []string
	layer := func(tag string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, tag)
				return next(ctx, req)
			}
		}
	}
	terminal := func(context.Context, *Request) (*Response, error) {
		order = append(order, "terminal")
		return &Response{}, nil
	}

	h := Chain(terminal, layer("outer"), layer("inner"))
	_, err := h(context.Background(), toolRequest("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "terminal"}, order)
}

func TestRecoveryConvertsPanics(t *testing.T) {
	t.Parallel()

	h := Chain(func(context.Context, *Request) (*Response, error) {
		panic("boom at /etc/mcpgate/secret.yaml")
	}, Recovery())

	_, err := h(context.Background(), toolRequest("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrInternal)
	assert.NotContains(t, err.Error(), "/etc/mcpgate")
}

func TestRecoverySanitizesErrorsButKeepsWireCode(t *testing.T) {
	t.Parallel()

	inner := errors.New("open /var/run/mcpgate/gh.sock: connection refused")
	h := Chain(func(context.Context, *Request) (*Response, error) {
		return nil, errors.Join(gateway.ErrTransportFailure, inner)
	}, Recovery())

	_, err := h(context.Background(), toolRequest("x"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "/var/run")
	assert.Equal(t, gateway.CodeTransportFailure, gateway.WireCode(err))
}

func TestAuthenticationAttachesIdentity(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewProvider(context.Background(), auth.Config{Type: "local", Token: "hunter22"})
	require.NoError(t, err)

	var seen *auth.Identity
	h := Chain(func(ctx context.Context, _ *Request) (*Response, error) {
		seen, _ = auth.IdentityFromContext(ctx)
		return &Response{}, nil
	}, Authentication(provider, nil, "test"))

	req := toolRequest("x")
	req.Token = "hunter22"
	_, err = h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "local", seen.Subject)
	assert.True(t, seen.HasRole("admin"))
}

func TestAuthenticationFailureEmitsOneAuditAndStops(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewProvider(context.Background(), auth.Config{Type: "local", Token: "hunter22"})
	require.NoError(t, err)

	auditor := &captureAuditor{}
	var terminalCalled bool
	h := Chain(func(context.Context, *Request) (*Response, error) {
		terminalCalled = true
		return &Response{}, nil
	}, Authentication(provider, auditor, "test"))

	req := toolRequest("x")
	req.Token = "wrong"
	_, err = h(context.Background(), req)

	require.ErrorIs(t, err, gateway.ErrUnauthenticated)
	assert.Equal(t, gateway.CodeUnauthenticated, gateway.WireCode(err))
	assert.False(t, terminalCalled)

	events := auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAuthFailure, events[0].Type)
	assert.Equal(t, audit.OutcomeFailure, events[0].Outcome.Status)
}

func TestAuthorizationDefaultDenyEmitsOneAuditNoBackendCall(t *testing.T) {
	t.Parallel()

	engine, err := authz.NewEngine(config.AuthorizationConfig{
		Enabled:       true,
		DefaultEffect: config.EffectDeny,
		Policies: []config.PolicyConfig{
			{Effect: config.EffectAllow, Roles: []string{"admin"}, Resources: []string{"*"}},
		},
	})
	require.NoError(t, err)

	session := &stubSession{}
	auditor := &captureAuditor{}
	terminal := Terminal(
		routeTable{"gh_search": {BackendName: "gh", Kind: gateway.KindTool}},
		sessionMap{"gh": session},
		nil,
	)
	h := Chain(terminal, Authorization(engine, auditor, "test"))

	// Identity with no roles: no policy matches, default effect denies.
	ctx := auth.WithIdentity(context.Background(), &auth.Identity{Subject: "guest"})
	_, err = h(ctx, toolRequest("gh_search"))

	require.ErrorIs(t, err, gateway.ErrForbidden)
	assert.Equal(t, gateway.CodeForbidden, gateway.WireCode(err))
	assert.Empty(t, session.called)

	events := auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeAuthFailure, events[0].Type)
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome.Status)
	assert.Equal(t, "guest", events[0].Subjects[audit.SubjectKeyUser])
}

func TestAuditEmitsRequestAndCompletionPair(t *testing.T) {
	t.Parallel()

	auditor := &captureAuditor{}
	session := &stubSession{}
	terminal := Terminal(
		routeTable{"gh_search": {BackendName: "gh", OriginalName: "search", Kind: gateway.KindTool}},
		sessionMap{"gh": session},
		nil,
	)
	h := Chain(terminal, Audit(auditor, "test"))

	_, err := h(context.Background(), toolRequest("gh_search"))
	require.NoError(t, err)

	events := auditor.all()
	require.Len(t, events, 2)

	first, second := events[0], events[1]
	assert.Equal(t, audit.StageRequest, first.Data[audit.DataKeyStage])
	assert.Equal(t, audit.StageCompletion, second.Data[audit.DataKeyStage])
	assert.Equal(t, audit.OutcomeSuccess, second.Outcome.Status)
	assert.Equal(t, "gh", second.Target[audit.TargetKeyBackend])
	assert.Equal(t, "search", second.Target[audit.TargetKeyOriginalName])
	assert.False(t, second.LoggedAt.Before(first.LoggedAt))
}

func TestAuditOutcomeMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"forbidden is denied", gateway.ErrForbidden, audit.OutcomeDenied},
		{"cancelled", gateway.ErrCancelled, audit.OutcomeCancelled},
		{"internal is error", gateway.ErrInternal, audit.OutcomeError},
		{"backend failure", gateway.ErrBackendUnavailable, audit.OutcomeFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			auditor := &captureAuditor{}
			h := Chain(func(context.Context, *Request) (*Response, error) {
				return nil, tt.err
			}, Audit(auditor, "test"))

			_, err := h(context.Background(), toolRequest("x"))
			require.Error(t, err)

			events := auditor.all()
			require.Len(t, events, 2)
			assert.Equal(t, tt.status, events[1].Outcome.Status)
		})
	}
}

func TestTerminalUnknownCapability(t *testing.T) {
	t.Parallel()

	h := Terminal(routeTable{}, sessionMap{}, nil)
	_, err := h(context.Background(), toolRequest("nope"))
	require.ErrorIs(t, err, gateway.ErrCapabilityNotFound)
	assert.Equal(t, gateway.CodeCapabilityNotFound, gateway.WireCode(err))
}

func TestTerminalUnroutableBackend(t *testing.T) {
	t.Parallel()

	h := Terminal(
		routeTable{"gh_search": {BackendName: "gh", Kind: gateway.KindTool}},
		sessionMap{}, // backend not routable: no session
		nil,
	)
	_, err := h(context.Background(), toolRequest("gh_search"))
	require.ErrorIs(t, err, gateway.ErrBackendUnavailable)
}

func TestTerminalRestoresOriginalName(t *testing.T) {
	t.Parallel()

	session := &stubSession{}
	h := Terminal(
		routeTable{"gh_web_search": {BackendName: "gh", OriginalName: "search", Kind: gateway.KindTool}},
		sessionMap{"gh": session},
		nil,
	)

	resp, err := h(context.Background(), toolRequest("gh_web_search"))
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, session.called)
	assert.Equal(t, "gh", resp.Backend)
	assert.Equal(t, "search", resp.OriginalName)
}

func TestTerminalRejectsUnknownMethod(t *testing.T) {
	t.Parallel()

	h := Terminal(routeTable{}, sessionMap{}, nil)
	_, err := h(context.Background(), &Request{Method: "tools/list", Name: "x"})
	require.ErrorIs(t, err, gateway.ErrInvalidRequest)
}

// captureHealth records the backends reported through ObserveFailure.
type captureHealth struct {
	mu       sync.Mutex
	observed []string
}

func (h *captureHealth) ObserveFailure(name string, _ error) {
	h.mu.Lock()
	h.observed = append(h.observed, name)
	h.mu.Unlock()
}

// hangingSession never answers a tool call before the caller's deadline.
type hangingSession struct {
	stubSession
}

func (s *hangingSession) CallTool(ctx context.Context, name string, _ map[string]any, _ map[string]any) (*gateway.ToolCallResult, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: backend gh: call tool %s: %v", gateway.ErrTimeout, name, ctx.Err())
	case <-time.After(time.Minute):
		return nil, errors.New("deadline never fired")
	}
}

func TestTerminalReportsBackendFailuresToHealth(t *testing.T) {
	t.Parallel()

	session := &stubSession{toolErr: fmt.Errorf("%w: backend gh: connection reset", gateway.ErrTransportFailure)}
	health := &captureHealth{}
	h := Terminal(
		routeTable{"gh_search": {BackendName: "gh", Kind: gateway.KindTool}},
		sessionMap{"gh": session},
		health,
	)

	_, err := h(context.Background(), toolRequest("gh_search"))
	require.ErrorIs(t, err, gateway.ErrTransportFailure)
	assert.Equal(t, []string{"gh"}, health.observed)

	// An unroutable backend is reported as well.
	h = Terminal(
		routeTable{"gh_search": {BackendName: "gh", Kind: gateway.KindTool}},
		sessionMap{},
		health,
	)
	_, err = h(context.Background(), toolRequest("gh_search"))
	require.ErrorIs(t, err, gateway.ErrBackendUnavailable)
	assert.Equal(t, []string{"gh", "gh"}, health.observed)
}

func TestTerminalHonorsCallerDeadline(t *testing.T) {
	t.Parallel()

	session := &hangingSession{}
	h := Terminal(
		routeTable{"gh_search": {BackendName: "gh", Kind: gateway.KindTool}},
		sessionMap{"gh": session},
		nil,
	)

	deadline := 200 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	start := time.Now()
	_, err := h(ctx, toolRequest("gh_search"))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, gateway.ErrTimeout)
	assert.Less(t, elapsed, deadline+deadline/10)
}

func TestFullChainScenario(t *testing.T) {
	t.Parallel()

	provider, err := auth.NewProvider(context.Background(), auth.Config{Type: "local", Token: "hunter22"})
	require.NoError(t, err)

	engine, err := authz.NewEngine(config.AuthorizationConfig{
		Enabled:       true,
		DefaultEffect: config.EffectDeny,
		Policies: []config.PolicyConfig{
			{Effect: config.EffectAllow, Roles: []string{"admin"}, Resources: []string{"tool:gh_*"}},
		},
	})
	require.NoError(t, err)

	session := &stubSession{toolResp: &gateway.ToolCallResult{
		Content: []gateway.Content{{Type: "text", Text: "ok"}},
	}}
	auditor := &captureAuditor{}

	h := Chain(
		Terminal(
			routeTable{"gh_search": {BackendName: "gh", OriginalName: "search", Kind: gateway.KindTool}},
			sessionMap{"gh": session},
			nil,
		),
		Recovery(),
		Authentication(provider, auditor, "test"),
		Authorization(engine, auditor, "test"),
		Audit(auditor, "test"),
	)

	req := toolRequest("gh_search")
	req.Token = "hunter22"
	resp, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Tool)
	assert.Equal(t, "ok", resp.Tool.Content[0].Text)

	// Two mcp_operation events, no auth failures.
	events := auditor.all()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, audit.EventTypeMCPOperation, e.Type)
		assert.Equal(t, "local", e.Subjects[audit.SubjectKeyUser])
	}
}
