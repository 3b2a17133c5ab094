// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/authz"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/gateway/middleware"
)

type chainAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *chainAuditor) Emit(e *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *chainAuditor) ofType(eventType string) []*audit.Event {
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

type chainRoutes map[string]*gateway.RouteTarget

func (r chainRoutes) Resolve(_ gateway.CapabilityKind, name string) (*gateway.RouteTarget, bool) {
	target, ok := r[name]
	return target, ok
}

type chainSessions map[string]backend.Session

func (s chainSessions) Session(name string) backend.Session { return s[name] }

func testChain(t *testing.T, policies []config.PolicyConfig, auditor *chainAuditor) middleware.Handler {
	t.Helper()

	provider, err := auth.NewProvider(context.Background(), auth.Config{Type: "local", Token: "hunter22"})
	require.NoError(t, err)

	engine, err := authz.NewEngine(config.AuthorizationConfig{
		Enabled:       true,
		DefaultEffect: config.EffectDeny,
		Policies:      policies,
	})
	require.NoError(t, err)

	cfg := &config.Config{Audit: config.AuditConfig{Enabled: true}}
	handler, err := buildChain(cfg, "test", chainRoutes{}, chainSessions{}, nil, provider, engine, auditor)
	require.NoError(t, err)
	return handler
}

func TestServeChainDenialAuditsOnce(t *testing.T) {
	t.Parallel()

	auditor := &chainAuditor{}
	// The admin role only matches jira tools; a gh tool falls through to
	// the default deny.
	handler := testChain(t, []config.PolicyConfig{
		{Effect: config.EffectAllow, Roles: []string{"admin"}, Resources: []string{"tool:jira_*"}},
	}, auditor)

	_, err := handler(context.Background(), &middleware.Request{
		Method: middleware.MethodCallTool,
		Name:   "gh_search",
		Token:  "hunter22",
	})
	require.ErrorIs(t, err, gateway.ErrForbidden)

	// Exactly one auth_failure and no mcp_operation: the audit layer sits
	// inside the authorization layer.
	assert.Len(t, auditor.ofType(audit.EventTypeAuthFailure), 1)
	assert.Empty(t, auditor.ofType(audit.EventTypeMCPOperation))
}

func TestServeChainAuditsRoutedRequests(t *testing.T) {
	t.Parallel()

	auditor := &chainAuditor{}
	handler := testChain(t, []config.PolicyConfig{
		{Effect: config.EffectAllow, Roles: []string{"admin"}, Resources: []string{"tool:gh_*"}},
	}, auditor)

	// Authorized but unrouted: the request reaches the terminal and the
	// audit layer records the request/completion pair.
	_, err := handler(context.Background(), &middleware.Request{
		Method: middleware.MethodCallTool,
		Name:   "gh_search",
		Token:  "hunter22",
	})
	require.ErrorIs(t, err, gateway.ErrCapabilityNotFound)

	assert.Len(t, auditor.ofType(audit.EventTypeMCPOperation), 2)
	assert.Empty(t, auditor.ofType(audit.EventTypeAuthFailure))
}
