// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/middleware"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
)

// fixedSnapshot serves a static catalog.
type fixedSnapshot struct {
	routes  *gateway.RouteMap
	catalog []gateway.Capability
}

func (s *fixedSnapshot) Current() *gateway.RouteMap {
	if s.routes == nil {
		return gateway.EmptyRouteMap()
	}
	return s.routes
}
func (s *fixedSnapshot) Catalog() []gateway.Capability { return s.catalog }

func promptCap(name string) gateway.Capability {
	return gateway.Capability{Kind: gateway.KindPrompt, ExposedName: name, BackendName: "gh"}
}

func newTestServer(handler middleware.Handler, snap session.Snapshot) *Server {
	tracker := session.NewTracker(time.Minute, snap)
	return New(Config{Name: "mcpgate", Version: "test", Host: "127.0.0.1", Port: 0}, handler, tracker, snap)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/mcp", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Bearer tok-123")
	assert.Equal(t, "tok-123", bearerToken(r))

	r.Header.Set("Authorization", "bearer tok-456")
	assert.Equal(t, "tok-456", bearerToken(r), "scheme is case-insensitive")

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(r))
}

func TestWithClientInfoRoundTrip(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("POST", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	r.Header.Set("Mcp-Session-Id", "sess-1")
	r.RemoteAddr = "10.0.0.7:51234"

	ctx := streamableContextFunc(context.Background(), r)
	assert.Equal(t, "tok-123", tokenFromContext(ctx))
	assert.Equal(t, "10.0.0.7:51234", clientAddrFromContext(ctx))
	assert.Equal(t, "sess-1", sessionIDFromContext(ctx))
}

func TestToSDKToolUnpacksSchema(t *testing.T) {
	t.Parallel()

	c := gateway.Capability{
		Kind:        gateway.KindTool,
		ExposedName: "gh_search",
		Description: "Search issues",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			// Decoded JSON carries required as []any.
			"required": []any{"query"},
		},
	}

	tool := toSDKTool(c)
	assert.Equal(t, "gh_search", tool.Name)
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Contains(t, tool.InputSchema.Properties, "query")
	assert.Equal(t, []string{"query"}, tool.InputSchema.Required)
}

func TestToSDKToolEmptySchemaDefaultsToObject(t *testing.T) {
	t.Parallel()

	tool := toSDKTool(gateway.Capability{Kind: gateway.KindTool, ExposedName: "noop"})
	assert.Equal(t, "object", tool.InputSchema.Type)
	assert.Nil(t, tool.InputSchema.Required)
}

func TestToSDKToolResultPreservesStructuredContentAndMeta(t *testing.T) {
	t.Parallel()

	result := toSDKToolResult(&gateway.ToolCallResult{
		Content:           []gateway.Content{{Type: "text", Text: "hello"}},
		StructuredContent: map[string]any{"count": 3},
		IsError:           true,
		Meta:              map[string]any{"progressToken": "pt-1", "traceId": "abc"},
	})

	assert.True(t, result.IsError)
	assert.Equal(t, map[string]any{"count": 3}, result.StructuredContent)
	require.NotNil(t, result.Meta)
	assert.Equal(t, "pt-1", result.Meta.ProgressToken)
	assert.Equal(t, "abc", result.Meta.AdditionalFields["traceId"])
	require.Len(t, result.Content, 1)
}

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Nil(t, toMCPMeta(nil))
	assert.Nil(t, fromMCPMeta(nil))

	meta := toMCPMeta(map[string]any{"progressToken": "pt-9", "k": "v"})
	flat := fromMCPMeta(meta)
	assert.Equal(t, map[string]any{"progressToken": "pt-9", "k": "v"}, flat)
}

func TestWireMessageCarriesCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("%w: no such tool", gateway.ErrCapabilityNotFound)
	assert.Equal(t, "code -32601: capability not found: no such tool", wireMessage(err))

	assert.Contains(t, wireMessage(gateway.ErrBackendUnavailable), "code -32003")
}

func TestSyncPromptsReconcilesCatalog(t *testing.T) {
	t.Parallel()

	snap := &fixedSnapshot{catalog: []gateway.Capability{promptCap("gh_review")}}
	handler := func(context.Context, *middleware.Request) (*middleware.Response, error) {
		return &middleware.Response{}, nil
	}
	srv := newTestServer(handler, snap)

	assert.Contains(t, srv.promptNames, "gh_review")

	snap.catalog = []gateway.Capability{promptCap("gh_summarize")}
	srv.SyncPrompts()

	assert.Contains(t, srv.promptNames, "gh_summarize")
	assert.NotContains(t, srv.promptNames, "gh_review")
	assert.Len(t, srv.promptNames, 1)
}

func TestDispatchBuildsChainRequest(t *testing.T) {
	t.Parallel()

	var got *middleware.Request
	handler := func(_ context.Context, req *middleware.Request) (*middleware.Response, error) {
		got = req
		return &middleware.Response{Tool: &gateway.ToolCallResult{}}, nil
	}
	snap := &fixedSnapshot{}
	srv := newTestServer(handler, snap)

	r := httptest.NewRequest("POST", "/mcp", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	r.Header.Set("Mcp-Session-Id", "sess-1")
	r.RemoteAddr = "10.0.0.7:51234"
	ctx := streamableContextFunc(context.Background(), r)

	resp, err := srv.dispatch(ctx, middleware.MethodCallTool, "gh_search",
		map[string]any{"query": "bug"}, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Tool)

	require.NotNil(t, got)
	assert.Equal(t, middleware.MethodCallTool, got.Method)
	assert.Equal(t, "gh_search", got.Name)
	assert.Equal(t, map[string]any{"query": "bug"}, got.Args)
	assert.Equal(t, "tok-123", got.Token)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "10.0.0.7:51234", got.ClientAddr)

	// The request registered the transport session with the tracker.
	assert.Equal(t, 1, srv.tracker.Len())
}

func TestDispatchPropagatesChainError(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, *middleware.Request) (*middleware.Response, error) {
		return nil, gateway.ErrForbidden
	}
	srv := newTestServer(handler, &fixedSnapshot{})

	_, err := srv.dispatch(context.Background(), middleware.MethodCallTool, "gh_search", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrForbidden)
	assert.Contains(t, wireMessage(err), "code -32002")
}

func TestToSDKResourceContentsDefaultsMimeType(t *testing.T) {
	t.Parallel()

	contents := toSDKResourceContents("docs://readme", &gateway.ResourceReadResult{
		Contents: []byte("hello"),
	})
	require.Len(t, contents, 1)
}
