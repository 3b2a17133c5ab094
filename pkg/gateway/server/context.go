// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	tokenKey      contextKey = "mcpgate.token"
	clientAddrKey contextKey = "mcpgate.clientAddr"
	sessionIDKey  contextKey = "mcpgate.sessionID"
)

// withClientInfo captures the pieces of the incoming HTTP request the MCP
// handlers need after the SDK has consumed the request body: the bearer
// token, the peer address, and the transport session ID.
func withClientInfo(ctx context.Context, r *http.Request, sessionID string) context.Context {
	if token := bearerToken(r); token != "" {
		ctx = context.WithValue(ctx, tokenKey, token)
	}
	if r.RemoteAddr != "" {
		ctx = context.WithValue(ctx, clientAddrKey, r.RemoteAddr)
	}
	if sessionID != "" {
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	}
	return ctx
}

// streamableContextFunc extracts client info for the streamable HTTP
// transport, which carries its session ID in the Mcp-Session-Id header.
func streamableContextFunc(ctx context.Context, r *http.Request) context.Context {
	return withClientInfo(ctx, r, r.Header.Get("Mcp-Session-Id"))
}

// sseClientInfo wraps the SSE endpoints with client info injection. The SSE
// transport carries its session ID as a query parameter on the message
// endpoint, and the SDK's handlers inherit the request context.
func sseClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := withClientInfo(r.Context(), r, r.URL.Query().Get("sessionId"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func clientAddrFromContext(ctx context.Context) string {
	addr, _ := ctx.Value(clientAddrKey).(string)
	return addr
}

func sessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
