// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware composes the per-request processing chain of the
// gateway: recovery, authentication, authorization, telemetry, audit, and
// the routing terminal, layered onion-style around each MCP operation.
//
// The chain is built once at startup. Disabled layers are omitted entirely
// rather than inserted as no-ops, so the active chain's cost tracks the
// enabled feature set.
package middleware

import (
	"context"

	"github.com/stacklok/mcpgate/pkg/gateway"
)

// MCP methods routed through the chain.
const (
	MethodCallTool     = "tools/call"
	MethodReadResource = "resources/read"
	MethodGetPrompt    = "prompts/get"
)

// KindForMethod maps a routed method to the capability kind it addresses.
// The second return is false for unsupported methods.
func KindForMethod(method string) (gateway.CapabilityKind, bool) {
	switch method {
	case MethodCallTool:
		return gateway.KindTool, true
	case MethodReadResource:
		return gateway.KindResource, true
	case MethodGetPrompt:
		return gateway.KindPrompt, true
	default:
		return "", false
	}
}

// Request is the decorated request context flowing through the chain.
type Request struct {
	// Method is the MCP method, one of the Method* constants.
	Method string

	// Name is the exposed capability name (the resource URI for
	// resources/read).
	Name string

	// Args carries tool or prompt arguments.
	Args map[string]any

	// Meta is the protocol _meta field, forwarded to the backend.
	Meta map[string]any

	// Token is the bearer credential extracted from transport metadata.
	// Empty when the client sent none.
	Token string

	// SessionID is the upstream MCP session identifier.
	SessionID string

	// ClientAddr is the remote network address.
	ClientAddr string
}

// Response is the union of the three operation results. Exactly one of
// Tool, Resource, Prompt is set on success; Backend names the backend that
// served the call for the observability layers above the terminal.
type Response struct {
	Tool     *gateway.ToolCallResult
	Resource *gateway.ResourceReadResult
	Prompt   *gateway.PromptGetResult

	Backend      string
	OriginalName string
}

// Handler processes one request.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a handler with one processing layer.
type Middleware func(Handler) Handler

// Chain composes middlewares around a terminal handler. The first
// middleware listed becomes the outermost layer.
func Chain(terminal Handler, layers ...Middleware) Handler {
	h := terminal
	for i := len(layers) - 1; i >= 0; i-- {
		h = layers[i](h)
	}
	return h
}
