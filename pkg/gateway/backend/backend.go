// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package backend implements the per-backend MCP session over the three
// supported transports: a local subprocess speaking line-framed JSON-RPC on
// stdio, Server-Sent Events, and Streamable HTTP.
//
// A Session is persistent: it is dialed once by the client manager, carries
// the protocol handshake state, and serves calls until closed. Outgoing
// authentication (static headers or OAuth2 client credentials) is applied at
// the HTTP transport layer, invisible to callers.
package backend

import (
	"context"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

// Session is a live connection to one backend MCP server.
//
// All methods are safe for concurrent use. Call-carrying methods (CallTool,
// ReadResource, GetPrompt) count against the per-session concurrency cap and
// fail fast with gateway.ErrBackendOverloaded when the cap is reached; Ping
// and FetchCapabilities bypass the cap so health probing and catalog refresh
// stay possible under load.
type Session interface {
	// Name returns the backend name this session serves.
	Name() string

	// Initialize performs the MCP protocol handshake. It must be called
	// exactly once before any other call; it is bounded by the backend's
	// init timeout.
	Initialize(ctx context.Context) (*ServerInfo, error)

	// FetchCapabilities queries the backend's raw tool, resource, and
	// prompt catalogs. Kinds the server did not advertise during the
	// handshake are skipped.
	FetchCapabilities(ctx context.Context) (*gateway.CapabilityList, error)

	// CallTool invokes a tool under its backend-side name.
	CallTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (*gateway.ToolCallResult, error)

	// ReadResource reads a resource by its backend-side URI.
	ReadResource(ctx context.Context, uri string) (*gateway.ResourceReadResult, error)

	// GetPrompt fetches a prompt under its backend-side name.
	GetPrompt(ctx context.Context, name string, args map[string]any) (*gateway.PromptGetResult, error)

	// Ping issues a cheap liveness call.
	Ping(ctx context.Context) error

	// TokenStatus reports the outgoing-auth token cache. Nil when the
	// backend does not use the client-credentials strategy.
	TokenStatus() *gateway.TokenStatus

	// Close releases the underlying transport. Idempotent; for stdio
	// backends it terminates the child process.
	Close() error
}

// ServerInfo is the backend's self-identification from the handshake.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string

	// Tools, Resources, Prompts report which capability kinds the server
	// advertised.
	Tools     bool
	Resources bool
	Prompts   bool
}

// New dials a session for the given descriptor. The connection is
// established (the subprocess spawned, the stream opened) but the protocol
// handshake is deferred to Initialize so the caller controls its deadline.
func New(cfg *config.BackendConfig, maxConcurrency int) (Session, error) {
	return newSession(cfg, maxConcurrency)
}
