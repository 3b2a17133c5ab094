// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server hosts the upstream-facing MCP endpoint. It exposes the
// aggregated capability catalog over streamable HTTP and SSE, and forwards
// tools/call, resources/read, and prompts/get through the middleware chain.
//
// Tools and resources are registered per session, frozen at the catalog
// generation that was current when the session connected. Prompts are
// registered globally: the SDK has no per-session prompt registration, so
// prompt listings track the live catalog instead.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/middleware"
	"github.com/stacklok/mcpgate/pkg/gateway/session"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const (
	// readHeaderTimeout bounds header parsing. Read and write deadlines
	// stay unset because the SSE stream is long-lived.
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	maxHeaderBytes    = 1 << 20
)

// Config holds the upstream endpoint settings.
type Config struct {
	// Name and Version identify the gateway in the initialize response.
	Name    string
	Version string

	// Host and Port are the listen address.
	Host string
	Port int
}

// Server is the upstream MCP endpoint.
type Server struct {
	cfg      Config
	handler  middleware.Handler
	tracker  *session.Tracker
	snapshot session.Snapshot

	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server

	mu          sync.Mutex
	promptNames map[string]struct{}
}

// New builds the MCP server and wires the session lifecycle hooks. The
// handler is the fully composed middleware chain.
func New(cfg Config, handler middleware.Handler, tracker *session.Tracker, snapshot session.Snapshot) *Server {
	s := &Server{
		cfg:         cfg,
		handler:     handler,
		tracker:     tracker,
		snapshot:    snapshot,
		promptNames: make(map[string]struct{}),
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, cs mcpserver.ClientSession) {
		s.registerSession(cs.SessionID())
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, cs mcpserver.ClientSession) {
		s.tracker.Evict(cs.SessionID())
		logger.Debugw("session unregistered", "session_id", cs.SessionID())
	})

	s.mcpServer = mcpserver.NewMCPServer(cfg.Name, cfg.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithHooks(hooks),
		mcpserver.WithLogging(),
	)
	s.SyncPrompts()
	return s
}

// registerSession freezes the current catalog into the session record and
// registers its tools and resources for this session only.
func (s *Server) registerSession(id string) {
	rec := s.tracker.Touch(id, nil)

	var tools []mcpserver.ServerTool
	var resources []mcpserver.ServerResource
	for _, c := range rec.Catalog {
		switch c.Kind {
		case gateway.KindTool:
			tools = append(tools, mcpserver.ServerTool{
				Tool:    toSDKTool(c),
				Handler: s.toolHandler(c.ExposedName),
			})
		case gateway.KindResource:
			resources = append(resources, mcpserver.ServerResource{
				Resource: toSDKResource(c),
				Handler:  s.resourceHandler(c.ExposedName),
			})
		}
	}
	if len(tools) > 0 {
		if err := s.mcpServer.AddSessionTools(id, tools...); err != nil {
			logger.Warnw("failed to register session tools", "session_id", id, "error", err)
		}
	}
	if len(resources) > 0 {
		if err := s.mcpServer.AddSessionResources(id, resources...); err != nil {
			logger.Warnw("failed to register session resources", "session_id", id, "error", err)
		}
	}

	var generation uint64
	if rec.Routes != nil {
		generation = rec.Routes.Generation
	}
	logger.Infow("session registered",
		"session_id", id,
		"tools", len(tools),
		"resources", len(resources),
		"generation", generation)
}

// SyncPrompts reconciles the globally registered prompts against the live
// catalog. Call it after every route map publication.
func (s *Server) SyncPrompts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]gateway.Capability)
	for _, c := range s.snapshot.Catalog() {
		if c.Kind == gateway.KindPrompt {
			desired[c.ExposedName] = c
		}
	}

	var stale []string
	for name := range s.promptNames {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.mcpServer.DeletePrompts(stale...)
		for _, name := range stale {
			delete(s.promptNames, name)
		}
	}

	var added []mcpserver.ServerPrompt
	for name, c := range desired {
		if _, ok := s.promptNames[name]; ok {
			continue
		}
		added = append(added, mcpserver.ServerPrompt{
			Prompt:  toSDKPrompt(c),
			Handler: s.promptHandler(name),
		})
		s.promptNames[name] = struct{}{}
	}
	if len(added) > 0 {
		s.mcpServer.AddPrompts(added...)
	}
	if len(stale) > 0 || len(added) > 0 {
		logger.Debugw("prompt registrations reconciled", "added", len(added), "removed", len(stale))
	}
}

// dispatch builds the chain request from the handler context and runs it.
// A request on a live transport session refreshes its idle timer.
func (s *Server) dispatch(
	ctx context.Context, method, name string, args, meta map[string]any,
) (*middleware.Response, error) {
	sessionID := sessionIDFromContext(ctx)
	if sessionID != "" {
		s.tracker.Touch(sessionID, nil)
	}
	req := &middleware.Request{
		Method:     method,
		Name:       name,
		Args:       args,
		Meta:       meta,
		Token:      tokenFromContext(ctx),
		SessionID:  sessionID,
		ClientAddr: clientAddrFromContext(ctx),
	}
	return s.handler(ctx, req)
}

func (s *Server) toolHandler(name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		resp, err := s.dispatch(ctx, middleware.MethodCallTool, name, args, fromMCPMeta(request.Params.Meta))
		if err != nil {
			return mcp.NewToolResultError(wireMessage(err)), nil
		}
		return toSDKToolResult(resp.Tool), nil
	}
}

func (s *Server) resourceHandler(uri string) func(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		resp, err := s.dispatch(ctx, middleware.MethodReadResource, uri, nil, nil)
		if err != nil {
			return nil, errors.New(wireMessage(err))
		}
		return toSDKResourceContents(uri, resp.Resource), nil
	}
}

func (s *Server) promptHandler(name string) func(context.Context, mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]any, len(request.Params.Arguments))
		for k, v := range request.Params.Arguments {
			args[k] = v
		}
		resp, err := s.dispatch(ctx, middleware.MethodGetPrompt, name, args, nil)
		if err != nil {
			return nil, errors.New(wireMessage(err))
		}
		return toSDKPromptResult(resp.Prompt), nil
	}
}

// wireMessage renders an error with its JSON-RPC code prefix so an upstream
// gateway can recover the classification from the message text.
func wireMessage(err error) string {
	return fmt.Sprintf("code %d: %s", gateway.WireCode(err), gateway.SanitizeMessage(err.Error()))
}

// Start serves the MCP endpoint until Shutdown. Streamable HTTP is mounted
// at /mcp, SSE at /sse with its message endpoint at /message.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithEndpointPath("/mcp"),
		mcpserver.WithHTTPContextFunc(streamableContextFunc),
	)
	sse := mcpserver.NewSSEServer(s.mcpServer,
		mcpserver.WithBaseURL(fmt.Sprintf("http://%s", addr)),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamable)
	mux.Handle("/sse", sseClientInfo(sse))
	mux.Handle("/message", sseClientInfo(sse))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	logger.Infow("starting MCP server", "address", addr, "endpoints", []string{"/mcp", "/sse"})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Infow("shutting down MCP server")
	return s.httpServer.Shutdown(ctx)
}
