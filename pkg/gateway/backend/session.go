// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const clientName = "mcpgate"

// mcpSession is the Session implementation over the mark3labs SDK client.
type mcpSession struct {
	name   string
	cfg    *config.BackendConfig
	client *client.Client
	tokens *tokenSource

	// slots caps concurrent call-carrying requests. Acquisition waits for
	// a free slot until the call context runs out.
	slots chan struct{}

	mu   sync.RWMutex
	info *ServerInfo

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newSession(cfg *config.BackendConfig, maxConcurrency int) (*mcpSession, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = config.DefaultMaxConcurrency
	}
	s := &mcpSession{
		name:  cfg.Name,
		cfg:   cfg,
		slots: make(chan struct{}, maxConcurrency),
	}

	switch gateway.TransportType(cfg.Transport) {
	case gateway.TransportStdio:
		env := make([]string, 0, len(cfg.Connect.Env))
		for k, v := range cfg.Connect.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(cfg.Connect.Command, env, cfg.Connect.Args...)
		if err != nil {
			return nil, classify(err, cfg.Name, "spawn subprocess")
		}
		s.client = c
		s.pumpStderr()

	case gateway.TransportSSE:
		httpClient, tokens := s.httpClient()
		c, err := client.NewSSEMCPClient(cfg.Connect.URL, transport.WithHTTPClient(httpClient))
		if err != nil {
			return nil, classify(err, cfg.Name, "create sse client")
		}
		s.client, s.tokens = c, tokens

	case gateway.TransportStreamableHTTP:
		httpClient, tokens := s.httpClient()
		c, err := client.NewStreamableHttpClient(cfg.Connect.URL, transport.WithHTTPBasicClient(httpClient))
		if err != nil {
			return nil, classify(err, cfg.Name, "create streamable-http client")
		}
		s.client, s.tokens = c, tokens

	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", gateway.ErrInvalidConfig, cfg.Transport)
	}

	return s, nil
}

// httpClient builds the HTTP client for stream transports: fixed connect
// headers first, then the outgoing-auth layer.
func (s *mcpSession) httpClient() (*http.Client, *tokenSource) {
	var base http.RoundTripper = http.DefaultTransport
	if len(s.cfg.Connect.Headers) > 0 {
		base = &staticHeaderTransport{base: base, headers: s.cfg.Connect.Headers}
	}
	rt, tokens := outgoingTransport(s.name, s.cfg.Auth, base)
	return &http.Client{Transport: rt}, tokens
}

// pumpStderr routes the subprocess stderr to the operator log, line by line,
// tagged with the backend name. Stdout stays strictly JSON-RPC.
func (s *mcpSession) pumpStderr() {
	stderr, ok := client.GetStderr(s.client)
	if !ok {
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			logger.Infow("backend stderr", "backend", s.name, "line", line)
		}
	}()
}

func (s *mcpSession) Name() string {
	return s.name
}

func (s *mcpSession) Initialize(ctx context.Context) (*ServerInfo, error) {
	t := gateway.TransportType(s.cfg.Transport)
	if t == gateway.TransportSSE || t == gateway.TransportStreamableHTTP {
		// The startup timeout gates the first successful read on the stream.
		startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout())
		err := s.client.Start(startCtx)
		cancel()
		if err != nil {
			return nil, classify(err, s.name, "start stream")
		}
	}

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout())
	defer cancel()

	result, err := s.client.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		return nil, classify(err, s.name, "initialize")
	}

	info := &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Tools:           result.Capabilities.Tools != nil,
		Resources:       result.Capabilities.Resources != nil,
		Prompts:         result.Capabilities.Prompts != nil,
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	logger.Debugw("backend handshake complete",
		"backend", s.name,
		"server", info.Name,
		"version", info.Version,
		"tools", info.Tools,
		"resources", info.Resources,
		"prompts", info.Prompts)
	return info, nil
}

func (s *mcpSession) serverInfo() *ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *mcpSession) FetchCapabilities(ctx context.Context) (*gateway.CapabilityList, error) {
	info := s.serverInfo()
	if info == nil {
		return nil, fmt.Errorf("%w: backend %s not initialized", gateway.ErrInternal, s.name)
	}

	list := &gateway.CapabilityList{}

	if info.Tools {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CapFetchTimeout())
		result, err := s.client.ListTools(fetchCtx, mcp.ListToolsRequest{})
		cancel()
		if err != nil {
			return nil, classify(err, s.name, "list tools")
		}
		for _, tool := range result.Tools {
			list.Tools = append(list.Tools, convertTool(tool, s.name))
		}
	}

	if info.Resources {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CapFetchTimeout())
		result, err := s.client.ListResources(fetchCtx, mcp.ListResourcesRequest{})
		cancel()
		if err != nil {
			return nil, classify(err, s.name, "list resources")
		}
		for _, resource := range result.Resources {
			list.Resources = append(list.Resources, convertResource(resource, s.name))
		}
	}

	if info.Prompts {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CapFetchTimeout())
		result, err := s.client.ListPrompts(fetchCtx, mcp.ListPromptsRequest{})
		cancel()
		if err != nil {
			return nil, classify(err, s.name, "list prompts")
		}
		for _, prompt := range result.Prompts {
			list.Prompts = append(list.Prompts, convertPrompt(prompt, s.name))
		}
	}

	tools, resources, prompts := list.Counts()
	logger.Debugw("fetched backend capabilities",
		"backend", s.name, "tools", tools, "resources", resources, "prompts", prompts)
	return list, nil
}

// acquire claims one concurrency slot. At the in-flight cap the caller
// waits for a slot to free up; a waiter whose context expires first fails
// as overloaded.
func (s *mcpSession) acquire(ctx context.Context) (release func(), err error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: backend %s at %d in-flight requests",
			gateway.ErrBackendOverloaded, s.name, cap(s.slots))
	}
}

// callContext applies the per-call timeout unless the caller's deadline is
// already sooner.
func (s *mcpSession) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.CallTimeout()
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *mcpSession) CallTool(
	ctx context.Context, name string, args map[string]any, meta map[string]any,
) (*gateway.ToolCallResult, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: backend %s session closed", gateway.ErrBackendUnavailable, s.name)
	}
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	release, err := s.acquire(callCtx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := s.client.CallTool(callCtx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
			Meta:      toMCPMeta(meta),
		},
	})
	if err != nil {
		return nil, classify(err, s.name, "call tool "+name)
	}

	content := make([]gateway.Content, len(result.Content))
	for i, item := range result.Content {
		content[i] = convertContent(item)
	}

	var structured map[string]any
	if m, ok := result.StructuredContent.(map[string]any); ok {
		structured = m
	}

	if result.IsError {
		logger.Warnw("tool reported execution error", "backend", s.name, "tool", name)
	}

	return &gateway.ToolCallResult{
		Content:           content,
		StructuredContent: structured,
		IsError:           result.IsError,
		Meta:              fromMCPMeta(result.Meta),
	}, nil
}

func (s *mcpSession) ReadResource(ctx context.Context, uri string) (*gateway.ResourceReadResult, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: backend %s session closed", gateway.ErrBackendUnavailable, s.name)
	}
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	release, err := s.acquire(callCtx)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := s.client.ReadResource(callCtx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, classify(err, s.name, "read resource "+uri)
	}

	// Resources can carry multiple text or blob parts; concatenate them.
	// Blobs are base64 per the protocol and decoded here.
	var data []byte
	var mimeType string
	for i, content := range result.Contents {
		if text, ok := mcp.AsTextResourceContents(content); ok {
			data = append(data, text.Text...)
			if i == 0 {
				mimeType = text.MIMEType
			}
			continue
		}
		if blob, ok := mcp.AsBlobResourceContents(content); ok {
			decoded, decErr := base64.StdEncoding.DecodeString(blob.Blob)
			if decErr != nil {
				return nil, fmt.Errorf("%w: resource %s on backend %s: %v",
					gateway.ErrInvalidResponse, uri, s.name, decErr)
			}
			data = append(data, decoded...)
			if i == 0 {
				mimeType = blob.MIMEType
			}
		}
	}

	return &gateway.ResourceReadResult{
		Contents: data,
		MimeType: mimeType,
		Meta:     fromMCPMeta(result.Meta),
	}, nil
}

func (s *mcpSession) GetPrompt(
	ctx context.Context, name string, args map[string]any,
) (*gateway.PromptGetResult, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: backend %s session closed", gateway.ErrBackendUnavailable, s.name)
	}
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	release, err := s.acquire(callCtx)
	if err != nil {
		return nil, err
	}
	defer release()

	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}

	result, err := s.client.GetPrompt(callCtx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: name, Arguments: stringArgs},
	})
	if err != nil {
		return nil, classify(err, s.name, "get prompt "+name)
	}

	var sb strings.Builder
	for _, msg := range result.Messages {
		if msg.Role != "" {
			fmt.Fprintf(&sb, "[%s] ", msg.Role)
		}
		if text, ok := mcp.AsTextContent(msg.Content); ok {
			sb.WriteString(text.Text)
			sb.WriteString("\n")
		}
	}

	return &gateway.PromptGetResult{
		Messages:    sb.String(),
		Description: result.Description,
		Meta:        fromMCPMeta(result.Meta),
	}, nil
}

func (s *mcpSession) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: backend %s session closed", gateway.ErrBackendUnavailable, s.name)
	}
	if err := s.client.Ping(ctx); err != nil {
		return classify(err, s.name, "ping")
	}
	return nil
}

func (s *mcpSession) TokenStatus() *gateway.TokenStatus {
	if s.tokens == nil {
		return nil
	}
	return s.tokens.status()
}

func (s *mcpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
