// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway contains the shared domain types for the MCP aggregation
// gateway. These are core concepts that cross bounded contexts: capability
// records, the published route map, backend lifecycle phases, and status
// records. Subpackages (aggregator, registry, manager, middleware, ...)
// depend on this package, never the other way around.
package gateway

import "time"

// CapabilityKind identifies the kind of an MCP capability.
type CapabilityKind string

// Capability kinds.
const (
	KindTool     CapabilityKind = "tool"
	KindResource CapabilityKind = "resource"
	KindPrompt   CapabilityKind = "prompt"
)

// TransportType identifies a backend transport protocol.
type TransportType string

// Supported backend transports.
const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// Phase represents the lifecycle phase of a backend session.
type Phase string

// Backend lifecycle phases. Transitions are serialized per backend by the
// client manager; a Failed backend is never revived in place, reconnection
// walks the lifecycle again from Initializing with a fresh session.
const (
	PhasePending      Phase = "Pending"
	PhaseInitializing Phase = "Initializing"
	PhaseReady        Phase = "Ready"
	PhaseDegraded     Phase = "Degraded"
	PhaseFailed       Phase = "Failed"
	PhaseShuttingDown Phase = "ShuttingDown"
)

// Routable reports whether a backend in this phase may serve traffic.
// Only Ready and Degraded backends appear in the published route map.
func (p Phase) Routable() bool {
	return p == PhaseReady || p == PhaseDegraded
}

// Condition records one status event on a backend. Conditions are appended
// on phase or health transitions; the latest condition of a matching type is
// updated in place to bound growth, older transitions remain.
type Condition struct {
	Type               string    `json:"type"`
	Status             bool      `json:"status"`
	Reason             string    `json:"reason"`
	Message            string    `json:"message,omitempty"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
}

// Condition type constants.
const (
	ConditionTypeInitialized  = "Initialized"
	ConditionTypeCapabilities = "CapabilitiesFetched"
	ConditionTypeHealthy      = "Healthy"
	ConditionTypeShutdown     = "Shutdown"
)

// Condition reason codes.
const (
	ReasonHandshakeSucceeded    = "HandshakeSucceeded"
	ReasonHandshakeFailed       = "HandshakeFailed"
	ReasonInitTimeout           = "InitTimeout"
	ReasonCapabilityFetchOK     = "CapabilityFetchSucceeded"
	ReasonCapabilityFetchFailed = "CapabilityFetchFailed"
	ReasonHealthProbeSucceeded  = "HealthProbeSucceeded"
	ReasonHealthProbeFailed     = "HealthProbeFailed"
	ReasonSlowProbe             = "SlowProbe"
	ReasonTransportFailure      = "TransportFailure"
	ReasonReloaded              = "Reloaded"
	ReasonShutdownRequested     = "ShutdownRequested"
)

// Capability is one entry of the aggregated catalog: a tool, resource, or
// prompt as seen by upstream clients after filtering, renaming, and conflict
// resolution.
type Capability struct {
	// ExposedName is the name upstream clients use. For resources this is
	// the URI.
	ExposedName string `json:"exposedName"`

	// OriginalName is the name the backend knows the capability by.
	// Empty when no rename occurred.
	OriginalName string `json:"originalName,omitempty"`

	// Kind is the capability kind.
	Kind CapabilityKind `json:"kind"`

	// BackendName identifies the backend that provides this capability.
	BackendName string `json:"backend"`

	// Description describes the capability.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for tool parameters (tools only).
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// MimeType is the resource MIME type (resources only).
	MimeType string `json:"mimeType,omitempty"`

	// Arguments are the prompt parameters (prompts only).
	Arguments []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument represents a prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// RouteTarget is the routing half of a capability record: where an exposed
// name dispatches to and under which original name.
type RouteTarget struct {
	// BackendName identifies the owning backend.
	BackendName string

	// OriginalName preserves the backend-side name when conflict resolution
	// or a tool override renamed the capability. Empty when no rename
	// occurred; use BackendCapabilityName instead of reading this directly.
	OriginalName string

	// Kind is the capability kind.
	Kind CapabilityKind
}

// BackendCapabilityName returns the name to use when forwarding a request to
// the backend: the original name if a rename occurred, the resolved name
// otherwise.
func (t *RouteTarget) BackendCapabilityName(resolvedName string) string {
	if t.OriginalName != "" {
		return t.OriginalName
	}
	return resolvedName
}

// RouteMap maps exposed capability names to their backend targets, one map
// per kind. A RouteMap is immutable once published: the registry builds a new
// value and installs it with an atomic pointer swap, so readers never block
// and never observe a half-built map.
type RouteMap struct {
	// Tools maps exposed tool names to targets. Unique after conflict
	// resolution.
	Tools map[string]*RouteTarget

	// Resources maps resource URIs to targets.
	Resources map[string]*RouteTarget

	// Prompts maps exposed prompt names to targets.
	Prompts map[string]*RouteTarget

	// Generation is a monotonically increasing publication counter.
	Generation uint64
}

// ForKind returns the per-kind map, or nil for an unknown kind.
func (m *RouteMap) ForKind(kind CapabilityKind) map[string]*RouteTarget {
	switch kind {
	case KindTool:
		return m.Tools
	case KindResource:
		return m.Resources
	case KindPrompt:
		return m.Prompts
	default:
		return nil
	}
}

// EmptyRouteMap returns a RouteMap with initialized empty maps.
func EmptyRouteMap() *RouteMap {
	return &RouteMap{
		Tools:     map[string]*RouteTarget{},
		Resources: map[string]*RouteTarget{},
		Prompts:   map[string]*RouteTarget{},
	}
}

// Tool represents a raw MCP tool as reported by a backend.
type Tool struct {
	// Name is the tool name (may conflict with other backends).
	Name string

	// Description describes what the tool does.
	Description string

	// InputSchema is the JSON Schema for tool parameters.
	InputSchema map[string]any

	// BackendName identifies the backend that provides this tool.
	BackendName string
}

// Resource represents a raw MCP resource as reported by a backend.
type Resource struct {
	// URI is the resource URI.
	URI string

	// Name is a human-readable name.
	Name string

	// Description describes the resource.
	Description string

	// MimeType is the resource's MIME type (optional).
	MimeType string

	// BackendName identifies the backend that provides this resource.
	BackendName string
}

// Prompt represents a raw MCP prompt as reported by a backend.
type Prompt struct {
	// Name is the prompt name (may conflict with other backends).
	Name string

	// Description describes the prompt.
	Description string

	// Arguments are the prompt parameters.
	Arguments []PromptArgument

	// BackendName identifies the backend that provides this prompt.
	BackendName string
}

// CapabilityList contains the raw capabilities fetched from one backend.
type CapabilityList struct {
	Tools     []Tool
	Resources []Resource
	Prompts   []Prompt
}

// Counts returns the per-kind sizes of the list.
func (l *CapabilityList) Counts() (tools, resources, prompts int) {
	return len(l.Tools), len(l.Resources), len(l.Prompts)
}

// Content represents MCP content (text, image, audio, embedded resource).
type Content struct {
	// Type indicates the content type: "text", "image", "audio", "resource"
	Type string

	// Text is the content text (for TextContent)
	Text string

	// Data is the base64-encoded data (for ImageContent/AudioContent)
	Data string

	// MimeType is the MIME type (for ImageContent/AudioContent)
	MimeType string

	// URI is the resource URI (for EmbeddedResource)
	URI string
}

// ToolCallResult wraps a tool call response from a backend.
type ToolCallResult struct {
	// Content is the tool output (text, image, etc.)
	Content []Content

	// StructuredContent is structured output when the backend provides it.
	StructuredContent map[string]any

	// IsError indicates if the tool call failed at the tool level.
	IsError bool

	// Meta contains protocol-level metadata from the backend (_meta field).
	Meta map[string]any
}

// ResourceReadResult wraps a resource read response from a backend.
type ResourceReadResult struct {
	// Contents is the concatenated resource data. Text contents are
	// converted to bytes, blob contents are base64-decoded.
	Contents []byte

	// MimeType is the content type of the resource.
	MimeType string

	// Meta contains protocol-level metadata from the backend (_meta field).
	Meta map[string]any
}

// PromptGetResult wraps a prompt response from a backend.
type PromptGetResult struct {
	// Messages is the concatenated prompt text from all messages.
	Messages string

	// Description is an optional description of the prompt.
	Description string

	// Meta contains protocol-level metadata from the backend (_meta field).
	Meta map[string]any
}

// TokenStatus describes the outgoing-auth token cache of a backend, with the
// token value itself never included.
type TokenStatus struct {
	Cached bool      `json:"cached"`
	Expiry time.Time `json:"expiry,omitempty"`
}

// BackendStatus is the observable snapshot of one backend: current phase,
// appended conditions, last probe latency, and capability counts.
type BackendStatus struct {
	Name          string        `json:"name"`
	Group         string        `json:"group"`
	Transport     TransportType `json:"transport"`
	Phase         Phase         `json:"phase"`
	Message       string        `json:"message,omitempty"`
	Conditions    []Condition   `json:"conditions,omitempty"`
	LastLatency   time.Duration `json:"lastLatency"`
	ToolCount     int           `json:"toolCount"`
	ResourceCount int           `json:"resourceCount"`
	PromptCount   int           `json:"promptCount"`
	Token         *TokenStatus  `json:"token,omitempty"`
	Since         time.Time     `json:"since"`
}
