// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the validated configuration value tree consumed by
// the gateway core. The tree is platform-agnostic: it carries no parser or
// secret-resolution concerns, only the already-resolved values. Descriptors
// are immutable once created and replaced wholesale on reload.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Config is the root of the gateway configuration tree.
type Config struct {
	// Name is the gateway instance name, used in logs and audit events.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Server configures the northbound listener.
	Server ServerConfig `json:"server" yaml:"server"`

	// Backends lists the backend descriptors. Order is significant: it is
	// the insertion order used for conflict-resolution tie-breaks.
	Backends []BackendConfig `json:"backends" yaml:"backends"`

	// ConflictResolution selects the aggregation conflict strategy.
	ConflictResolution ConflictResolutionConfig `json:"conflict_resolution" yaml:"conflict_resolution"`

	// IncomingAuth configures authentication of upstream clients.
	IncomingAuth IncomingAuthConfig `json:"incoming_auth" yaml:"incoming_auth"`

	// Authorization configures the policy engine.
	Authorization AuthorizationConfig `json:"authorization" yaml:"authorization"`

	// Audit configures the audit recorder and its sink.
	Audit AuditConfig `json:"audit" yaml:"audit"`

	// Health configures the backend health monitor.
	Health HealthConfig `json:"health" yaml:"health"`

	// Operational holds timeouts and limits.
	Operational OperationalConfig `json:"operational" yaml:"operational"`

	// Telemetry configures the OpenTelemetry integration.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the northbound MCP listener and the management API.
type ServerConfig struct {
	// Host is the bind address. Defaults to 127.0.0.1.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`

	// Port is the MCP listener port.
	Port int `json:"port" yaml:"port"`

	// ManagementPort is the management REST API port. Zero disables the API.
	ManagementPort int `json:"management_port,omitempty" yaml:"management_port,omitempty"`
}

// BackendConfig is one backend descriptor.
type BackendConfig struct {
	// Name uniquely identifies the backend. Must match [A-Za-z0-9_-]+.
	Name string `json:"name" yaml:"name"`

	// Transport is one of stdio, sse, streamable-http.
	Transport string `json:"transport" yaml:"transport"`

	// Connect holds the per-transport connect parameters.
	Connect ConnectConfig `json:"connect" yaml:"connect"`

	// Auth is the outgoing authentication configuration. Nil means the
	// backend requires no authentication.
	Auth *OutgoingAuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	// Group is a logical group label. Defaults to "default".
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// Filters holds per-capability-kind allow/deny rules, keyed by
	// "tools", "resources", or "prompts".
	Filters map[string]FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`

	// ToolOverrides maps original tool names to overrides.
	ToolOverrides map[string]ToolOverride `json:"tool_overrides,omitempty" yaml:"tool_overrides,omitempty"`

	// Timeouts holds per-backend timeout overrides.
	Timeouts *TimeoutConfig `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
}

// ConnectConfig holds transport-specific connect parameters. Command/Args/Env
// apply to stdio; URL/Headers apply to sse and streamable-http.
type ConnectConfig struct {
	// Command is the executable to spawn for stdio backends.
	Command string `json:"command,omitempty" yaml:"command,omitempty"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env is the child process environment, values already resolved.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// URL is the backend MCP endpoint for sse and streamable-http.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Headers are extra request headers for sse and streamable-http.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Outgoing auth strategy names.
const (
	OutgoingAuthStatic            = "static"
	OutgoingAuthClientCredentials = "client-credentials"
)

// OutgoingAuthConfig configures how the gateway authenticates to a backend.
type OutgoingAuthConfig struct {
	// Type is "static" or "client-credentials".
	Type string `json:"type" yaml:"type"`

	// Headers is the fixed header set for the static strategy, values
	// already resolved from secrets.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// TokenURL is the OAuth2 token endpoint for client-credentials.
	TokenURL string `json:"token_url,omitempty" yaml:"token_url,omitempty"`

	// ClientID is the OAuth2 client identifier.
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`

	// ClientSecret is the resolved OAuth2 client secret.
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`

	// Scopes are the requested OAuth2 scopes.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`

	// RefreshBuffer refreshes the cached token this long before its declared
	// expiry. Defaults to 30s.
	RefreshBuffer Duration `json:"refresh_buffer,omitempty" yaml:"refresh_buffer,omitempty"`
}

// FilterConfig holds allow/deny glob lists for one capability kind.
// An empty allow list keeps everything; deny always wins.
type FilterConfig struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// ToolOverride renames a tool and/or replaces its description.
type ToolOverride struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TimeoutConfig holds per-backend timeout overrides.
type TimeoutConfig struct {
	// Init bounds the protocol handshake. Defaults to 15s.
	Init Duration `json:"init,omitempty" yaml:"init,omitempty"`

	// CapFetch bounds a single capability-list fetch. Defaults to 10s.
	CapFetch Duration `json:"cap_fetch,omitempty" yaml:"cap_fetch,omitempty"`

	// SSEStartup gates the first successful read on stream transports.
	// Defaults to 10s.
	SSEStartup Duration `json:"sse_startup,omitempty" yaml:"sse_startup,omitempty"`

	// Call bounds a single backend call. Defaults to 30s.
	Call Duration `json:"call,omitempty" yaml:"call,omitempty"`
}

// Conflict resolution strategy names.
const (
	StrategyFirstWins = "first-wins"
	StrategyPrefix    = "prefix"
	StrategyPriority  = "priority"
	StrategyError     = "error"
)

// ConflictResolutionConfig selects and parameterizes the conflict strategy.
type ConflictResolutionConfig struct {
	// Strategy is one of first-wins, prefix, priority, error.
	Strategy string `json:"strategy" yaml:"strategy"`

	// Separator joins backend name and capability name for the prefix
	// strategy. Defaults to "_".
	Separator string `json:"separator,omitempty" yaml:"separator,omitempty"`

	// Order is the backend priority order for the priority strategy.
	// Backends not listed are appended in insertion order.
	Order []string `json:"order,omitempty" yaml:"order,omitempty"`
}

// Incoming auth type names.
const (
	IncomingAuthAnonymous = "anonymous"
	IncomingAuthLocal     = "local"
	IncomingAuthJWT       = "jwt"
	IncomingAuthOIDC      = "oidc"
)

// IncomingAuthConfig configures upstream client authentication.
type IncomingAuthConfig struct {
	// Type is one of anonymous, local, jwt, oidc.
	Type string `json:"type" yaml:"type"`

	// Token is the static bearer token for the local type, already resolved.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// JWKSURL is the key-set endpoint for the jwt type.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty"`

	// Issuer is the expected token issuer. Required for oidc, where the
	// JWKS URL is discovered from the issuer metadata.
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`

	// Audience is the expected token audience.
	Audience string `json:"audience,omitempty" yaml:"audience,omitempty"`

	// Algorithms restricts accepted signing algorithms. Empty allows RS256.
	Algorithms []string `json:"algorithms,omitempty" yaml:"algorithms,omitempty"`
}

// Authorization effect names.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// AuthorizationConfig configures the policy engine.
type AuthorizationConfig struct {
	// Enabled gates the authorization middleware entirely.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// DefaultEffect applies when no policy matches: allow or deny.
	DefaultEffect string `json:"default_effect,omitempty" yaml:"default_effect,omitempty"`

	// Policies is the ordered policy list. First match wins.
	Policies []PolicyConfig `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// PolicyConfig is one ordered authorization policy.
type PolicyConfig struct {
	// Effect is allow or deny.
	Effect string `json:"effect" yaml:"effect"`

	// Roles are glob patterns matched against the identity's role set.
	Roles []string `json:"roles" yaml:"roles"`

	// Resources are patterns of the form "kind:name-glob" or the literal
	// "*".
	Resources []string `json:"resources" yaml:"resources"`
}

// AuditConfig configures the audit recorder.
type AuditConfig struct {
	// Enabled gates the audit middleware and recorder.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// File is the audit sink path. Empty writes to stdout.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// MaxSizeMB is the sink rotation size in megabytes. Defaults to 100.
	MaxSizeMB int `json:"max_size,omitempty" yaml:"max_size,omitempty"`

	// BackupCount is the number of rotated files to keep. Defaults to 3.
	BackupCount int `json:"backup_count,omitempty" yaml:"backup_count,omitempty"`

	// QueueSize bounds the in-memory event queue. Defaults to 1024.
	QueueSize int `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	// Interval between probes. Defaults to 30s.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// DegradedThreshold is the consecutive-failure count that marks a
	// backend Degraded. Defaults to 1.
	DegradedThreshold int `json:"degraded_threshold,omitempty" yaml:"degraded_threshold,omitempty"`

	// FailedThreshold is the consecutive-failure count that marks a backend
	// Failed. Defaults to 3.
	FailedThreshold int `json:"failed_threshold,omitempty" yaml:"failed_threshold,omitempty"`

	// SlowThreshold is the probe latency that counts as a slow probe.
	// Defaults to 5s.
	SlowThreshold Duration `json:"slow_threshold,omitempty" yaml:"slow_threshold,omitempty"`

	// CheckTimeout bounds one probe. Defaults to 10s.
	CheckTimeout Duration `json:"check_timeout,omitempty" yaml:"check_timeout,omitempty"`
}

// OperationalConfig holds gateway-wide timeouts and limits.
type OperationalConfig struct {
	// MaxConcurrency caps in-flight requests per backend. Defaults to 64.
	MaxConcurrency int `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`

	// SessionTTL expires idle upstream sessions. Defaults to 30m.
	SessionTTL Duration `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"`

	// ReloadDeadline bounds one reload cycle. Defaults to 60s.
	ReloadDeadline Duration `json:"reload_deadline,omitempty" yaml:"reload_deadline,omitempty"`

	// ShutdownDeadline bounds graceful shutdown. Defaults to 30s.
	ShutdownDeadline Duration `json:"shutdown_deadline,omitempty" yaml:"shutdown_deadline,omitempty"`
}

// TelemetryConfig configures the OpenTelemetry integration.
type TelemetryConfig struct {
	// Enabled gates the telemetry middleware.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ServiceName overrides the reported service name.
	ServiceName string `json:"service_name,omitempty" yaml:"service_name,omitempty"`

	// OTLPEndpoint is the OTLP HTTP collector endpoint (host:port). Empty
	// disables trace export; metrics are still served on the management API.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`

	// SamplingRate is the trace sampling ratio in [0, 1]. Defaults to 0.1.
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultInitTimeout      = 15 * time.Second
	DefaultCapFetchTimeout  = 10 * time.Second
	DefaultStartupTimeout   = 10 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultHealthInterval   = 30 * time.Second
	DefaultSlowThreshold    = 5 * time.Second
	DefaultCheckTimeout     = 10 * time.Second
	DefaultSessionTTL       = 30 * time.Minute
	DefaultReloadDeadline   = 60 * time.Second
	DefaultShutdownDeadline = 30 * time.Second
	DefaultMaxConcurrency   = 64
	DefaultRefreshBuffer    = 30 * time.Second
	DefaultSeparator        = "_"
	DefaultGroup            = "default"
)

// ApplyDefaults fills zero-valued fields in place.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.ConflictResolution.Separator == "" {
		c.ConflictResolution.Separator = DefaultSeparator
	}
	if c.IncomingAuth.Type == "" {
		c.IncomingAuth.Type = IncomingAuthAnonymous
	}
	if c.Authorization.DefaultEffect == "" {
		c.Authorization.DefaultEffect = EffectDeny
	}
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 100
	}
	if c.Audit.BackupCount == 0 {
		c.Audit.BackupCount = 3
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Health.Interval.Duration() == 0 {
		c.Health.Interval = Duration(DefaultHealthInterval)
	}
	if c.Health.DegradedThreshold == 0 {
		c.Health.DegradedThreshold = 1
	}
	if c.Health.FailedThreshold == 0 {
		c.Health.FailedThreshold = 3
	}
	if c.Health.SlowThreshold.Duration() == 0 {
		c.Health.SlowThreshold = Duration(DefaultSlowThreshold)
	}
	if c.Health.CheckTimeout.Duration() == 0 {
		c.Health.CheckTimeout = Duration(DefaultCheckTimeout)
	}
	if c.Operational.MaxConcurrency == 0 {
		c.Operational.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Operational.SessionTTL.Duration() == 0 {
		c.Operational.SessionTTL = Duration(DefaultSessionTTL)
	}
	if c.Operational.ReloadDeadline.Duration() == 0 {
		c.Operational.ReloadDeadline = Duration(DefaultReloadDeadline)
	}
	if c.Operational.ShutdownDeadline.Duration() == 0 {
		c.Operational.ShutdownDeadline = Duration(DefaultShutdownDeadline)
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 0.1
	}
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Group == "" {
			b.Group = DefaultGroup
		}
		if b.Auth != nil && b.Auth.Type == OutgoingAuthClientCredentials && b.Auth.RefreshBuffer.Duration() == 0 {
			b.Auth.RefreshBuffer = Duration(DefaultRefreshBuffer)
		}
	}
}

// InitTimeout returns the effective handshake timeout for this backend.
func (b *BackendConfig) InitTimeout() time.Duration {
	if b.Timeouts != nil && b.Timeouts.Init.Duration() > 0 {
		return b.Timeouts.Init.Duration()
	}
	return DefaultInitTimeout
}

// CapFetchTimeout returns the effective capability-fetch timeout.
func (b *BackendConfig) CapFetchTimeout() time.Duration {
	if b.Timeouts != nil && b.Timeouts.CapFetch.Duration() > 0 {
		return b.Timeouts.CapFetch.Duration()
	}
	return DefaultCapFetchTimeout
}

// StartupTimeout returns the effective stream-startup timeout.
func (b *BackendConfig) StartupTimeout() time.Duration {
	if b.Timeouts != nil && b.Timeouts.SSEStartup.Duration() > 0 {
		return b.Timeouts.SSEStartup.Duration()
	}
	return DefaultStartupTimeout
}

// CallTimeout returns the effective per-call timeout.
func (b *BackendConfig) CallTimeout() time.Duration {
	if b.Timeouts != nil && b.Timeouts.Call.Duration() > 0 {
		return b.Timeouts.Call.Duration()
	}
	return DefaultCallTimeout
}

// Hash returns a stable content hash of the descriptor, used by the reload
// coordinator to classify a backend as changed. The hash covers the canonical
// JSON encoding, so map key order does not affect the result.
func (b *BackendConfig) Hash() string {
	data, err := json.Marshal(b)
	if err != nil {
		// BackendConfig contains only marshalable types.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
