// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"regexp"

	"github.com/gobwas/glob"

	"github.com/stacklok/mcpgate/pkg/gateway"
)

// backendNamePattern constrains backend names to identifier characters.
var backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// filterKinds are the accepted keys of BackendConfig.Filters.
var filterKinds = map[string]bool{
	"tools":     true,
	"resources": true,
	"prompts":   true,
}

// Validate checks the configuration tree for structural errors. It returns
// an error wrapping gateway.ErrInvalidConfig on the first violation found.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: at least one backend is required", gateway.ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if err := b.validate(); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("%w: duplicate backend name %q", gateway.ErrInvalidConfig, b.Name)
		}
		seen[b.Name] = true
	}

	if err := c.ConflictResolution.validate(seen); err != nil {
		return err
	}
	if err := c.IncomingAuth.validate(); err != nil {
		return err
	}
	if err := c.Authorization.validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", gateway.ErrInvalidConfig, c.Server.Port)
	}
	return nil
}

func (b *BackendConfig) validate() error {
	if !backendNamePattern.MatchString(b.Name) {
		return fmt.Errorf("%w: backend name %q must match %s",
			gateway.ErrInvalidConfig, b.Name, backendNamePattern.String())
	}

	switch gateway.TransportType(b.Transport) {
	case gateway.TransportStdio:
		if b.Connect.Command == "" {
			return fmt.Errorf("%w: backend %q: stdio transport requires connect.command",
				gateway.ErrInvalidConfig, b.Name)
		}
	case gateway.TransportSSE, gateway.TransportStreamableHTTP:
		if b.Connect.URL == "" {
			return fmt.Errorf("%w: backend %q: %s transport requires connect.url",
				gateway.ErrInvalidConfig, b.Name, b.Transport)
		}
	default:
		return fmt.Errorf("%w: backend %q: unsupported transport %q",
			gateway.ErrInvalidConfig, b.Name, b.Transport)
	}

	if b.Auth != nil {
		switch b.Auth.Type {
		case OutgoingAuthStatic:
			if len(b.Auth.Headers) == 0 {
				return fmt.Errorf("%w: backend %q: static auth requires headers",
					gateway.ErrInvalidConfig, b.Name)
			}
		case OutgoingAuthClientCredentials:
			if b.Auth.TokenURL == "" || b.Auth.ClientID == "" {
				return fmt.Errorf("%w: backend %q: client-credentials auth requires token_url and client_id",
					gateway.ErrInvalidConfig, b.Name)
			}
		default:
			return fmt.Errorf("%w: backend %q: unsupported outgoing auth type %q",
				gateway.ErrInvalidConfig, b.Name, b.Auth.Type)
		}
	}

	for kind, f := range b.Filters {
		if !filterKinds[kind] {
			return fmt.Errorf("%w: backend %q: unknown filter kind %q",
				gateway.ErrInvalidConfig, b.Name, kind)
		}
		for _, pattern := range append(append([]string{}, f.Allow...), f.Deny...) {
			if _, err := glob.Compile(pattern); err != nil {
				return fmt.Errorf("%w: backend %q: invalid %s filter glob %q: %v",
					gateway.ErrInvalidConfig, b.Name, kind, pattern, err)
			}
		}
	}
	return nil
}

func (c *ConflictResolutionConfig) validate(backends map[string]bool) error {
	switch c.Strategy {
	case StrategyFirstWins, StrategyPrefix, StrategyError:
	case StrategyPriority:
		for _, name := range c.Order {
			if !backends[name] {
				return fmt.Errorf("%w: conflict_resolution.order references unknown backend %q",
					gateway.ErrInvalidConfig, name)
			}
		}
	case "manual":
		// Some earlier deployments configured a "manual" strategy; it was
		// never well defined and is rejected outright.
		return fmt.Errorf("%w: conflict strategy %q is not supported; use one of %s, %s, %s, %s",
			gateway.ErrInvalidConfig, c.Strategy,
			StrategyFirstWins, StrategyPrefix, StrategyPriority, StrategyError)
	default:
		return fmt.Errorf("%w: unknown conflict strategy %q", gateway.ErrInvalidConfig, c.Strategy)
	}
	return nil
}

func (a *IncomingAuthConfig) validate() error {
	switch a.Type {
	case IncomingAuthAnonymous:
	case IncomingAuthLocal:
		if a.Token == "" {
			return fmt.Errorf("%w: local auth requires a token", gateway.ErrInvalidConfig)
		}
	case IncomingAuthJWT:
		if a.JWKSURL == "" {
			return fmt.Errorf("%w: jwt auth requires jwks_url", gateway.ErrInvalidConfig)
		}
	case IncomingAuthOIDC:
		if a.Issuer == "" {
			return fmt.Errorf("%w: oidc auth requires issuer", gateway.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown incoming auth type %q", gateway.ErrInvalidConfig, a.Type)
	}
	return nil
}

func (a *AuthorizationConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.DefaultEffect != EffectAllow && a.DefaultEffect != EffectDeny {
		return fmt.Errorf("%w: authorization default_effect must be allow or deny, got %q",
			gateway.ErrInvalidConfig, a.DefaultEffect)
	}
	for i, p := range a.Policies {
		if p.Effect != EffectAllow && p.Effect != EffectDeny {
			return fmt.Errorf("%w: policy %d: effect must be allow or deny, got %q",
				gateway.ErrInvalidConfig, i, p.Effect)
		}
		if len(p.Roles) == 0 || len(p.Resources) == 0 {
			return fmt.Errorf("%w: policy %d: roles and resources must be non-empty",
				gateway.ErrInvalidConfig, i)
		}
		for _, r := range append(append([]string{}, p.Roles...), p.Resources...) {
			if r == "*" {
				continue
			}
			if _, err := glob.Compile(r); err != nil {
				return fmt.Errorf("%w: policy %d: invalid pattern %q: %v",
					gateway.ErrInvalidConfig, i, r, err)
			}
		}
	}
	return nil
}
