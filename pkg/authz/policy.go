// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz implements the gateway authorization engine: an ordered list
// of role-vs-resource policies with a default effect. Policies are compiled
// once at construction; evaluation is stateless and allocation-free.
package authz

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
)

// Engine evaluates authorization policies. Safe for concurrent use.
type Engine struct {
	enabled      bool
	defaultAllow bool
	policies     []compiledPolicy
}

type compiledPolicy struct {
	allow     bool
	roles     []glob.Glob
	resources []resourceMatcher
}

// resourceMatcher matches one resource pattern: the literal "*" or
// "kind:name-glob".
type resourceMatcher struct {
	any  bool
	kind gateway.CapabilityKind
	name glob.Glob
}

// NewEngine compiles the configured policies. Pattern errors surface here,
// not at request time.
func NewEngine(cfg config.AuthorizationConfig) (*Engine, error) {
	e := &Engine{
		enabled:      cfg.Enabled,
		defaultAllow: cfg.DefaultEffect == config.EffectAllow,
	}
	if !cfg.Enabled {
		return e, nil
	}

	for i, p := range cfg.Policies {
		cp := compiledPolicy{allow: p.Effect == config.EffectAllow}
		for _, pattern := range p.Roles {
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: policy %d: role pattern %q: %v",
					gateway.ErrInvalidConfig, i, pattern, err)
			}
			cp.roles = append(cp.roles, g)
		}
		for _, pattern := range p.Resources {
			m, err := compileResource(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: policy %d: %v", gateway.ErrInvalidConfig, i, err)
			}
			cp.resources = append(cp.resources, m)
		}
		e.policies = append(e.policies, cp)
	}
	return e, nil
}

func compileResource(pattern string) (resourceMatcher, error) {
	if pattern == "*" {
		return resourceMatcher{any: true}, nil
	}
	kind, name, found := strings.Cut(pattern, ":")
	if !found {
		return resourceMatcher{}, fmt.Errorf("resource pattern %q must be \"kind:name-glob\" or \"*\"", pattern)
	}
	switch gateway.CapabilityKind(kind) {
	case gateway.KindTool, gateway.KindResource, gateway.KindPrompt:
	default:
		return resourceMatcher{}, fmt.Errorf("resource pattern %q has unknown kind %q", pattern, kind)
	}
	g, err := glob.Compile(name)
	if err != nil {
		return resourceMatcher{}, fmt.Errorf("resource pattern %q: %v", pattern, err)
	}
	return resourceMatcher{kind: gateway.CapabilityKind(kind), name: g}, nil
}

// Enabled reports whether the engine is active. A disabled engine makes the
// authorization middleware a pass-through.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Authorize evaluates the identity's role set against the policy list for
// the resource "kind:name". The first matching policy decides; if none
// matches, the default effect applies. A denial returns an error wrapping
// gateway.ErrForbidden.
func (e *Engine) Authorize(identity *auth.Identity, kind gateway.CapabilityKind, name string) error {
	if !e.enabled {
		return nil
	}
	if identity == nil {
		// A chain without an authentication layer yields no identity;
		// evaluate it as an anonymous subject with no roles.
		identity = &auth.Identity{Subject: "anonymous"}
	}

	for i := range e.policies {
		p := &e.policies[i]
		if !p.matchesRoles(identity) || !p.matchesResource(kind, name) {
			continue
		}
		if p.allow {
			return nil
		}
		return fmt.Errorf("%w: policy %d denies %s %s:%s",
			gateway.ErrForbidden, i, identity.Subject, kind, name)
	}

	if e.defaultAllow {
		return nil
	}
	return fmt.Errorf("%w: no policy matches %s for %s:%s",
		gateway.ErrForbidden, identity.Subject, kind, name)
}

func (p *compiledPolicy) matchesRoles(identity *auth.Identity) bool {
	for _, g := range p.roles {
		for _, role := range identity.Roles {
			if g.Match(role) {
				return true
			}
		}
	}
	return false
}

func (p *compiledPolicy) matchesResource(kind gateway.CapabilityKind, name string) bool {
	for _, m := range p.resources {
		if m.any {
			return true
		}
		if m.kind == kind && m.name.Match(name) {
			return true
		}
	}
	return false
}
