// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/backend"
)

// Resolver is the registry's lookup surface.
type Resolver interface {
	Resolve(kind gateway.CapabilityKind, exposedName string) (*gateway.RouteTarget, bool)
}

// Sessions hands out live backend sessions for routing.
type Sessions interface {
	Session(name string) backend.Session
}

// Health receives request-path failure signals so the health monitor can
// react before its next scheduled round. May be nil.
type Health interface {
	ObserveFailure(name string, err error)
}

// Terminal is the innermost layer: it resolves the exposed name against the
// current route map, restores the backend-side name, and dispatches the
// call on the owning backend's session with the caller's deadline intact.
// Backend-side failures are reported to the health monitor.
func Terminal(resolver Resolver, sessions Sessions, health Health) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		kind, ok := KindForMethod(req.Method)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported method %q", gateway.ErrInvalidRequest, req.Method)
		}

		target, ok := resolver.Resolve(kind, req.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s %q", gateway.ErrCapabilityNotFound, kind, req.Name)
		}

		session := sessions.Session(target.BackendName)
		if session == nil {
			err := fmt.Errorf("%w: backend %s is not routable", gateway.ErrBackendUnavailable, target.BackendName)
			if health != nil {
				health.ObserveFailure(target.BackendName, err)
			}
			return nil, err
		}

		backendName := target.BackendCapabilityName(req.Name)
		resp := &Response{Backend: target.BackendName}
		if backendName != req.Name {
			resp.OriginalName = backendName
		}

		var err error
		switch kind {
		case gateway.KindTool:
			resp.Tool, err = session.CallTool(ctx, backendName, req.Args, req.Meta)
		case gateway.KindResource:
			resp.Resource, err = session.ReadResource(ctx, backendName)
		case gateway.KindPrompt:
			resp.Prompt, err = session.GetPrompt(ctx, backendName, req.Args)
		}
		if err != nil {
			if health != nil {
				health.ObserveFailure(target.BackendName, err)
			}
			return nil, err
		}
		return resp, nil
	}
}
