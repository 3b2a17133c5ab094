// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/authz"
	"github.com/stacklok/mcpgate/pkg/gateway"
)

// Authorization evaluates the authenticated identity against the policy
// engine. A denial fails the request with gateway.ErrForbidden before any
// backend is contacted, and emits one auth_failure audit event.
func Authorization(engine *authz.Engine, auditor Auditor, component string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			kind, ok := KindForMethod(req.Method)
			if !ok {
				return nil, fmt.Errorf("%w: unsupported method %q", gateway.ErrInvalidRequest, req.Method)
			}

			identity, _ := auth.IdentityFromContext(ctx)
			if err := engine.Authorize(identity, kind, req.Name); err != nil {
				if auditor != nil {
					event := audit.NewEvent(audit.EventTypeAuthFailure, component).
						WithSource(audit.SourceTypeNetwork, req.ClientAddr).
						WithSubject(audit.SubjectKeySession, req.SessionID).
						WithTarget(audit.TargetKeyMethod, req.Method).
						WithTarget(audit.TargetKeyName, req.Name).
						WithTarget(audit.TargetKeyKind, string(kind)).
						WithOutcome(audit.Outcome{
							Status:    audit.OutcomeDenied,
							ErrorKind: "forbidden",
						})
					if identity != nil {
						event = event.WithSubject(audit.SubjectKeyUser, identity.Subject)
					}
					auditor.Emit(event)
				}
				return nil, err
			}
			return next(ctx, req)
		}
	}
}
