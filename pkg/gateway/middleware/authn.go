// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/gateway"
)

// Auditor receives events from chain layers.
type Auditor interface {
	Emit(*audit.Event)
}

// Authentication validates the request credential with the configured
// provider and attaches the resulting identity to the context. A rejected
// credential fails the request with gateway.ErrUnauthenticated and emits
// one auth_failure audit event.
func Authentication(provider auth.Provider, auditor Auditor, component string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			identity, err := provider.Authenticate(ctx, req.Token)
			if err != nil {
				if auditor != nil {
					auditor.Emit(audit.NewEvent(audit.EventTypeAuthFailure, component).
						WithSource(audit.SourceTypeNetwork, req.ClientAddr).
						WithSubject(audit.SubjectKeySession, req.SessionID).
						WithTarget(audit.TargetKeyMethod, req.Method).
						WithTarget(audit.TargetKeyName, req.Name).
						WithOutcome(audit.Outcome{
							Status:    audit.OutcomeFailure,
							ErrorKind: "unauthenticated",
						}).
						WithData("provider", provider.Name()))
				}
				return nil, fmt.Errorf("%w: %v", gateway.ErrUnauthenticated, err)
			}
			return next(auth.WithIdentity(ctx, identity), req)
		}
	}
}
