// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/auth"
	"github.com/stacklok/mcpgate/pkg/gateway"
)

// Audit emits a pair of mcp_operation events per request: one at request
// stage before the terminal runs, one at completion stage with the outcome
// and latency. The pair shares the subjects and target; the completion
// event of an operation always follows its request event.
func Audit(auditor Auditor, component string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (*Response, error) {
			base := func() *audit.Event {
				event := audit.NewEvent(audit.EventTypeMCPOperation, component).
					WithSource(audit.SourceTypeNetwork, req.ClientAddr).
					WithSubject(audit.SubjectKeySession, req.SessionID).
					WithTarget(audit.TargetKeyMethod, req.Method).
					WithTarget(audit.TargetKeyName, req.Name)
				if identity, ok := auth.IdentityFromContext(ctx); ok {
					event = event.WithSubject(audit.SubjectKeyUser, identity.Subject)
				}
				return event
			}

			auditor.Emit(base().WithData(audit.DataKeyStage, audit.StageRequest))

			start := time.Now()
			resp, err := next(ctx, req)
			latency := time.Since(start)

			completion := base().WithData(audit.DataKeyStage, audit.StageCompletion)
			if resp != nil {
				if resp.Backend != "" {
					completion = completion.WithTarget(audit.TargetKeyBackend, resp.Backend)
				}
				if resp.OriginalName != "" {
					completion = completion.WithTarget(audit.TargetKeyOriginalName, resp.OriginalName)
				}
			}
			completion = completion.WithOutcome(outcomeFor(err, latency))
			auditor.Emit(completion)

			return resp, err
		}
	}
}

func outcomeFor(err error, latency time.Duration) audit.Outcome {
	o := audit.Outcome{LatencyMS: latency.Milliseconds()}
	switch {
	case err == nil:
		o.Status = audit.OutcomeSuccess
	case errors.Is(err, gateway.ErrForbidden):
		o.Status = audit.OutcomeDenied
	case errors.Is(err, gateway.ErrCancelled):
		o.Status = audit.OutcomeCancelled
	case errors.Is(err, gateway.ErrInternal):
		o.Status = audit.OutcomeError
	default:
		o.Status = audit.OutcomeFailure
	}
	if err != nil {
		o.ErrorKind = gateway.ErrorKind(err)
		o.ErrorType = fmt.Sprintf("%T", errors.Unwrap(err))
	}
	return o
}
