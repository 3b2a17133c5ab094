// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// Recovery is the outermost layer. It converts panics from inner layers
// into gateway.ErrInternal and sanitizes every outgoing error message, so
// file paths, process details, and registered secrets never reach the wire.
// The unsanitized error has already been recorded by the audit layer below.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (resp *Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorw("panic in request chain",
						"method", req.Method, "name", req.Name,
						"panic", r, "stack", string(debug.Stack()))
					resp = nil
					err = fmt.Errorf("%w: %s", gateway.ErrInternal,
						gateway.SanitizeMessage(fmt.Sprint(r)))
				}
			}()

			resp, err = next(ctx, req)
			if err != nil {
				err = &safeError{cause: err, msg: gateway.SanitizeMessage(err.Error())}
			}
			return resp, err
		}
	}
}

// safeError carries a sanitized message while preserving the error chain
// for wire-code mapping.
type safeError struct {
	cause error
	msg   string
}

func (e *safeError) Error() string { return e.msg }

func (e *safeError) Unwrap() error { return e.cause }
