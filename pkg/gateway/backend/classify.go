// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/stacklok/mcpgate/pkg/gateway"
)

// rpcCodePattern recognizes a JSON-RPC error code embedded in an error
// message, e.g. "request failed: code -32601: method not found". The MCP SDK
// surfaces backend protocol errors as flat strings, so the code has to be
// recovered from the text.
var rpcCodePattern = regexp.MustCompile(`\bcode:?\s(-\d{3,6})\b`)

// classify wraps a transport-level error with the matching gateway sentinel
// so callers can branch with errors.Is. Structured JSON-RPC errors returned
// by the backend become a gateway.BackendError carrying the backend's own
// code, which the northbound surface passes through unchanged.
//
// Detection order: typed checks first (context errors, net.Error), then
// string patterns for errors the SDK does not expose structurally.
func classify(err error, backend, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrTimeout, operation, backend, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrCancelled, operation, backend, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrTimeout, operation, backend, err)
	}

	msg := strings.ToLower(err.Error())

	if m := rpcCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			return &gateway.BackendError{Code: code, Message: err.Error(), Backend: backend}
		}
	}

	if containsTimeout(msg) {
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrTimeout, operation, backend, err)
	}
	if containsConnectionFailure(msg) {
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrTransportFailure, operation, backend, err)
	}
	if containsMalformedResponse(msg) {
		return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrInvalidResponse, operation, backend, err)
	}

	return fmt.Errorf("%w: %s on backend %s: %v", gateway.ErrBackendUnavailable, operation, backend, err)
}

func containsTimeout(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func containsConnectionFailure(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "process exited")
}

func containsMalformedResponse(msg string) bool {
	return strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "invalid character") ||
		strings.Contains(msg, "unexpected end of json") ||
		strings.Contains(msg, "parse error")
}
