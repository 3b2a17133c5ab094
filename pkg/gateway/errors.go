// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Domain errors shared across gateway subpackages. All failure kinds travel
// up the middleware stack as values; the recovery middleware converts them
// into the wire envelope exactly once. Check with errors.Is().

var (
	// ErrInvalidRequest indicates a malformed or unsupported inbound request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCapabilityNotFound indicates the exposed capability name is not in
	// the current route map.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrUnauthenticated indicates the request carried no valid credential.
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrForbidden indicates the authenticated identity is not authorized.
	// Wrapping errors should include the policy that denied, if any.
	ErrForbidden = errors.New("authorization denied")

	// ErrBackendUnavailable indicates the owning backend is not currently
	// routable (not Ready or Degraded).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendOverloaded indicates the per-backend concurrency cap was
	// reached and the request timed out waiting for a slot.
	ErrBackendOverloaded = errors.New("backend overloaded")

	// ErrTimeout indicates a backend call exceeded its deadline.
	// Wrapping errors should include the operation and timeout duration.
	ErrTimeout = errors.New("operation timed out")

	// ErrTransportFailure indicates the backend connection is broken.
	// A session reporting this transitions its backend to Failed.
	ErrTransportFailure = errors.New("transport failure")

	// ErrInvalidResponse indicates the backend returned a malformed reply.
	ErrInvalidResponse = errors.New("invalid backend response")

	// ErrCancelled indicates the caller dropped the request or the deadline
	// propagated a cancellation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrInternal indicates a bug surfaced by the recovery middleware.
	ErrInternal = errors.New("internal error")

	// ErrInvalidConfig indicates invalid configuration was provided.
	// Wrapping errors should provide specific details about what is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// MCP wire codes for the error taxonomy.
const (
	CodeInvalidRequest     = -32600
	CodeCapabilityNotFound = -32601
	CodeUnauthenticated    = -32001
	CodeForbidden          = -32002
	CodeBackendUnavailable = -32003
	CodeBackendOverloaded  = -32004
	CodeTimeout            = -32005
	CodeTransportFailure   = -32006
	CodeInvalidResponse    = -32007
	CodeCancelled          = -32800
	CodeInternal           = -32603
)

// BackendError carries a structured error payload returned by a backend.
// It passes through to the client with its original code; the message is
// sanitized before leaving the process.
type BackendError struct {
	// Code is the JSON-RPC error code reported by the backend.
	Code int

	// Message is the backend's error message.
	Message string

	// Backend identifies the reporting backend.
	Backend string
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s returned error %d: %s", e.Backend, e.Code, e.Message)
}

// WireCode maps an error chain to its MCP wire code. Backend-originated
// structured errors pass through with their original code; everything else
// follows the fixed taxonomy, with unrecognized errors reported as internal.
func WireCode(err error) int {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Code
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrCapabilityNotFound):
		return CodeCapabilityNotFound
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrBackendUnavailable):
		return CodeBackendUnavailable
	case errors.Is(err, ErrBackendOverloaded):
		return CodeBackendOverloaded
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrTransportFailure):
		return CodeTransportFailure
	case errors.Is(err, ErrInvalidResponse):
		return CodeInvalidResponse
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	default:
		return CodeInternal
	}
}

// ErrorKind returns the audit label for an error chain.
func ErrorKind(err error) string {
	var be *BackendError
	if errors.As(err, &be) {
		return "backend_error"
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrCapabilityNotFound):
		return "capability_not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrBackendOverloaded):
		return "backend_overloaded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}

// absPathPattern matches absolute Unix filesystem paths embedded in messages.
var absPathPattern = regexp.MustCompile(`(^|[\s"'(\[=])(/[\w.\-]+)+/?`)

// pidPattern matches "pid 1234" / "PID: 1234" fragments.
var pidPattern = regexp.MustCompile(`(?i)\bpid[:\s=]+\d+`)

// redactionMu guards redactedValues.
var redactionMu sync.RWMutex

// redactedValues holds secret strings that must never leave the process in
// an error message.
var redactedValues []string

// RegisterRedactedValue adds a secret string to the sanitization filter.
// Values shorter than 4 characters are ignored to avoid mangling messages.
func RegisterRedactedValue(v string) {
	if len(v) < 4 {
		return
	}
	redactionMu.Lock()
	defer redactionMu.Unlock()
	redactedValues = append(redactedValues, v)
}

// ResetRedactedValues clears the filter. Intended for tests.
func ResetRedactedValues() {
	redactionMu.Lock()
	defer redactionMu.Unlock()
	redactedValues = nil
}

// SanitizeMessage strips absolute filesystem paths, process IDs, and any
// registered secret value from a user-visible error message. The unsanitized
// message is preserved in the audit trail only.
func SanitizeMessage(msg string) string {
	msg = absPathPattern.ReplaceAllString(msg, "$1<path>")
	msg = pidPattern.ReplaceAllString(msg, "pid <redacted>")
	redactionMu.RLock()
	defer redactionMu.RUnlock()
	for _, v := range redactedValues {
		msg = strings.ReplaceAll(msg, v, "<redacted>")
	}
	return msg
}
