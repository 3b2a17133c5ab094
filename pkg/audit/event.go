// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the typed audit channel of the gateway. Audit
// records are immutable values with a fixed schema, written to a rotating
// newline-delimited JSON sink. The audit channel is distinct from the
// operator log: free-text logging never goes through it.
package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LevelAudit is the slog level for audit records. It sits above error so
// operator log-level configuration cannot suppress audit output.
const LevelAudit = slog.LevelError + 4

// Event kinds.
const (
	EventTypeMCPOperation      = "mcp_operation"
	EventTypeCapabilityDropped = "capability_dropped"
	EventTypeBackendTransition = "backend_transition"
	EventTypeAuthFailure       = "auth_failure"
	EventTypeReload            = "reload"
)

// Outcome values.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeDenied    = "denied"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Source keys.
const (
	SourceTypeNetwork = "network"
	SourceTypeLocal   = "local"
)

// Target keys.
const (
	TargetKeyBackend      = "backend"
	TargetKeyMethod       = "method"
	TargetKeyName         = "name"
	TargetKeyOriginalName = "original_name"
	TargetKeyKind         = "kind"
)

// Stage values for paired request/completion events. The request-stage
// event of one operation always precedes its completion-stage event.
const (
	DataKeyStage    = "stage"
	StageRequest    = "request"
	StageCompletion = "completion"
)

// Subject keys.
const (
	SubjectKeyUser     = "user"
	SubjectKeyUserID   = "user_id"
	SubjectKeySession  = "session"
	SubjectKeyClientIP = "client_ip"
)

// Metadata identifies one audit event.
type Metadata struct {
	// AuditID is a 128-bit random event identifier.
	AuditID string `json:"auditID"`

	// Extra carries additional free-form metadata.
	Extra map[string]any `json:"extra,omitempty"`
}

// Source describes where the audited request came from.
type Source struct {
	// Type is the source channel, e.g. "network".
	Type string `json:"type"`

	// Value is the source address or identifier.
	Value string `json:"value"`

	// Extra carries additional source attributes.
	Extra map[string]any `json:"extra,omitempty"`
}

// Outcome captures how the audited operation concluded.
type Outcome struct {
	// Status is one of the Outcome* constants.
	Status string `json:"status"`

	// LatencyMS is the operation duration in milliseconds.
	LatencyMS int64 `json:"latency_ms,omitempty"`

	// ErrorKind is the taxonomy label when the operation failed.
	ErrorKind string `json:"error_kind,omitempty"`

	// ErrorType is the Go error type name, for debugging.
	ErrorType string `json:"error_type,omitempty"`
}

// Event is one immutable audit record.
type Event struct {
	// Metadata identifies the event.
	Metadata Metadata `json:"metadata"`

	// Type is the event kind.
	Type string `json:"type"`

	// LoggedAt is the UTC timestamp of the event.
	LoggedAt time.Time `json:"loggedAt"`

	// Source describes the request origin.
	Source Source `json:"source"`

	// Outcome captures the result.
	Outcome Outcome `json:"outcome"`

	// Subjects identifies the principals involved.
	Subjects map[string]string `json:"subjects,omitempty"`

	// Component names the emitting gateway instance.
	Component string `json:"component"`

	// Target describes what was operated on.
	Target map[string]string `json:"target,omitempty"`

	// Data carries event-specific payload.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh audit ID and a UTC timestamp.
func NewEvent(eventType, component string) *Event {
	return &Event{
		Metadata:  Metadata{AuditID: uuid.NewString()},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Component: component,
	}
}

// WithSource sets the event source.
func (e *Event) WithSource(sourceType, value string) *Event {
	e.Source = Source{Type: sourceType, Value: value}
	return e
}

// WithSubject adds one subject entry.
func (e *Event) WithSubject(key, value string) *Event {
	if e.Subjects == nil {
		e.Subjects = map[string]string{}
	}
	e.Subjects[key] = value
	return e
}

// WithTarget adds one target entry.
func (e *Event) WithTarget(key, value string) *Event {
	if e.Target == nil {
		e.Target = map[string]string{}
	}
	e.Target[key] = value
	return e
}

// WithOutcome sets the outcome.
func (e *Event) WithOutcome(o Outcome) *Event {
	e.Outcome = o
	return e
}

// WithData adds one data entry.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}
