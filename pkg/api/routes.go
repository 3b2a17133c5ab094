// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcpgate/pkg/audit"
	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const defaultEventLimit = 100

// statusResponse is the GET /api/v1/status payload.
type statusResponse struct {
	Name         string                  `json:"name"`
	Version      string                  `json:"version"`
	Generation   uint64                  `json:"generation"`
	Backends     []gateway.BackendStatus `json:"backends"`
	AuditDropped uint64                  `json:"auditDropped,omitempty"`
}

type reconnectResponse struct {
	Backend string        `json:"backend"`
	Success bool          `json:"success"`
	Phase   gateway.Phase `json:"phase"`
	Error   string        `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Name:       s.cfg.Name,
		Version:    s.cfg.Version,
		Generation: s.catalog.Current().Generation,
		Backends:   s.backends.Snapshot(),
	}
	if s.events != nil {
		resp.AuditDropped = s.events.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getCapabilities(w http.ResponseWriter, r *http.Request) {
	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	backend := r.URL.Query().Get("backend")
	contains := r.URL.Query().Get("q")

	var entries []gateway.Capability
	switch kind {
	case "":
		for _, entry := range s.catalog.Catalog() {
			if backend != "" && entry.BackendName != backend {
				continue
			}
			if contains != "" && !strings.Contains(entry.ExposedName, contains) {
				continue
			}
			entries = append(entries, entry)
		}
	case string(gateway.KindTool), string(gateway.KindResource), string(gateway.KindPrompt):
		entries = s.catalog.List(gateway.CapabilityKind(kind), backend, contains)
	default:
		writeError(w, http.StatusBadRequest, "unknown capability kind: "+kind)
		return
	}
	if entries == nil {
		entries = []gateway.Capability{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": entries})
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "audit recording is disabled")
		return
	}
	max := defaultEventLimit
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		max = parsed
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}
	events := s.events.Tail(max)
	if !since.IsZero() {
		filtered := events[:0:0]
		for _, ev := range events {
			if ev.LoggedAt.After(since) {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []*audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) postReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusNotImplemented, "reload is disabled")
		return
	}
	report, err := s.reloader.ReloadFile(r.Context(), s.cfg.ConfigPath)
	if err != nil {
		logger.Warnw("reload via API failed", "error", err)
		writeError(w, httpStatusFor(err), gateway.SanitizeMessage(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) postReconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// The manager coalesces concurrent reconnects, so hammering this
	// endpoint yields one shutdown/start cycle.
	err := s.backends.Reconnect(r.Context(), name)
	if err != nil && errors.Is(err, gateway.ErrInvalidRequest) {
		writeError(w, http.StatusNotFound, "unknown backend: "+name)
		return
	}

	phase, _ := s.backends.Phase(name)
	resp := reconnectResponse{Backend: name, Success: err == nil, Phase: phase}
	status := http.StatusOK
	if err != nil {
		resp.Error = gateway.SanitizeMessage(err.Error())
		status = httpStatusFor(err)
	}
	writeJSON(w, status, resp)
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrCapabilityNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrBackendUnavailable),
		errors.Is(err, gateway.ErrBackendOverloaded):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnw("failed to encode API response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
