// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcpgate/pkg/gateway"
	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/logger"
)

// staticHeaderTransport adds a fixed header set to every backend request.
// Header values come pre-resolved from the configuration layer.
type staticHeaderTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *staticHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	return t.base.RoundTrip(clone)
}

// bearerTransport attaches a bearer token from the backend's token source.
// When the token cannot be fetched the request proceeds without an
// Authorization header; the backend decides whether to reject it.
type bearerTransport struct {
	base   http.RoundTripper
	source *tokenSource
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if token, ok := t.source.bearer(req.Context()); ok {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(clone)
}

// tokenSource caches an OAuth2 client-credentials token for one backend.
// Refreshes happen before the declared expiry by the configured buffer and
// are single-flighted so concurrent requests never trigger duplicate fetches.
type tokenSource struct {
	backend string
	conf    clientcredentials.Config
	buffer  time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	token *oauth2.Token
}

func newTokenSource(backend string, cfg *config.OutgoingAuthConfig) *tokenSource {
	return &tokenSource{
		backend: backend,
		conf: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		buffer: cfg.RefreshBuffer.Duration(),
	}
}

// bearer returns a token value to attach, or false when no usable token is
// available. A failed refresh is logged and the request proceeds unadorned.
func (s *tokenSource) bearer(ctx context.Context) (string, bool) {
	if token := s.cached(); token != nil {
		return token.AccessToken, true
	}

	result, err, _ := s.group.Do("refresh", func() (any, error) {
		// Re-check under the single-flight: a concurrent caller may have
		// refreshed while this one queued.
		if token := s.cached(); token != nil {
			return token, nil
		}
		return s.fetch(ctx)
	})
	if err != nil {
		logger.Warnw("token fetch failed, proceeding without bearer",
			"backend", s.backend, "error", gateway.SanitizeMessage(err.Error()))
		return "", false
	}
	return result.(*oauth2.Token).AccessToken, true
}

// cached returns the stored token while it is still fresh with respect to
// the refresh buffer, nil otherwise.
func (s *tokenSource) cached() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	if !s.token.Expiry.IsZero() && time.Until(s.token.Expiry) < s.buffer {
		return nil
	}
	return s.token
}

func (s *tokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	operation := func() (*oauth2.Token, error) {
		return s.conf.Token(ctx)
	}
	token, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	logger.Debugw("token refreshed", "backend", s.backend, "expiry", token.Expiry)
	return token, nil
}

// status reports the cache state without exposing the token value.
func (s *tokenSource) status() *gateway.TokenStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return &gateway.TokenStatus{}
	}
	return &gateway.TokenStatus{Cached: true, Expiry: s.token.Expiry}
}

// outgoingTransport builds the round-tripper chain for one backend from its
// outgoing-auth configuration. A nil auth config returns the base untouched.
func outgoingTransport(backend string, auth *config.OutgoingAuthConfig, base http.RoundTripper) (http.RoundTripper, *tokenSource) {
	if base == nil {
		base = http.DefaultTransport
	}
	if auth == nil {
		return base, nil
	}
	switch auth.Type {
	case config.OutgoingAuthStatic:
		return &staticHeaderTransport{base: base, headers: auth.Headers}, nil
	case config.OutgoingAuthClientCredentials:
		source := newTokenSource(backend, auth)
		return &bearerTransport{base: base, source: source}, source
	default:
		// Validation rejects unknown strategies before a session is dialed.
		return base, nil
	}
}
