// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides incoming authentication for the gateway: a closed
// set of provider implementations (anonymous, local, jwt, oidc) selected by
// configuration, and the Identity type attached to every request context.
package auth

import (
	"encoding/json"
	"fmt"
)

// Identity represents an authenticated user or service account.
type Identity struct {
	// Subject is the unique identifier for the principal (from 'sub' claim).
	Subject string

	// Name is the human-readable name (from 'name' claim).
	Name string

	// Email is the email address (from 'email' claim, if available).
	Email string

	// Roles is the role set used by the authorization engine. Populated
	// from the 'roles' claim, falling back to 'groups'.
	Roles []string

	// Provider tags which provider authenticated this identity.
	Provider string

	// Claims contains the raw claim bag from the auth token.
	Claims map[string]any

	// Token is the original credential (for pass-through scenarios).
	// Redacted in String() and MarshalJSON() to prevent leakage.
	Token string
}

// Anonymous is the distinguished identity used when authentication is
// disabled. It carries no roles.
var Anonymous = &Identity{
	Subject:  "anonymous",
	Name:     "Anonymous User",
	Provider: "anonymous",
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// String returns a representation with sensitive fields redacted, so the
// Identity can be logged or printed without leaking the token.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q, Provider:%q}", i.Subject, i.Provider)
}

// MarshalJSON redacts the token during JSON serialization so structured
// logs, API responses, and audit records never carry the credential.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Subject  string         `json:"subject"`
		Name     string         `json:"name,omitempty"`
		Email    string         `json:"email,omitempty"`
		Roles    []string       `json:"roles,omitempty"`
		Provider string         `json:"provider,omitempty"`
		Claims   map[string]any `json:"claims,omitempty"`
		Token    string         `json:"token,omitempty"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeIdentity{
		Subject:  i.Subject,
		Name:     i.Name,
		Email:    i.Email,
		Roles:    i.Roles,
		Provider: i.Provider,
		Claims:   i.Claims,
		Token:    token,
	})
}

// rolesFromClaims extracts the role set from a claim bag. Role claim names
// vary by provider; 'roles' is preferred, 'groups' is the fallback.
func rolesFromClaims(claims map[string]any) []string {
	for _, key := range []string{"roles", "groups"} {
		raw, ok := claims[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case []string:
			return v
		case []any:
			roles := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					roles = append(roles, s)
				}
			}
			return roles
		}
	}
	return nil
}
