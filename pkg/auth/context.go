// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

// IdentityContextKey is the context key under which the authenticated
// Identity is stored. An empty struct keeps the key collision-free.
type IdentityContextKey struct{}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context.
// Returns nil and false if no identity is present.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}
