// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWTValidator validates JWT bearer tokens against a JWKS endpoint with
// issuer, audience, expiry, and not-before checks. The key set is cached and
// auto-refreshed by jwk.Cache.
type JWTValidator struct {
	name       string
	issuer     string
	audience   string
	jwksURL    string
	algorithms map[string]bool
	jwksCache  *jwk.Cache
}

// JWTValidatorConfig contains configuration for the JWT validator.
type JWTValidatorConfig struct {
	// JWKSURL is the URL to fetch the JWKS from. Required.
	JWKSURL string

	// Issuer is the expected token issuer. Empty skips the check.
	Issuer string

	// Audience is the expected audience. Empty skips the check.
	Audience string

	// Algorithms restricts accepted signing algorithms. Empty means RS256.
	Algorithms []string
}

// NewJWTValidator creates a new JWT validator. The context bounds the
// lifetime of the background JWKS refresh.
func NewJWTValidator(ctx context.Context, config JWTValidatorConfig) (*JWTValidator, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(config.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	algorithms := map[string]bool{}
	if len(config.Algorithms) == 0 {
		algorithms["RS256"] = true
	}
	for _, alg := range config.Algorithms {
		algorithms[alg] = true
	}

	return &JWTValidator{
		name:       "jwt",
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    config.JWKSURL,
		algorithms: algorithms,
		jwksCache:  cache,
	}, nil
}

// Name implements Provider.
func (v *JWTValidator) Name() string { return v.name }

// Authenticate implements Provider.
func (v *JWTValidator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	claims, err := v.validateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return v.claimsToIdentity(claims, token)
}

// validateToken parses and validates a JWT token string.
func (v *JWTValidator) validateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, token)
	}, jwt.WithValidMethods(v.validMethods()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *JWTValidator) validMethods() []string {
	methods := make([]string, 0, len(v.algorithms))
	for alg := range v.algorithms {
		methods = append(methods, alg)
	}
	return methods
}

// keyFromJWKS resolves the token's signing key from the cached key set.
func (v *JWTValidator) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.jwksCache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to get raw key: %w", err)
	}
	return rawKey, nil
}

// validateClaims checks issuer, audience, expiry, and not-before.
func (v *JWTValidator) validateClaims(claims jwt.MapClaims) error {
	now := time.Now()

	if v.issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != v.issuer {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil || expiry.Before(now) {
		return ErrTokenExpired
	}

	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && nbf.After(now) {
		return fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}
	return nil
}

// claimsToIdentity builds an Identity from validated claims. The 'sub' claim
// is mandatory.
func (v *JWTValidator) claimsToIdentity(claims jwt.MapClaims, token string) (*Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	identity := &Identity{
		Subject:  sub,
		Provider: v.name,
		Claims:   claims,
		Roles:    rolesFromClaims(claims),
		Token:    token,
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}

// oidcMetadata is the subset of the OIDC discovery document we consume.
type oidcMetadata struct {
	JWKSURI string `json:"jwks_uri"`
}

// discoverJWKSURL fetches <issuer>/.well-known/openid-configuration and
// returns the advertised jwks_uri.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	if issuer == "" {
		return "", fmt.Errorf("issuer is required")
	}
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned %s", resp.Status)
	}

	var meta oidcMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if meta.JWKSURI == "" {
		return "", fmt.Errorf("discovery document has no jwks_uri")
	}
	return meta.JWKSURI, nil
}
