// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth verifies Supabase access tokens and carries the caller's
// identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAudience is the audience Supabase puts on user access tokens
	DefaultAudience = "authenticated"
	// RoleServiceRole is the role of the project's service key
	RoleServiceRole = "service_role"
	// RoleAuthenticated is the role of a signed-in user
	RoleAuthenticated = "authenticated"
)

var (
	// ErrMissingToken is returned when no bearer token is present
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for tokens that fail verification
	ErrInvalidToken = errors.New("invalid access token")
)

// Claims are the Supabase JWT claims the service reads
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// Principal is the verified caller
type Principal struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// IsServiceRole reports whether the caller used the service key
func (p Principal) IsServiceRole() bool {
	return p.Role == RoleServiceRole
}

// Verifier checks HS256 tokens signed with the project JWT secret
type Verifier struct {
	secret   []byte
	audience string
	leeway   time.Duration
}

// NewVerifier creates a verifier; an empty audience uses DefaultAudience
func NewVerifier(secret, audience string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if audience == "" {
		audience = DefaultAudience
	}
	return &Verifier{secret: []byte(secret), audience: audience, leeway: 30 * time.Second}, nil
}

// Verify parses and validates a token. Service-role tokens carry no
// audience or subject; user tokens must have both.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Role == RoleServiceRole {
		return &Principal{UserID: claims.Subject, Role: RoleServiceRole}, nil
	}

	if !audienceContains(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = RoleAuthenticated
	}
	return &Principal{
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   metadataName(claims.UserMetadata),
		Role:   role,
	}, nil
}

func audienceContains(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func metadataName(meta map[string]any) string {
	for _, key := range []string{"full_name", "name"} {
		if s, ok := meta[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type principalKey struct{}

// WithPrincipal stores the caller in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the caller stored in ctx
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
