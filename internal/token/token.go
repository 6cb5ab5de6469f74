// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package token issues and verifies the short-lived signed bearer tokens
// carried by envelopes, using HMAC-signed JWTs.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Role is the principal kind a token speaks for.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleManager     Role = "manager"
	RoleVolunteer   Role = "volunteer"
)

// Payload is the claim set carried by every token minted by this service.
type Payload struct {
	Subject   string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies tokens signed with a single symmetric secret.
type Service struct {
	secret []byte
}

// New creates a Service using secret as the HMAC signing key. An empty
// secret is a configuration error that config.Validate rejects before a
// Service is built.
func New(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Issue mints a token for subject/role valid for ttl starting now.
func (s *Service) Issue(subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// Verify checks signature and expiry and returns the decoded Payload. ok is
// false for any malformed, unsigned-by-us, or expired token.
func (s *Service) Verify(tokenString string) (Payload, bool) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Payload{}, false
	}
	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return Payload{}, false
	}
	return Payload{
		Subject:   c.Subject,
		Role:      c.Role,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, true
}
