// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
// Package viewertoken mints and verifies the signed tokens that bind a
// viewer websocket stream to a single session with an expiry.
package viewertoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the default viewer-token lifetime.
const DefaultTTL = 10 * time.Minute

// Service mints and verifies viewer tokens using a process-wide HMAC
// secret. golang-jwt/jwt/v5 already covers exactly this shape of claim
// (session-scoped, expiring, signed) — reusing it rather than hand-rolling
// HMAC+base64url buys constant-time signature comparison and expiry
// handling for free.
type Service struct {
	secret []byte
}

// New constructs a viewer token service bound to secret. secret must be
// non-empty; callers are expected to have already resolved the
// CALL_VIEWER_TOKEN_SECRET fallback chain (see internal/config).
func New(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

type claims struct {
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Mint issues a token binding sessionID to the stream for ttl. If ttl is
// zero, DefaultTTL is used.
func (s *Service) Mint(sessionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Verify reports whether tokenString is a validly signed, unexpired token
// minted for sessionID. Any parse failure, signature mismatch, session
// mismatch, or expiry collapses to false — no distinction is surfaced to
// callers beyond the boolean (spec: viewer auth failures never reveal
// detail to the subscriber).
func (s *Service) Verify(sessionID, tokenString string) bool {
	if tokenString == "" {
		return false
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithStrictDecoding())
	if err != nil || !token.Valid {
		return false
	}

	return c.SessionID == sessionID
}
