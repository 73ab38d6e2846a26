package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is what the client can read out of a bearer token without the
// signing key. None of it is trusted; the backend remains the only authority
// on whether a token is valid.
type Claims struct {
	Subject   string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

var ErrNotJWT = errors.New("token is not a decodable jwt")

// Inspect decodes a token's claims without verifying its signature. Opaque
// tokens yield ErrNotJWT, which callers treat as "no diagnostics available".
func Inspect(token string) (Claims, error) {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, &tokenClaims{})
	if err != nil {
		return Claims{}, ErrNotJWT
	}
	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return Claims{}, ErrNotJWT
	}
	out := Claims{Subject: tc.Subject, UserID: tc.UserID}
	if tc.IssuedAt != nil {
		out.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time
	}
	return out, nil
}

// ExpiredAt reports whether the token carries an exp claim that is already in
// the past at now. Opaque tokens are never considered expired.
func ExpiredAt(token string, now time.Time) bool {
	claims, err := Inspect(token)
	if err != nil || claims.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(claims.ExpiresAt)
}
