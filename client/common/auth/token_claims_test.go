package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInspectReadsClaimsWithoutKey(t *testing.T) {
	issued := time.Now().Add(-time.Hour).Truncate(time.Second)
	token := signed(t, tokenClaims{
		UserID: "42",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(2 * time.Hour)),
		},
	})

	claims, err := Inspect(token)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if claims.Subject != "alice" || claims.UserID != "42" || !claims.IssuedAt.Equal(issued) {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if ExpiredAt(token, time.Now()) {
		t.Fatal("token should not be expired yet")
	}
	if !ExpiredAt(token, issued.Add(3*time.Hour)) {
		t.Fatal("token should be expired")
	}
}

func TestInspectOpaqueToken(t *testing.T) {
	if _, err := Inspect("not-a-jwt"); !errors.Is(err, ErrNotJWT) {
		t.Fatalf("err = %v, want ErrNotJWT", err)
	}
	if ExpiredAt("not-a-jwt", time.Now()) {
		t.Fatal("opaque tokens are never expired client-side")
	}
}
