package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "vai", "voice")
	token, err := v.Sign("user-1", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "user-1" {
		t.Fatalf("UserID=%q", p.UserID)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "", "")

	expired, _ := v.Sign("user-1", -time.Hour)
	otherKey, _ := NewVerifier("other", "", "").Sign("user-1", time.Minute)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("secret"))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "user-1",
	}).SignedString([]byte("secret"))
	wrongAudience, _ := NewVerifier("secret", "", "elsewhere").Sign("user-1", time.Minute)

	strict := NewVerifier("secret", "", "voice")

	cases := map[string]struct {
		v     *Verifier
		token string
	}{
		"expired":        {v, expired},
		"wrong key":      {v, otherKey},
		"no subject":     {v, noSubject},
		"no expiry":      {v, noExpiry},
		"wrong audience": {strict, wrongAudience},
		"garbage":        {v, "not-a-jwt"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tc.v.Verify(tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err=%v, want ErrInvalidToken", err)
			}
		})
	}

	if _, err := v.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token err=%v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/voice?token=from-query", nil)
	if tok, ok := TokenFromRequest(r); !ok || tok != "from-query" {
		t.Fatalf("query token=%q ok=%v", tok, ok)
	}

	r.Header.Set("Authorization", "Bearer from-header")
	if tok, ok := TokenFromRequest(r); !ok || tok != "from-header" {
		t.Fatalf("header token=%q ok=%v", tok, ok)
	}

	r = httptest.NewRequest("GET", "/v1/voice", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, ok := TokenFromRequest(r); ok {
		t.Fatalf("expected no token for basic auth")
	}
}
