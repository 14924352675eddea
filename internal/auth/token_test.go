package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens("test-secret", "autowebiq", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	acc := uuid.New()
	tok, err := tokens.Issue(acc)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != acc {
		t.Errorf("got account %s, want %s", got, acc)
	}
}

func TestVerifyRejects(t *testing.T) {
	tokens, _ := NewTokens("test-secret", "autowebiq", time.Hour)
	acc := uuid.New()

	other, _ := NewTokens("other-secret", "autowebiq", time.Hour)
	wrongKey, _ := other.Issue(acc)

	foreign, _ := NewTokens("test-secret", "someone-else", time.Hour)
	wrongIssuer, _ := foreign.Issue(acc)

	expired, _ := NewTokens("test-secret", "autowebiq", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _ := expired.Issue(acc)

	notAccount, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "autowebiq",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("test-secret"))

	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   acc.String(),
		Issuer:    "autowebiq",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"garbage":      "not.a.jwt",
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"expired":      stale,
		"bad subject":  notAccount,
		"alg none":     noneAlg,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Verify(tok); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewTokensRequiresSecret(t *testing.T) {
	if _, err := NewTokens("", "", 0); !errors.Is(err, ErrNoSecret) {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}
