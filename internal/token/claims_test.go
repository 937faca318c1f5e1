package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSubject_ExtractsSubClaim(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	sub, err := Subject(raw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sub != "user-42" {
		t.Errorf("subject = %q, want user-42", sub)
	}
}

func TestSubject_MalformedToken(t *testing.T) {
	if _, err := Subject("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
