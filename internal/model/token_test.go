package model

import (
	"testing"
	"time"
)

func TestTokenPair_ExpiresAt(t *testing.T) {
	issued := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	pair := TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3600, IssuedAt: issued}

	want := issued.Add(time.Hour)
	if got := pair.ExpiresAt(); !got.Equal(want) {
		t.Errorf("ExpiresAt() = %v, want %v", got, want)
	}
}

func TestTokenPair_Valid_BeforeExpiry(t *testing.T) {
	issued := time.Now()
	pair := TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3000, IssuedAt: issued}

	if !pair.Valid(issued.Add(time.Minute)) {
		t.Error("pair should be valid before expiry")
	}
}

func TestTokenPair_Valid_AfterExpiry(t *testing.T) {
	// issuedAt = now-1h, expiresIn = 3000s → 失効済み
	issued := time.Now().Add(-time.Hour)
	pair := TokenPair{AccessToken: "a", RefreshToken: "r", ExpiresIn: 3000, IssuedAt: issued}

	if pair.Valid(time.Now()) {
		t.Error("pair should be invalid after expiry")
	}
}

func TestTokenPair_Valid_PartialPair(t *testing.T) {
	pair := TokenPair{AccessToken: "a", ExpiresIn: 3600, IssuedAt: time.Now()}
	if pair.Valid(time.Now()) {
		t.Error("pair without refresh token should never be valid")
	}
}
