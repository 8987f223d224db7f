package credential

import (
	"errors"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

func TestTokenRoundTrip(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	if _, err := s.Token("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Token on empty ring: %v", err)
	}

	tok := &oauth2.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.SaveToken("a1", tok); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	got, err := s.Token("a1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got.RefreshToken != "refresh" || !got.Expiry.Equal(tok.Expiry) {
		t.Fatalf("token = %+v", got)
	}
	if _, err := s.Token("a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tokens leak across accounts: %v", err)
	}

	if err := s.Delete("a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete("a1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Token("a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Token after delete: %v", err)
	}
}
