package provider

import (
	"errors"
	"fmt"
	"testing"
)

func TestAuthErrorMatching(t *testing.T) {
	cause := errors.New("invalid_grant")
	err := fmt.Errorf("sync a1: %w", &AuthError{Op: "history.list", Err: cause})

	if !IsAuthExpired(err) {
		t.Fatal("wrapped AuthError not reported as expired")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause lost from chain")
	}
	var ae *AuthError
	if !errors.As(err, &ae) || ae.Op != "history.list" {
		t.Fatalf("errors.As = %+v", ae)
	}
	if IsTransient(err) {
		t.Fatal("auth failure reported as transient")
	}
}

func TestTransientMatching(t *testing.T) {
	err := fmt.Errorf("messages.get after 3 attempts: %w: backend error", ErrTransient)
	if !IsTransient(err) || IsAuthExpired(err) {
		t.Fatalf("classification wrong for %v", err)
	}
	if IsAuthExpired(ErrCursorExpired) {
		t.Fatal("cursor expiry reported as auth failure")
	}
}
