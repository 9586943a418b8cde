package session

import (
	"errors"
	"testing"
)

func TestNew_Valid(t *testing.T) {
	s, err := New("user-1", "tok-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID != "user-1" {
		t.Fatalf("user id mismatch: %q", s.UserID)
	}
	if got := s.Authorization(); got != "Bearer tok-abc" {
		t.Fatalf("authorization mismatch: %q", got)
	}
}

func TestNew_TrimsWhitespace(t *testing.T) {
	s, err := New("  user-1 ", " tok ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID != "user-1" || s.Token != "tok" {
		t.Fatalf("fields not trimmed: %+v", s)
	}
}

func TestNew_MissingUserID(t *testing.T) {
	if _, err := New("   ", "tok"); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
}

func TestNew_MissingToken(t *testing.T) {
	if _, err := New("user-1", ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
