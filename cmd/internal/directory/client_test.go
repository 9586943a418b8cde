package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ripple/cmd/internal/session"
	v1 "ripple/contracts/messaging/v1"
)

func testSession(t *testing.T) session.Session {
	t.Helper()
	s, err := session.New("user-1", "tok-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "ftp://host", "://bad"} {
		if _, err := NewClient(raw, testSession(t)); err == nil {
			t.Fatalf("expected error for base url %q", raw)
		}
	}
}

func TestConnections(t *testing.T) {
	want := []Connection{
		{ID: "peer-1", Name: "Ada", Profession: "Engineer"},
		{ID: "peer-2", Name: "Grace", Profession: "Admiral"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/follow/connections" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization mismatch: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"users": want})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testSession(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got, err := c.Connections(context.Background())
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("connections mismatch (-want +got):\n%s", diff)
	}
}

func TestMessages_PagingParams(t *testing.T) {
	want := []v1.ReceiveMessagePayload{
		{
			ID:         "m1",
			SenderID:   "peer-1",
			ReceiverID: "user-1",
			Text:       "hi",
			CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/messages/") {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Path; got != "/messages/peer-1" {
			t.Errorf("peer path mismatch: %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "3" {
			t.Errorf("page mismatch: %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit mismatch: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": want})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testSession(t), WithPageSize(25))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	got, err := c.Messages(context.Background(), "peer-1", 3)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestMessages_InvalidInput(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:0", testSession(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Messages(context.Background(), "  ", 1); err == nil {
		t.Fatal("expected error for empty peer id")
	}
	if _, err := c.Messages(context.Background(), "peer-1", 0); err == nil {
		t.Fatal("expected error for page 0")
	}
}

func TestGet_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, testSession(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := c.Connections(context.Background()); err == nil || !strings.Contains(err.Error(), "unexpected status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
}
