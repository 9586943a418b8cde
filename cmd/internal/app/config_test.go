package app

import (
	"testing"
	"time"
)

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://ripple.example.com", want: "wss://ripple.example.com"},
		{in: "https://ripple.example.com/", want: "wss://ripple.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"RIPPLE_API_BASE_URL", "RIPPLE_WS_URL", "RIPPLE_USER_ID", "RIPPLE_TOKEN",
		"RIPPLE_LOG_LEVEL", "RIPPLE_PAGE_SIZE", "RIPPLE_HTTP_TIMEOUT", "RIPPLE_METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	if cfg.APIBaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("APIBaseURL=%q", cfg.APIBaseURL)
	}
	if cfg.WSURL != "ws://127.0.0.1:8080/ws" {
		t.Fatalf("WSURL=%q", cfg.WSURL)
	}
	if cfg.PageSize != 20 || cfg.HTTPTimeout != 10*time.Second {
		t.Fatalf("paging defaults: size=%d timeout=%v", cfg.PageSize, cfg.HTTPTimeout)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("MetricsAddr=%q", cfg.MetricsAddr)
	}
}

func TestLoadConfig_DerivesWSFromAPIBase(t *testing.T) {
	t.Setenv("RIPPLE_API_BASE_URL", "https://api.ripple.example")
	t.Setenv("RIPPLE_WS_URL", "")

	cfg := LoadConfig()
	if cfg.WSURL != "wss://api.ripple.example/ws" {
		t.Fatalf("WSURL=%q", cfg.WSURL)
	}
}

func TestLoadConfig_ExplicitWSWins(t *testing.T) {
	t.Setenv("RIPPLE_API_BASE_URL", "http://127.0.0.1:8080")
	t.Setenv("RIPPLE_WS_URL", "wss://rt.ripple.example/ws")

	cfg := LoadConfig()
	if cfg.WSURL != "wss://rt.ripple.example/ws" {
		t.Fatalf("WSURL=%q", cfg.WSURL)
	}
}

func TestEnvHelpers_RejectInvalid(t *testing.T) {
	t.Setenv("RIPPLE_TEST_INT", "-3")
	t.Setenv("RIPPLE_TEST_DUR", "soon")
	t.Setenv("RIPPLE_TEST_BOOL", "definitely")

	if got := EnvInt("RIPPLE_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want 7", got)
	}
	if got := EnvDuration("RIPPLE_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration=%v want 1s", got)
	}
	if got := EnvBool("RIPPLE_TEST_BOOL", true); got != true {
		t.Fatalf("EnvBool=%v want true", got)
	}
}
