package app

import (
	"net/url"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	APIBaseURL string
	WSURL      string

	UserID string
	Token  string

	LogLevel  string
	LogPretty bool

	HTTPTimeout time.Duration
	PageSize    int

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// MetricsAddr enables a local /metrics listener when non-empty.
	MetricsAddr string
}

// LoadConfig loads Config from environment variables with defaults. The
// realtime endpoint is derived from the API base unless set explicitly.
func LoadConfig() Config {
	api := EnvString("RIPPLE_API_BASE_URL", "http://127.0.0.1:8080")

	return Config{
		APIBaseURL: api,
		WSURL:      EnvString("RIPPLE_WS_URL", wsBaseURL(api)+"/ws"),

		UserID: EnvString("RIPPLE_USER_ID", ""),
		Token:  EnvString("RIPPLE_TOKEN", ""),

		LogLevel:  EnvString("RIPPLE_LOG_LEVEL", "info"),
		LogPretty: EnvBool("RIPPLE_LOG_PRETTY", false),

		HTTPTimeout: EnvDuration("RIPPLE_HTTP_TIMEOUT", 10*time.Second),
		PageSize:    EnvInt("RIPPLE_PAGE_SIZE", 20),

		HandshakeTimeout:  EnvDuration("RIPPLE_WS_HANDSHAKE_TIMEOUT", 7*time.Second),
		WriteTimeout:      EnvDuration("RIPPLE_WS_WRITE_TIMEOUT", 5*time.Second),
		HeartbeatInterval: EnvDuration("RIPPLE_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  EnvDuration("RIPPLE_WS_HEARTBEAT_TIMEOUT", 5*time.Second),

		MetricsAddr: EnvString("RIPPLE_METRICS_ADDR", ""),
	}
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart. A bare
// host:port is assumed to be plaintext.
func wsBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")

	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "ws://" + base
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "ws://" + base
	}
	return u.String()
}
