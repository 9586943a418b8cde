package realtime

import "time"

// Transport limits. Keep these aligned with the server's published limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000
)

const (
	defaultHandshakeTimeout = 7 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	maxPingFailures = 3
)
