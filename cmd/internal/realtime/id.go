package realtime

import (
	"time"

	"github.com/google/uuid"

	"ripple/cmd/internal/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewLocalMessageID returns the placeholder id of an optimistic message.
// The "local-" prefix keeps unconfirmed ids visually distinct in logs; the id
// is replaced by the server-assigned one on confirmation.
func NewLocalMessageID(now time.Time) (string, error) {
	id, err := ids.NewULID(now)
	if err != nil {
		return "", err
	}
	return "local-" + id, nil
}

// NewCorrelationID returns the client-generated token carried in send_message
// and echoed verbatim in the confirming receive_message.
func NewCorrelationID() string {
	return uuid.NewString()
}
