// Package v1 defines the Ripple messaging wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the client and the messaging server to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version embedded into every envelope.
const Version = 1

// Type constants (wire-stable).
const (
	// TypeSetup announces the authenticated identity (client -> server),
	// sent once per connection so the server can route messages to it.
	TypeSetup = "setup"
	// TypeSetupAck acknowledges the identity handshake (server -> client).
	TypeSetupAck = "setup_ack"

	// TypeSendMessage requests delivery of a new message (client -> server).
	TypeSendMessage = "send_message"
	// TypeReceiveMessage carries a persisted message (server -> client).
	// The server echoes sends back to the sender as well, so multi-device
	// sessions converge on the same confirmed message.
	TypeReceiveMessage = "receive_message"

	// TypeMessageSeen acknowledges that a participant has viewed a message
	// (client -> server).
	TypeMessageSeen = "message_seen"
	// TypeMessageSeenUpdate propagates a seen acknowledgement to the other
	// participant (server -> client).
	TypeMessageSeenUpdate = "message_seen_update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// AllowedTypes enumerates every type a conforming endpoint may emit.
var AllowedTypes = map[string]struct{}{
	TypeSetup:             {},
	TypeSetupAck:          {},
	TypeSendMessage:       {},
	TypeReceiveMessage:    {},
	TypeMessageSeen:       {},
	TypeMessageSeenUpdate: {},
	TypeError:             {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks structural invariants of the envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// SetupPayload announces the authenticated user to the server.
type SetupPayload struct {
	UserID string `json:"user_id"`
}

// SetupAckPayload confirms routing is established for the session.
type SetupAckPayload struct {
	SessionID string `json:"session_id"`
}

// SendMessagePayload is an outbound message intent.
//
// CorrelationID is a client-generated token echoed verbatim by the server in
// the confirming ReceiveMessagePayload, so the sender can collapse its
// optimistic entry and the confirmation into one logical message.
type SendMessagePayload struct {
	ToUserID         string `json:"to_user_id"`
	Text             string `json:"text"`
	CorrelationID    string `json:"correlation_id"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

// ReceiveMessagePayload is a server-confirmed message.
type ReceiveMessagePayload struct {
	ID               string    `json:"id"`
	SenderID         string    `json:"sender_id"`
	ReceiverID       string    `json:"receiver_id"`
	Text             string    `json:"text"`
	CreatedAt        time.Time `json:"created_at"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	ReplyToMessageID string    `json:"reply_to_message_id,omitempty"`
	SeenBy           []string  `json:"seen_by,omitempty"`
}

// MessageSeenPayload acknowledges that UserID has viewed MessageID.
type MessageSeenPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// MessageSeenUpdatePayload propagates a seen acknowledgement.
type MessageSeenUpdatePayload struct {
	MessageID    string `json:"message_id"`
	SeenByUserID string `json:"seen_by_user_id"`
}

// ErrorPayload is a generic server error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
