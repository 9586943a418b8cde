// Package conversation holds the per-peer message logs and the controller
// that orchestrates peer selection, history paging, composition, and
// reconciliation of optimistic sends with their server confirmations.
package conversation

import (
	"time"

	v1 "ripple/contracts/messaging/v1"
)

// Peer is the other participant of a one-to-one conversation.
type Peer struct {
	ID         string
	Name       string
	Profession string
}

// Message is one entry in a conversation log.
//
// A message starts out Pending when it is inserted optimistically at send
// time, carrying a local placeholder id; the server confirmation replaces the
// id and timestamp in place so the entry never moves or duplicates.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Text       string
	CreatedAt  time.Time

	// ReplyToMessageID is a weak reference to another message in the same
	// conversation, used for quoted snippets. Not an ownership relation.
	ReplyToMessageID string

	// CorrelationID is the client-generated token that makes reconciliation
	// an exact lookup instead of a field-matching heuristic.
	CorrelationID string

	// SeenBy grows monotonically: participant ids are only ever added.
	SeenBy []string

	Pending bool
}

// SeenByUser reports whether userID has acknowledged reading the message.
func (m Message) SeenByUser(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MarkSeen adds userID to the seen set. Idempotent; reports whether the set
// changed.
func (m *Message) MarkSeen(userID string) bool {
	if userID == "" || m.SeenByUser(userID) {
		return false
	}
	m.SeenBy = append(m.SeenBy, userID)
	return true
}

// FromWire converts a server-confirmed wire payload into a log entry.
func FromWire(p v1.ReceiveMessagePayload) Message {
	m := Message{
		ID:               p.ID,
		SenderID:         p.SenderID,
		ReceiverID:       p.ReceiverID,
		Text:             p.Text,
		CreatedAt:        p.CreatedAt,
		ReplyToMessageID: p.ReplyToMessageID,
		CorrelationID:    p.CorrelationID,
	}
	for _, id := range p.SeenBy {
		m.MarkSeen(id)
	}
	return m
}

// Snippet truncates text for a quoted reply preview.
func Snippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "..."
}
