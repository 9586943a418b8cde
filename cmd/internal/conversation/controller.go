package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ripple/cmd/internal/realtime"
	"ripple/cmd/internal/telemetry"
	v1 "ripple/contracts/messaging/v1"
)

var (
	// ErrNoPeer is returned when an operation needs a selected conversation.
	ErrNoPeer = errors.New("conversation: no peer selected")
	// ErrEmptyText is returned for empty or whitespace-only composition.
	ErrEmptyText = errors.New("conversation: empty message text")
)

// HistorySource pages through past messages of one conversation.
// *directory.Client satisfies it.
type HistorySource interface {
	Messages(ctx context.Context, peerID string, page int) ([]v1.ReceiveMessagePayload, error)
	PageSize() int
}

// Sender emits outbound events on the realtime channel.
// *realtime.Channel satisfies it.
type Sender interface {
	Send(ctx context.Context, toUserID, text, replyToMessageID, correlationID string) error
	AcknowledgeSeen(ctx context.Context, messageID, viewerID string) error
}

// Controller is the top-level coordinator of the messaging session. It owns
// one Log per peer (so events for non-selected peers are filed, not
// discarded), the active selection, and the reply target.
//
// All entry points serialize on one mutex; realtime handlers and user
// operations may interleave freely without reentrancy hazards.
type Controller struct {
	log     *slog.Logger
	history HistorySource
	sender  Sender
	metrics *telemetry.Metrics
	self    string

	now              func() time.Time
	newCorrelationID func() string
	newLocalID       func(time.Time) (string, error)

	mu           sync.Mutex
	logs         map[string]*Log
	selected     Peer
	hasSelection bool
	replyTo      *Message

	// In-flight history fetches are tagged per peer; a superseding fetch
	// bumps the token and the stale response is dropped on arrival.
	fetchSeq uint64
	pending  map[string]uint64
}

// NewController constructs a Controller for the user selfID.
func NewController(log *slog.Logger, history HistorySource, sender Sender, selfID string, metrics *telemetry.Metrics) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	selfID = strings.TrimSpace(selfID)
	if selfID == "" {
		return nil, errors.New("conversation: empty self id")
	}
	if history == nil {
		return nil, errors.New("conversation: nil history source")
	}
	if sender == nil {
		return nil, errors.New("conversation: nil sender")
	}

	return &Controller{
		log:              log,
		history:          history,
		sender:           sender,
		metrics:          metrics,
		self:             selfID,
		now:              func() time.Time { return time.Now().UTC() },
		newCorrelationID: realtime.NewCorrelationID,
		newLocalID:       realtime.NewLocalMessageID,
		logs:             make(map[string]*Log),
		pending:          make(map[string]uint64),
	}, nil
}

// SelectPeer sets the active conversation, resets pagination and the reply
// target, and loads page 1 of history unless it is already loaded.
func (c *Controller) SelectPeer(ctx context.Context, peer Peer) error {
	if strings.TrimSpace(peer.ID) == "" {
		return errors.New("conversation: empty peer id")
	}

	c.mu.Lock()
	c.selected = peer
	c.hasSelection = true
	c.replyTo = nil

	l := c.logs[peer.ID]
	if l == nil {
		l = NewLog()
		c.logs[peer.ID] = l
	}
	if l.Loaded() {
		c.mu.Unlock()
		c.log.Debug("conversation.select.cached", "peer", peer.ID)
		return nil
	}
	token := c.beginFetchLocked(peer.ID)
	c.mu.Unlock()

	c.log.Info("conversation.select", "peer", peer.ID)
	return c.loadHistory(ctx, peer.ID, 1, token)
}

// RequestOlderMessages loads the next older history page for the selected
// peer. A no-op when history is exhausted.
func (c *Controller) RequestOlderMessages(ctx context.Context) error {
	c.mu.Lock()
	if !c.hasSelection {
		c.mu.Unlock()
		return ErrNoPeer
	}
	peerID := c.selected.ID
	l := c.logs[peerID]
	if l == nil || !l.HasMore() {
		c.mu.Unlock()
		return nil
	}
	page := l.Page() + 1
	token := c.beginFetchLocked(peerID)
	c.mu.Unlock()

	return c.loadHistory(ctx, peerID, page, token)
}

// SetReplyTarget sets or clears (nil) the message being replied to.
func (c *Controller) SetReplyTarget(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == nil {
		c.replyTo = nil
		return
	}
	cp := *m
	c.replyTo = &cp
}

// ReplyTarget returns the current reply target, if any.
func (c *Controller) ReplyTarget() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replyTo == nil {
		return Message{}, false
	}
	return *c.replyTo, true
}

// ComposeAndSend validates the draft, inserts it optimistically, and emits
// the send intent. The reply target is cleared after a successful send; the
// optimistic entry stays visible even if the emit fails.
func (c *Controller) ComposeAndSend(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyText
	}

	c.mu.Lock()
	if !c.hasSelection {
		c.mu.Unlock()
		return ErrNoPeer
	}
	peerID := c.selected.ID

	now := c.now()
	localID, err := c.newLocalID(now)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("conversation: local id: %w", err)
	}

	m := Message{
		ID:            localID,
		SenderID:      c.self,
		ReceiverID:    peerID,
		Text:          trimmed,
		CreatedAt:     now,
		CorrelationID: c.newCorrelationID(),
	}
	if c.replyTo != nil {
		m.ReplyToMessageID = c.replyTo.ID
	}

	l := c.logs[peerID]
	if l == nil {
		l = NewLog()
		c.logs[peerID] = l
	}
	l.AppendOptimistic(m)
	c.mu.Unlock()

	if err := c.sender.Send(ctx, peerID, trimmed, m.ReplyToMessageID, m.CorrelationID); err != nil {
		c.log.Error("message.send.fail", "peer", peerID, "err", err)
		return err
	}

	c.mu.Lock()
	c.replyTo = nil
	c.mu.Unlock()

	c.log.Debug("message.sent", "peer", peerID, "correlation_id", m.CorrelationID)
	return nil
}

// HandleIncoming files a server-confirmed message into the right peer's log
// and acknowledges it as seen when it lands in the open conversation.
// Registered as the realtime channel's message handler.
func (c *Controller) HandleIncoming(p v1.ReceiveMessagePayload) {
	peerID := p.SenderID
	if p.SenderID == c.self {
		peerID = p.ReceiverID
	}
	if strings.TrimSpace(peerID) == "" {
		c.log.Warn("message.incoming.invalid", "id", p.ID)
		return
	}

	m := FromWire(p)

	c.mu.Lock()
	l := c.logs[peerID]
	if l == nil {
		l = NewLog()
		c.logs[peerID] = l
	}
	if l.ReconcileIncoming(m) {
		c.metrics.IncReconciled()
	}
	ackSeen := c.hasSelection && c.selected.ID == peerID && p.SenderID != c.self
	c.mu.Unlock()

	c.log.Debug("message.incoming", "peer", peerID, "id", p.ID)

	if ackSeen {
		if err := c.sender.AcknowledgeSeen(context.Background(), p.ID, c.self); err != nil {
			c.log.Warn("seen.ack.fail", "id", p.ID, "err", err)
		}
	}
}

// HandleSeenUpdate applies a seen receipt to whichever peer's log holds the
// message. Unknown ids are a no-op. Registered as the realtime channel's
// seen-receipt handler.
func (c *Controller) HandleSeenUpdate(messageID, seenByUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for peerID, l := range c.logs {
		if l.UpdateSeenBy(messageID, seenByUserID) {
			c.log.Debug("seen.update", "peer", peerID, "id", messageID, "seen_by", seenByUserID)
			return
		}
	}
	c.log.Debug("seen.update.unknown", "id", messageID)
}

// SelectedPeer returns the active conversation peer, if any.
func (c *Controller) SelectedPeer() (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected, c.hasSelection
}

// Visible returns the entries of the selected conversation, oldest first.
func (c *Controller) Visible() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasSelection {
		return nil
	}
	l := c.logs[c.selected.ID]
	if l == nil {
		return nil
	}
	return l.Messages()
}

// HasMoreHistory reports whether older pages remain for the selected peer.
func (c *Controller) HasMoreHistory() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasSelection {
		return false
	}
	l := c.logs[c.selected.ID]
	return l != nil && l.HasMore()
}

func (c *Controller) beginFetchLocked(peerID string) uint64 {
	c.fetchSeq++
	c.pending[peerID] = c.fetchSeq
	return c.fetchSeq
}

// loadHistory fetches one page and applies it unless a newer fetch for the
// same peer superseded this one while the response was in flight.
func (c *Controller) loadHistory(ctx context.Context, peerID string, page int, token uint64) error {
	msgs, err := c.history.Messages(ctx, peerID, page)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[peerID] != token {
		c.metrics.IncStaleHistoryDrops()
		c.log.Info("history.stale.drop", "peer", peerID, "page", page)
		return nil
	}
	delete(c.pending, peerID)

	if err != nil {
		// Conservative: leave pagination state unchanged so the caller may
		// simply retry.
		c.log.Error("history.fetch.fail", "peer", peerID, "page", page, "err", err)
		return fmt.Errorf("conversation: load history: %w", err)
	}

	l := c.logs[peerID]
	if l == nil {
		l = NewLog()
		c.logs[peerID] = l
	}

	converted := make([]Message, 0, len(msgs))
	for _, p := range msgs {
		converted = append(converted, FromWire(p))
	}
	l.ApplyHistory(page, converted, c.history.PageSize())

	c.log.Debug("history.loaded",
		"peer", peerID, "page", page, "count", len(converted), "has_more", l.HasMore())
	return nil
}
