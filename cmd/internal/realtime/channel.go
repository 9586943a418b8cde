// Package realtime manages the one live WebSocket connection of a messaging
// session: connect/teardown lifecycle, the identity handshake, heartbeats,
// and dispatch of inbound events in transport order.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"ripple/cmd/internal/session"
	"ripple/cmd/internal/telemetry"
	v1 "ripple/contracts/messaging/v1"
)

// Subprotocol is the WebSocket subprotocol negotiated with the server.
const Subprotocol = "ripple.messaging.v1"

// ErrNotOpen is returned by Send and AcknowledgeSeen unless the channel has
// completed its handshake. Callers must ensure the channel is open; there is
// no send queue.
var ErrNotOpen = errors.New("realtime: channel not open")

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessageHandler consumes inbound confirmed messages, in delivery order.
type MessageHandler func(v1.ReceiveMessagePayload)

// SeenHandler consumes seen-receipt propagation events.
type SeenHandler func(messageID, seenByUserID string)

// Config holds channel tuning knobs. Zero values fall back to defaults.
type Config struct {
	URL string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	return cfg
}

// Channel is the session-scoped realtime connection.
//
// Lifecycle: Closed -> Opening -> Open -> Closed. Open is idempotent, Close is
// safe when already closed, and an unrecoverable transport error moves the
// channel back to Closed without crashing the caller. A later Open
// re-establishes from scratch.
type Channel struct {
	log     *slog.Logger
	cfg     Config
	sess    session.Session
	metrics *telemetry.Metrics

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	// gen guards against a torn-down connection clobbering a newer one:
	// every teardown bumps it, and goroutines of older connections no-op.
	gen uint64

	onMessage MessageHandler
	onSeen    SeenHandler
}

// NewChannel constructs a closed Channel for the given session.
func NewChannel(log *slog.Logger, sess session.Session, cfg Config, metrics *telemetry.Metrics) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := validateWSURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("realtime: invalid url: %w", err)
	}
	return &Channel{
		log:     log,
		cfg:     cfg.withDefaults(),
		sess:    sess,
		metrics: metrics,
		state:   StateClosed,
	}, nil
}

// State reports the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnMessageReceived registers the inbound message handler, replacing any
// previous registration.
func (c *Channel) OnMessageReceived(h MessageHandler) {
	c.mu.Lock()
	c.onMessage = h
	c.mu.Unlock()
}

// OnSeenReceiptUpdated registers the seen-receipt handler, replacing any
// previous registration.
func (c *Channel) OnSeenReceiptUpdated(h SeenHandler) {
	c.mu.Lock()
	c.onSeen = h
	c.mu.Unlock()
}

// Open dials the server, performs the setup handshake, and starts the read
// and heartbeat loops. Calling Open while the channel is already opening or
// open is a no-op.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateOpening
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.dialAndSetup(ctx)
	if err != nil {
		c.metrics.IncTransportErrors()
		c.log.Error("channel.open.fail", "err", err)
		c.abandonOpening(gen)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.gen != gen || c.state != StateOpening {
		// Closed concurrently while the handshake was in flight.
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	c.conn = conn
	c.cancel = cancel
	c.state = StateOpen
	c.mu.Unlock()

	c.metrics.IncChannelOpens()
	c.log.Info("channel.open", "user_id", c.sess.UserID)

	go c.readLoop(runCtx, conn, gen)
	go c.heartbeat(runCtx, conn, gen)
	return nil
}

// Close tears down the connection. Safe to call when already closed.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	wasOpen := c.state != StateClosed
	c.conn = nil
	c.cancel = nil
	c.state = StateClosed
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if wasOpen {
		c.log.Info("channel.close")
	}
}

// Send emits an outbound message intent. Fire-and-forget: the confirmation
// arrives later as a receive_message event carrying the same correlation id.
func (c *Channel) Send(ctx context.Context, toUserID, text, replyToMessageID, correlationID string) error {
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" {
		return errors.New("realtime: empty recipient")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("realtime: empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("realtime: message too long: max=%d chars", maxMessageChars)
	}
	if strings.TrimSpace(correlationID) == "" {
		return errors.New("realtime: empty correlation id")
	}

	payload, err := json.Marshal(v1.SendMessagePayload{
		ToUserID:         toUserID,
		Text:             text,
		CorrelationID:    correlationID,
		ReplyToMessageID: replyToMessageID,
	})
	if err != nil {
		return fmt.Errorf("realtime: marshal send: %w", err)
	}

	if err := c.write(ctx, v1.TypeSendMessage, payload); err != nil {
		return err
	}
	c.metrics.IncMessagesSent()
	return nil
}

// AcknowledgeSeen reports that viewerID has viewed messageID. Emitted whenever
// an inbound message lands in the currently open conversation.
func (c *Channel) AcknowledgeSeen(ctx context.Context, messageID, viewerID string) error {
	messageID = strings.TrimSpace(messageID)
	viewerID = strings.TrimSpace(viewerID)
	if messageID == "" || viewerID == "" {
		return errors.New("realtime: empty seen acknowledgement")
	}

	payload, err := json.Marshal(v1.MessageSeenPayload{
		MessageID: messageID,
		UserID:    viewerID,
	})
	if err != nil {
		return fmt.Errorf("realtime: marshal seen: %w", err)
	}
	return c.write(ctx, v1.TypeMessageSeen, payload)
}

// ---- connection internals ----

func (c *Channel) dialAndSetup(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", c.sess.Authorization())

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if sp := conn.Subprotocol(); sp != "" && sp != Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol mismatch")
		return nil, fmt.Errorf("subprotocol mismatch: got=%q want=%q", sp, Subprotocol)
	}

	conn.SetReadLimit(maxFrameBytes)

	payload, err := json.Marshal(v1.SetupPayload{UserID: c.sess.UserID})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "marshal setup")
		return nil, fmt.Errorf("marshal setup: %w", err)
	}
	env, err := newEnvelope(v1.TypeSetup, payload, time.Now().UTC())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "envelope id")
		return nil, err
	}
	if err := writeEnvelope(dialCtx, conn, env, c.cfg.WriteTimeout); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "setup write failed")
		return nil, fmt.Errorf("write setup: %w", err)
	}

	// The server must ack the identity announcement before the channel is
	// considered open. Anything else before the ack is a protocol error.
	for {
		got, err := readEnvelope(dialCtx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusAbnormalClosure, "setup read failed")
			return nil, fmt.Errorf("read setup ack: %w", err)
		}
		if err := got.Validate(); err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "bad envelope")
			return nil, fmt.Errorf("setup ack envelope: %w", err)
		}

		switch got.Type {
		case v1.TypeSetupAck:
			var ack v1.SetupAckPayload
			if err := json.Unmarshal(got.Payload, &ack); err != nil {
				_ = conn.Close(websocket.StatusProtocolError, "bad setup ack")
				return nil, fmt.Errorf("unmarshal setup ack: %w", err)
			}
			c.log.Debug("channel.setup.ack", "session_id", ack.SessionID)
			return conn, nil
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(got.Payload, &ep)
			_ = conn.Close(websocket.StatusPolicyViolation, "setup rejected")
			return nil, fmt.Errorf("setup rejected: code=%q msg=%q", ep.Code, ep.Message)
		default:
			_ = conn.Close(websocket.StatusProtocolError, "unexpected pre-ack envelope")
			return nil, fmt.Errorf("unexpected envelope before setup ack: %s", got.Type)
		}
	}
}

func (c *Channel) abandonOpening(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateOpening {
		return
	}
	c.state = StateClosed
}

// teardown closes the connection belonging to generation gen. Stale
// generations (already superseded by Close or a newer Open) are ignored.
func (c *Channel) teardown(gen uint64, code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.state = StateClosed
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

// readLoop blocks on the connection until it ends. Reads carry no idle
// deadline: a quiet conversation is not an error, and liveness of the peer is
// the heartbeat's job.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				c.log.Info("channel.closed.peer", "close_status", websocket.CloseStatus(err))
				c.teardown(gen, websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				// Close() was called.
				c.teardown(gen, websocket.StatusNormalClosure, "context done")
			default:
				c.metrics.IncTransportErrors()
				c.log.Error("channel.read.fail", "err", err)
				c.teardown(gen, websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if err := env.Validate(); err != nil {
			c.log.Warn("channel.envelope.invalid", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one validated inbound envelope. Handlers run on the read
// loop goroutine, so delivery order is exactly transport order.
func (c *Channel) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeReceiveMessage:
		var p v1.ReceiveMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("channel.message.invalid", "err", err)
			return
		}
		c.metrics.IncMessagesReceived()

		c.mu.Lock()
		h := c.onMessage
		c.mu.Unlock()
		if h != nil {
			h(p)
		}

	case v1.TypeMessageSeenUpdate:
		var p v1.MessageSeenUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Warn("channel.seen_update.invalid", "err", err)
			return
		}
		c.metrics.IncSeenUpdates()

		c.mu.Lock()
		h := c.onSeen
		c.mu.Unlock()
		if h != nil {
			h(p.MessageID, p.SeenByUserID)
		}

	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		c.log.Warn("channel.server.error", "code", ep.Code, "msg", ep.Message)

	case v1.TypeSetupAck:
		// Duplicate ack after handshake; harmless.

	default:
		c.log.Warn("channel.envelope.unsupported", "type", env.Type)
	}
}

func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn, gen uint64) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			cancel()

			if err != nil {
				failures++
				c.log.Info("channel.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.metrics.IncTransportErrors()
					c.teardown(gen, websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Channel) write(ctx context.Context, typ string, payload json.RawMessage) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	conn := c.conn
	gen := c.gen
	c.mu.Unlock()

	env, err := newEnvelope(typ, payload, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := writeEnvelope(ctx, conn, env, c.cfg.WriteTimeout); err != nil {
		c.metrics.IncTransportErrors()
		c.log.Error("channel.write.fail", "type", typ, "err", err)
		c.teardown(gen, websocket.StatusAbnormalClosure, "write failed")
		return fmt.Errorf("realtime: write %s: %w", typ, err)
	}
	return nil
}

// ---- helpers ----

func newEnvelope(typ string, payload json.RawMessage, now time.Time) (v1.Envelope, error) {
	id, err := NewEnvelopeID(now)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("realtime: envelope id: %w", err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: payload,
	}, nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("bad json: %w", err)
	}
	return env, nil
}

type readErrKind int

const (
	readErrOther readErrKind = iota
	readErrClose
	readErrCtxDone
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) {
		return readErrClose
	}
	return readErrOther
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
