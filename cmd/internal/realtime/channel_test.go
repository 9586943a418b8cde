package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"ripple/cmd/internal/session"
	v1 "ripple/contracts/messaging/v1"
)

// fakeServer accepts one websocket client, answers the setup handshake, and
// exposes both directions to the test.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	rejectSetup bool

	mu      sync.Mutex
	conns   []*serverConn
	accepts chan *serverConn
}

type serverConn struct {
	conn    *websocket.Conn
	setup   v1.SetupPayload
	inbound chan v1.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	f := &fakeServer{t: t, accepts: make(chan *serverConn, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.t.Errorf("accept: %v", err)
		return
	}

	ctx := context.Background()

	env, err := readEnvelope(ctx, conn)
	if err != nil {
		f.t.Errorf("read setup: %v", err)
		return
	}
	if env.Type != v1.TypeSetup {
		f.t.Errorf("expected setup, got %s", env.Type)
		return
	}

	sc := &serverConn{conn: conn, inbound: make(chan v1.Envelope, 64)}
	if err := json.Unmarshal(env.Payload, &sc.setup); err != nil {
		f.t.Errorf("unmarshal setup: %v", err)
		return
	}

	if f.rejectSetup {
		f.writeTo(conn, v1.TypeError, v1.ErrorPayload{Code: "unauthorized", Message: "bad token"})
		_ = conn.Close(websocket.StatusPolicyViolation, "setup rejected")
		return
	}

	f.writeTo(conn, v1.TypeSetupAck, v1.SetupAckPayload{SessionID: "sess-1"})

	f.mu.Lock()
	f.conns = append(f.conns, sc)
	f.mu.Unlock()
	f.accepts <- sc

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			close(sc.inbound)
			return
		}
		sc.inbound <- env
	}
}

func (f *fakeServer) writeTo(conn *websocket.Conn, typ string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		f.t.Errorf("marshal %s payload: %v", typ, err)
		return
	}
	env, err := newEnvelope(typ, b, time.Now().UTC())
	if err != nil {
		f.t.Errorf("envelope: %v", err)
		return
	}
	if err := writeEnvelope(context.Background(), conn, env, 5*time.Second); err != nil {
		f.t.Errorf("write %s: %v", typ, err)
	}
}

func (f *fakeServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-f.accepts:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client connection")
		return nil
	}
}

func (sc *serverConn) waitEnvelope(t *testing.T, wantType string) v1.Envelope {
	t.Helper()
	for {
		select {
		case env, ok := <-sc.inbound:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			t.Fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %q", wantType)
		}
	}
}

func testChannel(t *testing.T, f *fakeServer) *Channel {
	t.Helper()

	sess, err := session.New("user-1", "tok-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	ch, err := NewChannel(slogt.New(t), sess, Config{URL: f.wsURL()}, nil)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestNewChannel_RejectsBadURL(t *testing.T) {
	sess, _ := session.New("user-1", "tok-1")
	for _, raw := range []string{"", "http://host/ws", "ws://"} {
		if _, err := NewChannel(slogt.New(t), sess, Config{URL: raw}, nil); err == nil {
			t.Fatalf("expected error for url %q", raw)
		}
	}
}

func TestOpen_HandshakeAndIdempotency(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	if got := ch.State(); got != StateClosed {
		t.Fatalf("initial state: %v", got)
	}
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := f.waitConn(t)
	if sc.setup.UserID != "user-1" {
		t.Fatalf("setup user id mismatch: %q", sc.setup.UserID)
	}
	if got := ch.State(); got != StateOpen {
		t.Fatalf("state after open: %v", got)
	}

	// Second open is a no-op on the existing connection.
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	select {
	case <-f.accepts:
		t.Fatal("idempotent open dialed a second connection")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestOpen_SetupRejected(t *testing.T) {
	f := newFakeServer(t)
	f.rejectSetup = true
	ch := testChannel(t, f)

	err := ch.Open(context.Background())
	if err == nil || !strings.Contains(err.Error(), "setup rejected") {
		t.Fatalf("expected setup rejection, got %v", err)
	}
	if got := ch.State(); got != StateClosed {
		t.Fatalf("state after failed open: %v", got)
	}
}

func TestSend_RequiresOpen(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	err := ch.Send(context.Background(), "peer-1", "hi", "", "corr-1")
	if !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestSend_WritesEnvelope(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := f.waitConn(t)

	if err := ch.Send(context.Background(), "peer-1", "hello there", "m-9", "corr-42"); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := sc.waitEnvelope(t, v1.TypeSendMessage)
	var got v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := v1.SendMessagePayload{
		ToUserID:         "peer-1",
		Text:             "hello there",
		CorrelationID:    "corr-42",
		ReplyToMessageID: "m-9",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("send payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSend_ValidatesInput(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.waitConn(t)

	if err := ch.Send(context.Background(), "", "hi", "", "corr"); err == nil {
		t.Fatal("expected error for empty recipient")
	}
	if err := ch.Send(context.Background(), "peer-1", "   ", "", "corr"); err == nil {
		t.Fatal("expected error for empty text")
	}
	if err := ch.Send(context.Background(), "peer-1", strings.Repeat("x", maxMessageChars+1), "", "corr"); err == nil {
		t.Fatal("expected error for oversized text")
	}
	if err := ch.Send(context.Background(), "peer-1", "hi", "", ""); err == nil {
		t.Fatal("expected error for empty correlation id")
	}
}

func TestAcknowledgeSeen_WritesEnvelope(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := f.waitConn(t)

	if err := ch.AcknowledgeSeen(context.Background(), "m-1", "user-1"); err != nil {
		t.Fatalf("acknowledge seen: %v", err)
	}

	env := sc.waitEnvelope(t, v1.TypeMessageSeen)
	var got v1.MessageSeenPayload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MessageID != "m-1" || got.UserID != "user-1" {
		t.Fatalf("seen payload mismatch: %+v", got)
	}
}

func TestDispatch_DeliveryOrder(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	var mu sync.Mutex
	var gotTexts []string
	var gotSeen []string
	ch.OnMessageReceived(func(p v1.ReceiveMessagePayload) {
		mu.Lock()
		gotTexts = append(gotTexts, p.Text)
		mu.Unlock()
	})
	ch.OnSeenReceiptUpdated(func(messageID, seenBy string) {
		mu.Lock()
		gotSeen = append(gotSeen, messageID+"/"+seenBy)
		mu.Unlock()
	})

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := f.waitConn(t)

	now := time.Now().UTC()
	for i, text := range []string{"one", "two", "three"} {
		f.writeTo(sc.conn, v1.TypeReceiveMessage, v1.ReceiveMessagePayload{
			ID:         "m-" + text,
			SenderID:   "peer-1",
			ReceiverID: "user-1",
			Text:       text,
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		})
	}
	f.writeTo(sc.conn, v1.TypeMessageSeenUpdate, v1.MessageSeenUpdatePayload{
		MessageID:    "m-one",
		SeenByUserID: "peer-1",
	})

	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotTexts) == 3 && len(gotSeen) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"one", "two", "three"}, gotTexts); diff != "" {
		t.Fatalf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if gotSeen[0] != "m-one/peer-1" {
		t.Fatalf("seen event mismatch: %q", gotSeen[0])
	}
}

func TestClose_IdempotentAndDisablesSend(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	// Safe to close a channel that was never opened.
	ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.waitConn(t)

	ch.Close()
	ch.Close()

	if got := ch.State(); got != StateClosed {
		t.Fatalf("state after close: %v", got)
	}
	if err := ch.Send(context.Background(), "peer-1", "hi", "", "corr"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after close, got %v", err)
	}
}

func TestPeerClose_TransitionsToClosed(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := f.waitConn(t)

	_ = sc.conn.Close(websocket.StatusGoingAway, "server restart")

	waitFor(t, "channel closed", func() bool {
		return ch.State() == StateClosed
	})
}

func TestReopenAfterClose(t *testing.T) {
	f := newFakeServer(t)
	ch := testChannel(t, f)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.waitConn(t)
	ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	f.waitConn(t)
	if got := ch.State(); got != StateOpen {
		t.Fatalf("state after reopen: %v", got)
	}
}

func TestQuietConnectionStaysOpen(t *testing.T) {
	f := newFakeServer(t)

	sess, err := session.New("user-1", "tok-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	ch, err := NewChannel(slogt.New(t), sess, Config{
		URL:               f.wsURL(),
		HeartbeatInterval: 50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(ch.Close)

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	sc := f.waitConn(t)

	// The server sends nothing at all; pings alone keep the channel alive.
	// A conversation with no traffic must never go send-disabled.
	time.Sleep(500 * time.Millisecond)

	if got := ch.State(); got != StateOpen {
		t.Fatalf("quiet channel state=%v want=%v", got, StateOpen)
	}
	if err := ch.Send(context.Background(), "peer-1", "still here", "", "corr-quiet"); err != nil {
		t.Fatalf("send after quiet period: %v", err)
	}
	sc.waitEnvelope(t, v1.TypeSendMessage)
}
