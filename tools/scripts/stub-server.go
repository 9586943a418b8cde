// Package main provides a development stub of the ripple backend.
//
// It serves just enough surface to exercise the client end to end:
//   - GET /follow/connections  (roster of everyone else the stub has seen)
//   - GET /messages/{peer}     (paged history, newest page first)
//   - GET /ws                  (realtime channel: setup/setup_ack, send echo,
//     fanout to the recipient, seen receipts)
//
// Identity is deliberately naive: the Bearer token IS the user id. Run two
// terminals with RIPPLE_TOKEN=alice / RIPPLE_TOKEN=bob and chat.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	v1 "ripple/contracts/messaging/v1"
)

const subprotocol = "ripple.messaging.v1"

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s := newStub(log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /follow/connections", s.handleConnections)
	mux.HandleFunc("GET /messages/{peer}", s.handleMessages)
	mux.HandleFunc("GET /ws", s.handleWS)

	log.Info("stub.listen", "addr", *addr)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("stub.fail", "err", err)
		os.Exit(1)
	}
}

type storedMessage struct {
	v1.ReceiveMessagePayload
}

type stub struct {
	log *slog.Logger

	mu       sync.Mutex
	users    map[string]bool
	messages []storedMessage
	conns    map[string][]*websocket.Conn
}

func newStub(log *slog.Logger) *stub {
	return &stub{
		log:   log,
		users: make(map[string]bool),
		conns: make(map[string][]*websocket.Conn),
	}
}

// caller extracts the user id from the Authorization header.
func caller(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func (s *stub) handleConnections(w http.ResponseWriter, r *http.Request) {
	me, ok := caller(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.users[me] = true
	others := make([]map[string]string, 0, len(s.users))
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		if id != me {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		others = append(others, map[string]string{"id": id, "name": id})
	}
	writeJSON(w, map[string]any{"users": others})
}

func (s *stub) handleMessages(w http.ResponseWriter, r *http.Request) {
	me, ok := caller(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	peer := r.PathValue("peer")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 20
	}

	s.mu.Lock()
	var between []v1.ReceiveMessagePayload
	for _, m := range s.messages {
		if (m.SenderID == me && m.ReceiverID == peer) || (m.SenderID == peer && m.ReceiverID == me) {
			between = append(between, m.ReceiveMessagePayload)
		}
	}
	s.mu.Unlock()

	// Page 1 holds the newest messages; each page is ascending.
	total := len(between)
	hi := total - (page-1)*limit
	lo := hi - limit
	if hi < 0 {
		hi = 0
	}
	if lo < 0 {
		lo = 0
	}
	writeJSON(w, map[string]any{"messages": between[lo:hi]})
}

func (s *stub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("ws.accept.fail", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	ctx := r.Context()

	userID, err := s.setup(ctx, conn)
	if err != nil {
		s.log.Warn("ws.setup.fail", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "setup failed")
		return
	}

	s.mu.Lock()
	s.users[userID] = true
	s.conns[userID] = append(s.conns[userID], conn)
	s.mu.Unlock()
	defer s.detach(userID, conn)

	s.log.Info("ws.session", "user", userID)

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
			s.log.Warn("ws.read.fail", "user", userID, "err", err)
			return
		}
		if err := env.Validate(); err != nil {
			s.sendError(ctx, conn, "bad_envelope", err.Error())
			continue
		}

		switch env.Type {
		case v1.TypeSendMessage:
			s.onSend(ctx, userID, env)
		case v1.TypeMessageSeen:
			s.onSeen(ctx, userID, env)
		default:
			s.sendError(ctx, conn, "unsupported_type", env.Type)
		}
	}
}

func (s *stub) setup(ctx context.Context, conn *websocket.Conn) (string, error) {
	env, err := readEnvelope(ctx, conn)
	if err != nil {
		return "", err
	}
	if env.Type != v1.TypeSetup {
		return "", fmt.Errorf("expected %s, got %s", v1.TypeSetup, env.Type)
	}
	var p v1.SetupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.UserID) == "" {
		return "", errors.New("empty user id")
	}

	ack := v1.SetupAckPayload{SessionID: newID()}
	if err := writeEnvelope(ctx, conn, v1.TypeSetupAck, ack); err != nil {
		return "", err
	}
	return p.UserID, nil
}

func (s *stub) onSend(ctx context.Context, sender string, env v1.Envelope) {
	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("ws.send.bad_payload", "user", sender, "err", err)
		return
	}
	if strings.TrimSpace(p.ToUserID) == "" || strings.TrimSpace(p.Text) == "" {
		return
	}

	confirmed := v1.ReceiveMessagePayload{
		ID:               newID(),
		SenderID:         sender,
		ReceiverID:       p.ToUserID,
		Text:             p.Text,
		CreatedAt:        time.Now().UTC(),
		CorrelationID:    p.CorrelationID,
		ReplyToMessageID: p.ReplyToMessageID,
	}

	s.mu.Lock()
	s.users[p.ToUserID] = true
	s.messages = append(s.messages, storedMessage{confirmed})
	s.mu.Unlock()

	// Confirmation echo to the sender, fanout to the recipient.
	s.fanout(ctx, v1.TypeReceiveMessage, confirmed, sender, p.ToUserID)
}

func (s *stub) onSeen(ctx context.Context, viewer string, env v1.Envelope) {
	var p v1.MessageSeenPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.log.Warn("ws.seen.bad_payload", "user", viewer, "err", err)
		return
	}

	s.mu.Lock()
	var senderID, receiverID string
	for i := range s.messages {
		if s.messages[i].ID == p.MessageID {
			m := &s.messages[i]
			seen := false
			for _, id := range m.SeenBy {
				if id == viewer {
					seen = true
					break
				}
			}
			if !seen {
				m.SeenBy = append(m.SeenBy, viewer)
			}
			senderID, receiverID = m.SenderID, m.ReceiverID
			break
		}
	}
	s.mu.Unlock()

	if senderID == "" {
		return
	}
	update := v1.MessageSeenUpdatePayload{MessageID: p.MessageID, SeenByUserID: viewer}
	s.fanout(ctx, v1.TypeMessageSeenUpdate, update, senderID, receiverID)
}

// fanout delivers one event to every connection of the given users.
func (s *stub) fanout(ctx context.Context, typ string, payload any, users ...string) {
	s.mu.Lock()
	var targets []*websocket.Conn
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if seen[u] {
			continue
		}
		seen[u] = true
		targets = append(targets, s.conns[u]...)
	}
	s.mu.Unlock()

	for _, conn := range targets {
		if err := writeEnvelope(ctx, conn, typ, payload); err != nil {
			s.log.Warn("ws.fanout.fail", "type", typ, "err", err)
		}
	}
}

func (s *stub) sendError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	_ = writeEnvelope(ctx, conn, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (s *stub) detach(userID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.conns[userID]
	for i, c := range conns {
		if c == conn {
			s.conns[userID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	var env v1.Envelope
	_, data, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	return env, nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newID(),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
