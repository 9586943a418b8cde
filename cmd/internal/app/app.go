// Package app wires the ripple client runtime: config, logging, the REST
// directory client, the realtime channel, and the interactive conversation
// loop on stdin/stdout.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ripple/cmd/internal/conversation"
	"ripple/cmd/internal/directory"
	"ripple/cmd/internal/realtime"
	"ripple/cmd/internal/session"
	"ripple/cmd/internal/telemetry"
)

const snippetLen = 40

// App is the ripple client runtime: it owns the session, the directory
// client, the realtime channel, and the conversation controller.
type App struct {
	cfg Config
	log Logger

	sess    session.Session
	dir     *directory.Client
	channel *realtime.Channel
	ctrl    *conversation.Controller
	metrics *telemetry.Metrics

	in  io.Reader
	out io.Writer
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	sess, err := session.New(cfg.UserID, cfg.Token)
	if err != nil {
		return nil, err
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsAddr != "" {
		metrics = telemetry.New()
	}

	dir, err := directory.NewClient(cfg.APIBaseURL, sess,
		directory.WithPageSize(cfg.PageSize),
		directory.WithTimeout(cfg.HTTPTimeout),
	)
	if err != nil {
		return nil, err
	}

	channel, err := realtime.NewChannel(log, sess, realtime.Config{
		URL:               cfg.WSURL,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, metrics)
	if err != nil {
		return nil, err
	}

	ctrl, err := conversation.NewController(log, dir, channel, sess.UserID, metrics)
	if err != nil {
		return nil, err
	}

	channel.OnMessageReceived(ctrl.HandleIncoming)
	channel.OnSeenReceiptUpdated(ctrl.HandleSeenUpdate)

	return &App{
		cfg:     cfg,
		log:     log,
		sess:    sess,
		dir:     dir,
		channel: channel,
		ctrl:    ctrl,
		metrics: metrics,
		in:      os.Stdin,
		out:     os.Stdout,
	}, nil
}

// Run opens the realtime channel and drives the interactive loop until the
// context is cancelled or stdin closes.
func (a *App) Run(ctx context.Context) error {
	if a.metrics != nil {
		go a.serveMetrics(ctx)
	}

	if err := a.channel.Open(ctx); err != nil {
		return fmt.Errorf("open realtime channel: %w", err)
	}
	defer a.channel.Close()

	a.log.Info("client.start", "user", a.sess.UserID, "api", a.cfg.APIBaseURL, "ws", a.cfg.WSURL)

	peers, err := a.dir.Connections(ctx)
	if err != nil {
		return fmt.Errorf("load connections: %w", err)
	}
	a.printRoster(peers)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			a.log.Info("client.stop", "reason", "context_done")
			return nil
		case line, ok := <-lines:
			if !ok {
				a.log.Info("client.stop", "reason", "stdin_closed")
				return nil
			}
			if err := a.handleLine(ctx, peers, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(a.out, "! %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func (a *App) handleLine(ctx context.Context, peers []directory.Connection, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		if err := a.ctrl.ComposeAndSend(ctx, line); err != nil {
			return err
		}
		a.printConversation()
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return errQuit

	case "/peers":
		a.printRoster(peers)
		return nil

	case "/open":
		peer, err := resolvePeer(peers, arg)
		if err != nil {
			return err
		}
		if err := a.ctrl.SelectPeer(ctx, peer); err != nil {
			return err
		}
		a.printConversation()
		return nil

	case "/more":
		if err := a.ctrl.RequestOlderMessages(ctx); err != nil {
			return err
		}
		a.printConversation()
		return nil

	case "/reply":
		if arg == "" {
			a.ctrl.SetReplyTarget(nil)
			fmt.Fprintln(a.out, "reply cleared")
			return nil
		}
		for _, m := range a.ctrl.Visible() {
			if m.ID == arg {
				target := m
				a.ctrl.SetReplyTarget(&target)
				fmt.Fprintf(a.out, "replying to %s: %s\n", m.ID, conversation.Snippet(m.Text, snippetLen))
				return nil
			}
		}
		return fmt.Errorf("no visible message with id %q", arg)

	case "/refresh":
		a.printConversation()
		return nil

	default:
		return fmt.Errorf("unknown command %q (try /open, /more, /reply, /peers, /quit)", cmd)
	}
}

// resolvePeer accepts either a 1-based roster index or a user id.
func resolvePeer(peers []directory.Connection, arg string) (conversation.Peer, error) {
	if arg == "" {
		return conversation.Peer{}, errors.New("usage: /open <number|user-id>")
	}

	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(peers) {
			return conversation.Peer{}, fmt.Errorf("no connection #%d", n)
		}
		p := peers[n-1]
		return conversation.Peer{ID: p.ID, Name: p.Name, Profession: p.Profession}, nil
	}

	for _, p := range peers {
		if p.ID == arg {
			return conversation.Peer{ID: p.ID, Name: p.Name, Profession: p.Profession}, nil
		}
	}
	return conversation.Peer{}, fmt.Errorf("unknown peer %q", arg)
}

func (a *App) printRoster(peers []directory.Connection) {
	if len(peers) == 0 {
		fmt.Fprintln(a.out, "no connections yet")
		return
	}
	fmt.Fprintln(a.out, "connections:")
	for i, p := range peers {
		label := p.Name
		if label == "" {
			label = p.ID
		}
		if p.Profession != "" {
			fmt.Fprintf(a.out, "  %d. %s (%s)\n", i+1, label, p.Profession)
		} else {
			fmt.Fprintf(a.out, "  %d. %s\n", i+1, label)
		}
	}
}

func (a *App) printConversation() {
	peer, ok := a.ctrl.SelectedPeer()
	if !ok {
		return
	}

	label := peer.Name
	if label == "" {
		label = peer.ID
	}
	fmt.Fprintf(a.out, "--- %s ---\n", label)
	if a.ctrl.HasMoreHistory() {
		fmt.Fprintln(a.out, "    (older messages available: /more)")
	}

	for _, m := range a.ctrl.Visible() {
		who := label
		if m.SenderID == a.sess.UserID {
			who = "me"
		}

		var marks []string
		if m.Pending {
			marks = append(marks, "sending")
		}
		if m.SenderID == a.sess.UserID && m.SeenByUser(peer.ID) {
			marks = append(marks, "seen")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ",") + "]"
		}

		if m.ReplyToMessageID != "" {
			fmt.Fprintf(a.out, "  > re %s\n", m.ReplyToMessageID)
		}
		fmt.Fprintf(a.out, "  [%s] %s: %s%s\n",
			m.CreatedAt.Local().Format("15:04"), who, m.Text, suffix)
	}

	if target, ok := a.ctrl.ReplyTarget(); ok {
		fmt.Fprintf(a.out, "  (replying to: %s)\n", conversation.Snippet(target.Text, snippetLen))
	}
}

// serveMetrics exposes the Prometheus registry on a local listener.
func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("metrics.listen", "addr", a.cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("metrics.serve.fail", "err", err)
	}
}
