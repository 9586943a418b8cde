// Package directory is the REST client for the social graph and message
// history endpoints of the Ripple API. It is read-only: every mutation in the
// messaging session travels over the realtime channel instead.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ripple/cmd/internal/session"
	v1 "ripple/contracts/messaging/v1"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultPageSize = 50

	maxPageSize = 200
)

// Connection is a mutual connection the current user may message.
type Connection struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Profession string `json:"profession"`
}

// Client queries the Ripple REST API with the bearer credential of one
// session. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	baseURL  string
	sess     session.Session
	pageSize int
}

// Option configures Client behavior.
type Option func(*Client) error

// WithHTTPClient overrides the underlying HTTP client (used by tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) error {
		if h == nil {
			return errors.New("directory: nil http client")
		}
		c.http = h
		return nil
	}
}

// WithPageSize sets the history page size (default 50, max 200).
func WithPageSize(n int) Option {
	return func(c *Client) error {
		if n <= 0 || n > maxPageSize {
			return fmt.Errorf("directory: invalid page size %d", n)
		}
		c.pageSize = n
		return nil
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.New("directory: non-positive timeout")
		}
		c.http.Timeout = d
		return nil
	}
}

// NewClient constructs a Client for the API at baseURL.
func NewClient(baseURL string, sess session.Session, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("directory: empty base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("directory: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory: unsupported scheme: %s", u.Scheme)
	}

	c := &Client{
		http:     &http.Client{Timeout: defaultTimeout},
		baseURL:  baseURL,
		sess:     sess,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// PageSize reports the history page size this client requests. A page shorter
// than this signals that no older history remains.
func (c *Client) PageSize() int { return c.pageSize }

// Connections fetches the list of mutual connections.
func (c *Client) Connections(ctx context.Context) ([]Connection, error) {
	var body struct {
		Users []Connection `json:"users"`
	}
	if err := c.get(ctx, "/follow/connections", nil, &body); err != nil {
		return nil, fmt.Errorf("directory: connections: %w", err)
	}
	return body.Users, nil
}

// Messages fetches one page of history with peerID, oldest first within the
// page. Page 1 is the most recent window; higher pages are older.
func (c *Client) Messages(ctx context.Context, peerID string, page int) ([]v1.ReceiveMessagePayload, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, errors.New("directory: empty peer id")
	}
	if page < 1 {
		return nil, fmt.Errorf("directory: invalid page %d", page)
	}

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.pageSize))

	var body struct {
		Messages []v1.ReceiveMessagePayload `json:"messages"`
	}
	if err := c.get(ctx, "/messages/"+url.PathEscape(peerID), q, &body); err != nil {
		return nil, fmt.Errorf("directory: messages peer=%s page=%d: %w", peerID, page, err)
	}
	return body.Messages, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.sess.Authorization())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
