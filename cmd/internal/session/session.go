// Package session holds the authenticated session context consumed by the
// messaging core. Credentials are issued and refreshed by an external auth
// service; this package treats them as opaque strings and only carries them
// to the collaborators that need them.
package session

import (
	"errors"
	"strings"
)

var (
	// ErrMissingUserID indicates an empty user id.
	ErrMissingUserID = errors.New("session: missing user id")
	// ErrMissingToken indicates an empty bearer token.
	ErrMissingToken = errors.New("session: missing token")
)

// Session is the current authenticated identity. It is constructed once at
// startup and passed explicitly to collaborators, never read ambiently.
type Session struct {
	UserID string
	Token  string
}

// New validates and constructs a Session.
func New(userID, token string) (Session, error) {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)

	if userID == "" {
		return Session{}, ErrMissingUserID
	}
	if token == "" {
		return Session{}, ErrMissingToken
	}
	return Session{UserID: userID, Token: token}, nil
}

// Authorization returns the value for the Authorization header.
func (s Session) Authorization() string {
	return "Bearer " + s.Token
}
