// Package auth authenticates admin operators and resolves their sessions.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCredentials is returned by SignIn for an unknown email and
	// for a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrNoSession is returned when a token is missing, unknown or expired.
	ErrNoSession = errors.New("no active session")
)

// User is the operator identity exposed to handlers and templates.
type User struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSignIn *time.Time `json:"last_sign_in_at,omitempty"`
}

// Session is an authenticated operator session.
type Session struct {
	Token     string    `json:"-"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Provider is the session backend the HTTP layer depends on.
type Provider interface {
	// SignIn checks credentials and opens a new session.
	SignIn(ctx context.Context, email, password string) (*Session, error)
	// User resolves a session token.
	User(ctx context.Context, token string) (*Session, error)
	// SignOut ends the session. Unknown tokens are not an error.
	SignOut(ctx context.Context, token string) error
}

type ctxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}
