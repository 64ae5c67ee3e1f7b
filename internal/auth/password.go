package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/echoes-of-korea/oral-archive/internal/database"
)

// Store is the persistence PasswordProvider needs. *database.DB satisfies it.
type Store interface {
	UserByEmail(ctx context.Context, email string) (*database.UserRow, error)
	UpsertUser(ctx context.Context, email, passwordHash string) (*database.UserRow, error)
	CreateSession(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error
	SessionUser(ctx context.Context, tokenHash string) (*database.UserRow, time.Time, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// PasswordProvider authenticates against bcrypt password hashes and issues
// opaque session tokens. Only the SHA-256 of a token is stored.
type PasswordProvider struct {
	store Store
	ttl   time.Duration
	cost  int
	now   func() time.Time
	log   zerolog.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// NewPasswordProvider returns a provider whose sessions last ttl.
func NewPasswordProvider(store Store, ttl time.Duration, log zerolog.Logger) *PasswordProvider {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &PasswordProvider{
		store: store,
		ttl:   ttl,
		cost:  bcrypt.DefaultCost,
		now:   time.Now,
		log:   log.With().Str("component", "auth").Logger(),
	}
}

// HashToken returns the stored form of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func toUser(u *database.UserRow) User {
	return User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt, LastSignIn: u.LastSignIn}
}

// SignIn implements Provider.
func (p *PasswordProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	row, err := p.store.UserByEmail(ctx, email)
	if errors.Is(err, database.ErrNotFound) {
		// Spend the same bcrypt time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(p.dummy(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)); err != nil {
		p.log.Info().Str("email", row.Email).Msg("sign-in rejected")
		return nil, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	expires := p.now().Add(p.ttl)
	if err := p.store.CreateSession(ctx, HashToken(token), row.ID, expires); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	now := p.now()
	user := toUser(row)
	user.LastSignIn = &now
	p.log.Info().Str("user_id", row.ID.String()).Msg("signed in")
	return &Session{Token: token, User: user, ExpiresAt: expires}, nil
}

// User implements Provider.
func (p *PasswordProvider) User(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNoSession
	}
	row, expires, err := p.store.SessionUser(ctx, HashToken(token))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if !expires.After(p.now()) {
		return nil, ErrNoSession
	}
	return &Session{Token: token, User: toUser(row), ExpiresAt: expires}, nil
}

// SignOut implements Provider.
func (p *PasswordProvider) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return p.store.DeleteSession(ctx, HashToken(token))
}

// Bootstrap creates the account or resets its password. Used to seed the
// first operator from configuration.
func (p *PasswordProvider) Bootstrap(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return errors.New("bootstrap user needs email and password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	row, err := p.store.UpsertUser(ctx, email, string(hash))
	if err != nil {
		return err
	}
	p.log.Info().Str("email", row.Email).Msg("bootstrap user ready")
	return nil
}

func (p *PasswordProvider) dummy() []byte {
	p.dummyOnce.Do(func() {
		p.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("not-a-real-password"), p.cost)
	})
	return p.dummyHash
}
