// Package session persists the authentication state the sync core consumes:
// the bearer token and the signed-in flag. The sign-in flow itself lives
// outside this core.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/offbill/offbill/localstore"
)

const (
	keyToken    = "auth_token"
	keySignedIn = "signed_in"
)

// ErrNotSignedIn reports that no token has been persisted yet.
var ErrNotSignedIn = errors.New("not signed in")

// Session reads and writes the persisted auth state through the local store.
type Session struct {
	store  *localstore.Store
	logger *slog.Logger
}

// New creates a session over the given store.
func New(store *localstore.Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{store: store, logger: logger}
}

func (s *Session) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.store.QueryRow(ctx, `SELECT value FROM _session WHERE key = ?`, []any{key},
		func(row *sql.Row) error { return row.Scan(&value) })
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Session) set(ctx context.Context, key, value string) error {
	return s.store.Exec(ctx, `
		INSERT INTO _session (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
}

// SetToken persists the bearer token and marks the session signed in.
func (s *Session) SetToken(ctx context.Context, token string) error {
	if err := s.set(ctx, keyToken, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	return s.SetSignedIn(ctx, true)
}

// Token implements gateway.TokenSource. It fails when no token has been
// persisted, which surfaces as a transient push failure.
func (s *Session) Token(ctx context.Context) (string, error) {
	token, err := s.get(ctx, keyToken)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	if token == "" {
		return "", ErrNotSignedIn
	}
	return token, nil
}

// SetSignedIn persists the signed-in flag.
func (s *Session) SetSignedIn(ctx context.Context, signedIn bool) error {
	value := "0"
	if signedIn {
		value = "1"
	}
	return s.set(ctx, keySignedIn, value)
}

// SignedIn reports whether the user has completed a sign-in at least once.
// Reference-data pulls are suppressed entirely before that.
func (s *Session) SignedIn(ctx context.Context) bool {
	value, err := s.get(ctx, keySignedIn)
	if err != nil {
		s.logger.Warn("failed to read signed-in flag", "error", err)
		return false
	}
	return value == "1"
}

// TokenExpired inspects the persisted token's exp claim without verifying the
// signature (verification is the server's job). A token that is not a JWT or
// carries no exp claim is treated as non-expiring.
func (s *Session) TokenExpired(ctx context.Context) bool {
	token, err := s.Token(ctx)
	if err != nil {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Now().After(claims.ExpiresAt.Time)
}

// Clear wipes the persisted auth state (local sign-out).
func (s *Session) Clear(ctx context.Context) error {
	return s.store.Exec(ctx, `DELETE FROM _session WHERE key IN (?, ?)`, keyToken, keySignedIn)
}
