// Package session owns the bearer credential and the login/logout flow.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"classboard/internal/domain"
	"classboard/internal/repo"
)

var ErrNoCredential = errors.New("no session credential")

// Persister stores the credential between runs. repo.Repo implements it.
type Persister interface {
	SaveSession(ctx context.Context, s repo.Session) error
	LoadSession(ctx context.Context) (repo.Session, error)
	ClearSession(ctx context.Context) error
}

// Claims are the unverified JWT claims of the current credential. The server
// is the only party that verifies the signature.
type Claims struct {
	Subject   string
	ExpiresAt *time.Time
}

// TokenStore is the single writer of the session credential. Readers (the
// request layer and the event stream) only call Token.
type TokenStore struct {
	mu          sync.RWMutex
	token       string
	sessionID   string
	user        *domain.User
	persist     Persister
	log         *zap.Logger
	invalidated []func(reason string)
}

func NewTokenStore(p Persister, log *zap.Logger) *TokenStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenStore{persist: p, log: log}
}

// Restore loads a previously persisted credential, if any.
func (s *TokenStore) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	stored, err := s.persist.LoadSession(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = stored.Token
	s.user = stored.User
	s.sessionID = uuid.NewString()
	s.mu.Unlock()
	return nil
}

// Token returns the current credential and whether one is present.
func (s *TokenStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// SessionID identifies the current login within this process.
func (s *TokenStore) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *TokenStore) User() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return domain.User{}, false
	}
	return *s.user, true
}

// Set stores a fresh credential.
func (s *TokenStore) Set(ctx context.Context, token string, user *domain.User) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoCredential
	}
	s.mu.Lock()
	s.token = token
	s.user = user
	s.sessionID = uuid.NewString()
	s.mu.Unlock()
	return s.save(ctx)
}

// SetUser attaches the profile loaded after login.
func (s *TokenStore) SetUser(ctx context.Context, user domain.User) error {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return ErrNoCredential
	}
	s.user = &user
	s.mu.Unlock()
	return s.save(ctx)
}

func (s *TokenStore) save(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.mu.RLock()
	rec := repo.Session{Token: s.token, User: s.user}
	if s.user != nil {
		rec.Username = s.user.Username
	}
	s.mu.RUnlock()
	return s.persist.SaveSession(ctx, rec)
}

// Clear forgets the credential (explicit logout).
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.sessionID = ""
	s.mu.Unlock()
	if s.persist == nil {
		return nil
	}
	return s.persist.ClearSession(ctx)
}

// OnInvalidated registers a hook run when the server rejects the credential.
func (s *TokenStore) OnInvalidated(fn func(reason string)) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, fn)
	s.mu.Unlock()
}

// Invalidate drops a credential the server rejected and notifies hooks so
// the caller can force a new login.
func (s *TokenStore) Invalidate(ctx context.Context, reason string) {
	if _, ok := s.Token(); !ok {
		return
	}
	s.log.Warn("session credential rejected", zap.String("reason", reason))
	if err := s.Clear(ctx); err != nil {
		s.log.Error("clear rejected credential", zap.Error(err))
	}
	s.mu.RLock()
	hooks := append([]func(string){}, s.invalidated...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(reason)
	}
}

// Claims decodes the credential without verifying it.
func (s *TokenStore) Claims() (Claims, error) {
	token, ok := s.Token()
	if !ok {
		return Claims{}, ErrNoCredential
	}
	return ParseClaims(token)
}

// ParseClaims reads sub/exp from a JWT without checking its signature.
func ParseClaims(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return Claims{}, err
	}
	rc, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return Claims{}, errors.New("unexpected claims type")
	}
	c := Claims{Subject: rc.Subject}
	if rc.ExpiresAt != nil {
		exp := rc.ExpiresAt.Time
		c.ExpiresAt = &exp
	}
	return c, nil
}

// Expired reports whether the credential is a JWT whose exp lies before now.
// Opaque (non-JWT) credentials are never considered expired locally.
func (s *TokenStore) Expired(now time.Time) bool {
	c, err := s.Claims()
	if err != nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}
