package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"classboard/internal/domain"
	"classboard/internal/stream"
	classboardsdk "classboard/sdk/go"
)

var ErrSessionExpired = errors.New("session expired; log in again")

// AuthAPI is the login surface of the SDK client.
type AuthAPI interface {
	Login(ctx context.Context, username, password string) (classboardsdk.Token, error)
	Me(ctx context.Context) (domain.User, error)
}

// Connector starts and stops the event stream.
type Connector interface {
	Connect()
	Disconnect()
}

// EventSource is the listener surface of the stream client.
type EventSource interface {
	AddListener(name string, fn stream.Listener) stream.ListenerID
	RemoveListener(name string, id stream.ListenerID)
}

// Manager drives login, resume and logout around the token store.
type Manager struct {
	Tokens *TokenStore
	api    AuthAPI
	stream Connector
	log    *zap.Logger
	now    func() time.Time
}

func NewManager(tokens *TokenStore, api AuthAPI, conn Connector, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{Tokens: tokens, api: api, stream: conn, log: log.Named("session"), now: time.Now}
}

// Login exchanges credentials for a token, loads the profile and connects
// the stream.
func (m *Manager) Login(ctx context.Context, username, password string) (domain.User, error) {
	tok, err := m.api.Login(ctx, username, password)
	if err != nil {
		return domain.User{}, fmt.Errorf("login %s: %w", username, err)
	}
	if err := m.Tokens.Set(ctx, tok.AccessToken, nil); err != nil {
		return domain.User{}, err
	}
	user, err := m.api.Me(ctx)
	if err != nil {
		_ = m.Tokens.Clear(ctx)
		return domain.User{}, fmt.Errorf("load profile: %w", err)
	}
	if err := m.Tokens.SetUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	m.log.Info("logged in", zap.String("username", user.Username), zap.String("role", string(user.Role)))
	if m.stream != nil {
		m.stream.Connect()
	}
	return user, nil
}

// Resume restores a persisted session, refreshes the profile and connects
// the stream.
func (m *Manager) Resume(ctx context.Context) (domain.User, error) {
	if err := m.Tokens.Restore(ctx); err != nil {
		return domain.User{}, err
	}
	if _, ok := m.Tokens.Token(); !ok {
		return domain.User{}, ErrNoCredential
	}
	if m.Tokens.Expired(m.now()) {
		_ = m.Tokens.Clear(ctx)
		return domain.User{}, ErrSessionExpired
	}
	user, err := m.api.Me(ctx)
	if classboardsdk.IsUnauthorized(err) {
		m.Tokens.Invalidate(ctx, "profile request rejected")
		return domain.User{}, ErrSessionExpired
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("load profile: %w", err)
	}
	if err := m.Tokens.SetUser(ctx, user); err != nil {
		return domain.User{}, err
	}
	if m.stream != nil {
		m.stream.Connect()
	}
	return user, nil
}

// Logout disconnects the stream and forgets the credential.
func (m *Manager) Logout(ctx context.Context) error {
	if m.stream != nil {
		m.stream.Disconnect()
	}
	return m.Tokens.Clear(ctx)
}

// Reauthenticate drops a credential the server no longer accepts.
func (m *Manager) Reauthenticate(reason string) {
	if m.stream != nil {
		m.stream.Disconnect()
	}
	m.Tokens.Invalidate(context.Background(), reason)
}

// Attach forces re-authentication when the stream handshake is rejected.
func (m *Manager) Attach(src EventSource) func() {
	id := src.AddListener(stream.EventAuthFailed, func(evt stream.Event) {
		m.Reauthenticate("stream handshake rejected")
	})
	return func() { src.RemoveListener(stream.EventAuthFailed, id) }
}
