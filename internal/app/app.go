// Package app wires the board, stream, poller and session for one workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"classboard/internal/config"
	"classboard/internal/db"
	"classboard/internal/engine"
	"classboard/internal/events"
	"classboard/internal/logger"
	"classboard/internal/metrics"
	"classboard/internal/migrate"
	"classboard/internal/poller"
	"classboard/internal/relay"
	"classboard/internal/repo"
	"classboard/internal/server"
	"classboard/internal/session"
	"classboard/internal/stream"
	classboardsdk "classboard/sdk/go"
)

type Options struct {
	Workspace string
	// Config overrides the workspace classboard.yml.
	Config *config.Config
	// Logger overrides the logger built from Config.Log.
	Logger *zap.Logger
}

// App owns one instance of every component. Build it with Bootstrap and
// release it with Close.
type App struct {
	Config  *config.Config
	Log     *zap.Logger
	DB      *sql.DB
	Repo    repo.Repo
	Journal events.Writer
	Metrics *metrics.Metrics
	Tokens  *session.TokenStore
	API     *classboardsdk.Client
	Stream  *stream.Client
	Board   *engine.Board
	Session *session.Manager
	Poller  *poller.Poller
	Relay   *relay.Relay

	detach      []func()
	expired     chan struct{}
	expiredOnce sync.Once
	closeOnce   sync.Once
}

// Bootstrap opens the workspace, restores the stored session and cache
// snapshots, and wires the components together. Nothing connects until
// Live or a session call.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := opts.Logger
	if log == nil {
		built, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		log = built
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		DB:      conn,
		Repo:    repo.Repo{DB: conn},
		Journal: events.Writer{DB: conn},
		Metrics: metrics.New(),
		expired: make(chan struct{}),
	}

	a.Tokens = session.NewTokenStore(a.Repo, log)
	if err := a.Tokens.Restore(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	a.API = classboardsdk.New(cfg.Server.BaseURL, a.Tokens)
	if cfg.Commands.RequestsPerSecond > 0 {
		a.API.WithRateLimit(cfg.Commands.RequestsPerSecond, cfg.Commands.Burst)
	}
	a.Stream = stream.New(a.Tokens, stream.Options{
		URL:              cfg.EventsURL(),
		ReconnectBase:    cfg.Stream.ReconnectBase,
		ReconnectMax:     cfg.Stream.ReconnectMax,
		MaxAttempts:      cfg.Stream.MaxAttempts,
		PingInterval:     cfg.Stream.PingInterval,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		Logger:           log,
	})
	a.Board = engine.NewBoard(a.API, engine.Options{
		Timeout: cfg.Commands.Timeout,
		Store:   a.Repo,
		Journal: a.Journal,
		Metrics: a.Metrics,
		Logger:  log,
	})
	if err := a.restoreSnapshots(ctx); err != nil {
		log.Warn("restore cache snapshots", zap.Error(err))
	}
	a.Session = session.NewManager(a.Tokens, a.API, a.Stream, log)
	a.Poller = poller.New(a.Board, a.Stream, a.Tokens, poller.Options{
		Grace:           cfg.Poller.Grace,
		Interval:        cfg.Poller.Interval,
		MaxAuthFailures: cfg.Poller.MaxAuthFailures,
		OnAuthExpired:   func() { a.Session.Reauthenticate("fallback poll rejected") },
		Metrics:         a.Metrics,
		Logger:          log,
	})
	a.Relay = relay.New(a.Repo, cfg.Webhooks, log)

	a.detach = append(a.detach,
		a.Board.Attach(a.Stream),
		a.Session.Attach(a.Stream),
		a.countStreamEvents(),
	)
	a.Tokens.OnInvalidated(func(reason string) {
		a.Poller.Stop()
		a.expiredOnce.Do(func() { close(a.expired) })
	})
	return a, nil
}

func (a *App) restoreSnapshots(ctx context.Context) error {
	tasks, err := a.Repo.LoadTasks(ctx)
	if err != nil {
		return err
	}
	hrs, err := a.Repo.LoadHelpRequests(ctx)
	if err != nil {
		return err
	}
	a.Board.Restore(tasks, hrs)
	return nil
}

func (a *App) countStreamEvents() func() {
	id := a.Stream.AddListener(stream.AllEvents, func(evt stream.Event) {
		a.Metrics.StreamEvent(evt.Type)
		a.Metrics.StreamState(a.Stream.State())
	})
	return func() { a.Stream.RemoveListener(stream.AllEvents, id) }
}

// Live resumes the stored session and starts the stream, the fallback
// poller and the webhook relay.
func (a *App) Live(ctx context.Context) error {
	if _, err := a.Session.Resume(ctx); err != nil {
		return err
	}
	if a.Config.Poller.Enabled {
		a.Poller.Start()
	}
	a.Relay.Start()
	return nil
}

// Expired is closed once the server rejects the session credential.
func (a *App) Expired() <-chan struct{} {
	return a.expired
}

// Mirror returns the local mirror API handler.
func (a *App) Mirror(token string) (http.Handler, error) {
	return server.New(server.Config{
		Board:   a.Board,
		Stream:  a.Stream,
		Poller:  a.Poller,
		Users:   a.Tokens,
		Journal: a.Repo,
		Metrics: a.Metrics.Handler(),
		Auth:    server.AuthConfig{Token: token, Logger: a.Log.Named("mirror")},
	})
}

// Close stops background work, disconnects the stream and closes the
// database.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Relay.Stop()
		a.Poller.Stop()
		a.Stream.Disconnect()
		for _, fn := range a.detach {
			fn()
		}
		_ = a.Log.Sync()
		err = a.DB.Close()
	})
	return err
}

// RequireSession fails fast when no credential is stored.
func (a *App) RequireSession() error {
	if _, ok := a.Tokens.Token(); !ok {
		return errors.New("not logged in; run cb login")
	}
	if a.Tokens.Expired(time.Now()) {
		return session.ErrSessionExpired
	}
	return nil
}
