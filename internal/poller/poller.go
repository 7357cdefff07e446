// Package poller re-fetches board state while the event stream is down.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"classboard/internal/domain"
	"classboard/internal/metrics"
	"classboard/internal/stream"
	classboardsdk "classboard/sdk/go"
)

const (
	defaultGrace           = 3 * time.Second
	defaultInterval        = 10 * time.Second
	defaultMaxAuthFailures = 3
)

// Fetcher reconciles server lists into the caches. engine.Board implements it.
type Fetcher interface {
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	FetchHelpRequests(ctx context.Context, resolved *bool) ([]domain.HelpRequest, error)
}

// Stream is the part of the stream client the poller watches.
type Stream interface {
	IsConnected() bool
	AddListener(name string, fn stream.Listener) stream.ListenerID
	RemoveListener(name string, id stream.ListenerID)
}

// UserSource tells whether the session sees the help-request queue.
type UserSource interface {
	User() (domain.User, bool)
}

type Options struct {
	Grace           time.Duration
	Interval        time.Duration
	MaxAuthFailures int
	// OnAuthExpired runs once the server rejected the credential
	// MaxAuthFailures times in a row.
	OnAuthExpired func()
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Poller runs at most one fetch loop at a time.
type Poller struct {
	fetch  Fetcher
	stream Stream
	users  UserSource
	opts   Options
	log    *zap.Logger

	mu        sync.Mutex
	mounted   bool
	active    bool
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	listeners map[string]stream.ListenerID
}

func New(fetch Fetcher, s Stream, users UserSource, opts Options) *Poller {
	if opts.Grace < 0 {
		opts.Grace = 0
	} else if opts.Grace == 0 {
		opts.Grace = defaultGrace
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxAuthFailures <= 0 {
		opts.MaxAuthFailures = defaultMaxAuthFailures
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{fetch: fetch, stream: s, users: users, opts: opts, log: opts.Logger.Named("poller")}
}

// Start mounts the poller: it arms the fetch loop and re-arms it whenever the
// stream drops after it stood down.
func (p *Poller) Start() {
	p.mu.Lock()
	if !p.mounted {
		p.mounted = true
		p.listeners = map[string]stream.ListenerID{
			stream.EventDisconnected:     p.stream.AddListener(stream.EventDisconnected, p.onStreamDown),
			stream.EventConnectionFailed: p.stream.AddListener(stream.EventConnectionFailed, p.onStreamDown),
		}
	}
	p.armLocked()
	p.mu.Unlock()
}

func (p *Poller) onStreamDown(evt stream.Event) {
	if evt.Manual {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mounted && !p.active {
		p.log.Info("stream lost; fallback polling re-armed", zap.String("event", evt.Type))
		p.armLocked()
	}
}

func (p *Poller) armLocked() {
	if p.active {
		return
	}
	p.gen++
	gen := p.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.active = true
	p.cancel = cancel
	p.done = done
	go func() {
		expired := p.loop(ctx, gen)
		p.finish(gen)
		close(done)
		if expired && p.opts.OnAuthExpired != nil {
			p.opts.OnAuthExpired()
		}
	}()
}

func (p *Poller) finish(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.active = false
		p.cancel = nil
	}
}

// standDown clears active if the stream is connected. The check and the
// clear share p.mu with onStreamDown, so a drop right after the check
// always finds the poller inactive and re-arms it.
func (p *Poller) standDown(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stream.IsConnected() {
		return false
	}
	if p.gen == gen {
		p.active = false
		if p.cancel != nil {
			p.cancel()
		}
		p.cancel = nil
	}
	return true
}

// Stop unmounts the poller and waits for a running fetch to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.mounted = false
	for name, id := range p.listeners {
		p.stream.RemoveListener(name, id)
	}
	p.listeners = nil
	cancel, done := p.cancel, p.done
	p.gen++
	p.active = false
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// IsActive reports whether a fetch loop is armed.
func (p *Poller) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// loop waits out the grace period then ticks until the stream is back, the
// credential is rejected, or ctx ends. A ticker drops ticks while a fetch is
// still running, so fetches never overlap.
func (p *Poller) loop(ctx context.Context, gen uint64) (expired bool) {
	grace := time.NewTimer(p.opts.Grace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-grace.C:
	}
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	authFailures := 0
	for {
		if p.standDown(gen) {
			p.log.Debug("stream authenticated; polling stands down")
			p.opts.Metrics.PollTick("stand_down")
			return false
		}
		if err := p.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			if classboardsdk.IsUnauthorized(err) {
				authFailures++
				p.opts.Metrics.PollTick("unauthorized")
				if authFailures >= p.opts.MaxAuthFailures {
					p.log.Warn("credential rejected while polling; re-authentication required",
						zap.Int("failures", authFailures))
					return true
				}
			} else {
				authFailures = 0
				p.opts.Metrics.PollTick("error")
				p.log.Warn("fallback poll failed", zap.Error(err))
			}
		} else {
			authFailures = 0
			p.opts.Metrics.PollTick("ok")
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	if _, err := p.fetch.FetchTasks(ctx); err != nil {
		return err
	}
	if u, ok := p.users.User(); ok && u.CanSeeHelpRequests() {
		unresolved := false
		if _, err := p.fetch.FetchHelpRequests(ctx, &unresolved); err != nil {
			return err
		}
	}
	return nil
}
