// Package relay forwards journaled stream events to configured webhooks.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"classboard/internal/config"
	"classboard/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// Source reads the event journal. repo.Repo implements it.
type Source interface {
	EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// target is one enabled webhook and how far into the journal it has been
// served.
type target struct {
	url     string
	secret  string
	timeout time.Duration
	types   map[string]bool

	primed bool
	cursor int64
}

// wants reports whether the hook subscribed to evtType. No subscriptions,
// or "*", means every type.
func (t *target) wants(evtType string) bool {
	return len(t.types) == 0 || t.types["*"] || t.types[evtType]
}

// Relay delivers each journaled event at most once per hook, in journal
// order. A failed delivery is retried on the next pass.
type Relay struct {
	source   Source
	client   *http.Client
	interval time.Duration
	log      *zap.Logger

	// pass serialises delivery passes; targets is only touched under it.
	pass    sync.Mutex
	targets []*target

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(source Source, hooks []config.WebhookConfig, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{
		source:   source,
		client:   &http.Client{},
		interval: defaultInterval,
		log:      log.Named("relay"),
	}
	for _, h := range hooks {
		url := strings.TrimSpace(h.URL)
		if url == "" || (h.Enabled != nil && !*h.Enabled) {
			continue
		}
		t := &target{url: url, secret: strings.TrimSpace(h.Secret), timeout: defaultTimeout}
		if h.TimeoutSeconds > 0 {
			t.timeout = time.Duration(h.TimeoutSeconds) * time.Second
		}
		for _, typ := range h.Events {
			if typ = strings.TrimSpace(typ); typ != "" {
				if t.types == nil {
					t.types = map[string]bool{}
				}
				t.types[typ] = true
			}
		}
		r.targets = append(r.targets, t)
	}
	return r
}

// WithInterval sets the journal scan interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Enabled reports whether any hook would receive events.
func (r *Relay) Enabled() bool {
	return len(r.targets) > 0
}

// Start runs the relay until Stop. Events journaled before Start are not
// forwarded.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil || !r.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *Relay) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every enabled hook. A hook's
// first pass only records where the journal ends.
func (r *Relay) DispatchAll(ctx context.Context) {
	r.pass.Lock()
	defer r.pass.Unlock()
	for _, t := range r.targets {
		if !t.primed {
			latest, err := r.source.LatestEventID(ctx)
			if err != nil {
				r.log.Warn("read journal head", zap.String("url", t.url), zap.Error(err))
				continue
			}
			t.cursor, t.primed = latest, true
			continue
		}
		r.drain(ctx, t)
	}
}

func (r *Relay) drain(ctx context.Context, t *target) {
	batch, err := r.source.EventsAfter(ctx, defaultBatch, t.cursor)
	if err != nil {
		r.log.Warn("read journal", zap.Error(err))
		return
	}
	for _, evt := range batch {
		if t.wants(evt.Type) {
			if err := r.deliver(ctx, t, evt); err != nil {
				r.log.Warn("webhook delivery failed",
					zap.String("url", t.url), zap.Int64("event_id", evt.ID), zap.Error(err))
				return
			}
		}
		t.cursor = evt.ID
	}
}

// notice is the webhook body: the journaled event with its stream payload.
type notice struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (r *Relay) deliver(ctx context.Context, t *target, evt domain.Event) error {
	payload := json.RawMessage(evt.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(notice{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Classboard-Event", evt.Type)
	req.Header.Set("X-Classboard-Delivery", strconv.FormatInt(evt.ID, 10))
	if t.secret != "" {
		req.Header.Set("X-Classboard-Secret", t.secret)
	}
	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
