package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classboard/internal/config"
	"classboard/internal/db"
	"classboard/internal/events"
	"classboard/internal/migrate"
	"classboard/internal/relay"
	"classboard/internal/repo"
)

type received struct {
	Event, Secret string
	Body          map[string]any
}

type hookServer struct {
	*httptest.Server
	mu   sync.Mutex
	got  []received
	fail bool
}

func newHookServer(t *testing.T) *hookServer {
	hs := &hookServer{}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		if hs.fail {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		hs.got = append(hs.got, received{r.Header.Get("X-Classboard-Event"), r.Header.Get("X-Classboard-Secret"), body})
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) deliveries() []received {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]received(nil), hs.got...)
}

func setup(t *testing.T) (repo.Repo, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}, events.Writer{DB: conn}
}

func TestRelayForwardsFilteredEventsOnce(t *testing.T) {
	r, w := setup(t)
	ctx := context.Background()
	require.NoError(t, w.Append(ctx, "help_request_created", "help_request", "1", json.RawMessage(`{"id":1}`)))

	hs := newHookServer(t)
	rl := relay.New(r, []config.WebhookConfig{{URL: hs.URL, Events: []string{"help_request_created"}, Secret: "s3"}}, nil)

	rl.DispatchAll(ctx)
	assert.Empty(t, hs.deliveries(), "events journaled before the first pass are skipped")

	require.NoError(t, w.Append(ctx, "task_updated", "task", "42", json.RawMessage(`{"id":42}`)))
	require.NoError(t, w.Append(ctx, "help_request_created", "help_request", "7", json.RawMessage(`{"id":7,"task_id":42}`)))
	rl.DispatchAll(ctx)
	rl.DispatchAll(ctx)

	got := hs.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "help_request_created", got[0].Event)
	assert.Equal(t, "s3", got[0].Secret)
	assert.Equal(t, "7", got[0].Body["entity_id"])
	assert.Equal(t, map[string]any{"id": float64(7), "task_id": float64(42)}, got[0].Body["payload"])
}

func TestRelayRetriesFailedDelivery(t *testing.T) {
	r, w := setup(t)
	ctx := context.Background()
	hs := newHookServer(t)
	hs.fail = true
	rl := relay.New(r, []config.WebhookConfig{{URL: hs.URL}}, nil)
	rl.DispatchAll(ctx)

	require.NoError(t, w.Append(ctx, "task_deleted", "task", "3", nil))
	rl.DispatchAll(ctx)
	assert.Empty(t, hs.deliveries())

	hs.mu.Lock()
	hs.fail = false
	hs.mu.Unlock()
	rl.DispatchAll(ctx)
	got := hs.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "task_deleted", got[0].Event)
}

func TestRelayStartStop(t *testing.T) {
	r, w := setup(t)
	hs := newHookServer(t)
	disabled := false
	assert.False(t, relay.New(r, []config.WebhookConfig{{URL: hs.URL, Enabled: &disabled}}, nil).Enabled())

	rl := relay.New(r, []config.WebhookConfig{{URL: hs.URL}}, nil).WithInterval(5 * time.Millisecond)
	rl.Start()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Append(context.Background(), "task_updated", "task", "1", json.RawMessage(`{}`)))
	require.Eventually(t, func() bool { return len(hs.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
	rl.Stop()
	rl.Stop()
}

func TestRelayWildcardAndDisabledHooks(t *testing.T) {
	r, w := setup(t)
	ctx := context.Background()
	all, off := newHookServer(t), newHookServer(t)
	disabled := false
	rl := relay.New(r, []config.WebhookConfig{
		{URL: all.URL, Events: []string{"*"}},
		{URL: off.URL, Enabled: &disabled},
		{URL: "  "},
	}, nil)
	rl.DispatchAll(ctx)

	require.NoError(t, w.Append(ctx, "task_updated", "task", "1", json.RawMessage(`{"id":1}`)))
	require.NoError(t, w.Append(ctx, "help_request_resolved", "help_request", "2", json.RawMessage(`{"id":2}`)))
	rl.DispatchAll(ctx)

	got := all.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, "task_updated", got[0].Event)
	assert.Equal(t, "help_request_resolved", got[1].Event)
	assert.Empty(t, got[0].Secret)
	assert.Empty(t, off.deliveries())
}
