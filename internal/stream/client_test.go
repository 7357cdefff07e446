package stream_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"classboard/internal/domain"
	"classboard/internal/stream"
)

type staticToken string

func (s staticToken) Token() (string, bool) { return string(s), s != "" }

type fakeServer struct {
	*httptest.Server
	dials   atomic.Int32
	handler func(conn *websocket.Conn)
}

func newFakeServer(t *testing.T, handler func(conn *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{handler: handler}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.handler(conn)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http") + "/ws/events"
}

// acceptToken reads the handshake and acknowledges it when the token matches.
func acceptToken(t *testing.T, conn *websocket.Conn, want string) bool {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}
	var msg map[string]string
	if err := json.Unmarshal(data, &msg); err != nil || msg["token"] != want {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), time.Now().Add(time.Second))
		return false
	}
	return conn.WriteJSON(map[string]string{"type": "connection_established", "message": "ok"}) == nil
}

func holdOpen(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "ping" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) add(e stream.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) of(typ string) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func fastOptions(url string, log *zap.Logger) stream.Options {
	return stream.Options{
		URL:              url,
		ReconnectBase:    5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		MaxAttempts:      3,
		HandshakeTimeout: time.Second,
		Logger:           log,
	}
}

func TestConnectAuthenticatesAndDispatches(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		if !acceptToken(t, conn, "tok") {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_updated","data":{"id":42,"stage":"design"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"grade_posted","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"help_request_created","data":{"id":7}}`))
		holdOpen(conn)
	})

	c := stream.New(staticToken("tok"), fastOptions(fs.wsURL(), zap.New(core)))
	t.Cleanup(c.Disconnect)
	rec := &recorder{}
	c.AddListener(stream.AllEvents, rec.add)

	c.Connect()
	require.Eventually(t, func() bool { return len(rec.of(stream.TypeHelpRequestCreated)) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, c.IsConnected())
	assert.Equal(t, domain.ConnAuthenticated, c.State())
	updated := rec.of(stream.TypeTaskUpdated)
	require.Len(t, updated, 1)
	assert.JSONEq(t, `{"id":42,"stage":"design"}`, string(updated[0].Data))
	unknown := rec.of(stream.TypeUnknown)
	require.Len(t, unknown, 1)
	assert.Equal(t, "grade_posted", unknown[0].RawType)
	assert.Equal(t, []string{
		stream.EventConnected,
		stream.EventAuthenticated,
		stream.TypeConnectionEstablished,
		stream.TypeTaskUpdated,
		stream.TypeUnknown,
		stream.TypeHelpRequestCreated,
	}, rec.types())
	assert.Equal(t, 2, logs.FilterMessage("dropping stream frame").Len())
}

func TestConnectIsNoOpWhileActive(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		if acceptToken(t, conn, "tok") {
			holdOpen(conn)
		}
	})
	c := stream.New(staticToken("tok"), fastOptions(fs.wsURL(), nil))
	t.Cleanup(c.Disconnect)

	for i := 0; i < 5; i++ {
		c.Connect()
	}
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	c.Connect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fs.dials.Load())
}

func TestConnectWithoutCredential(t *testing.T) {
	fs := newFakeServer(t, holdOpen)
	c := stream.New(staticToken(""), fastOptions(fs.wsURL(), nil))
	c.Connect()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.ConnDisconnected, c.State())
	assert.Equal(t, int32(0), fs.dials.Load())
}

func TestPolicyViolationIsTerminal(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		acceptToken(t, conn, "other")
		time.Sleep(20 * time.Millisecond)
	})
	c := stream.New(staticToken("tok"), fastOptions(fs.wsURL(), nil))
	t.Cleanup(c.Disconnect)
	rec := &recorder{}
	c.AddListener(stream.AllEvents, rec.add)

	c.Connect()
	require.Eventually(t, func() bool { return len(rec.of(stream.EventAuthFailed)) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), fs.dials.Load())
	assert.Equal(t, domain.ConnDisconnected, c.State())
	assert.Empty(t, rec.of(stream.EventConnectionFailed))
	assert.Equal(t, websocket.ClosePolicyViolation, rec.of(stream.EventAuthFailed)[0].Code)
}

func TestReconnectBacksOffThenFails(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c := stream.New(staticToken("tok"), fastOptions("ws"+strings.TrimPrefix(srv.URL, "http"), nil))
	t.Cleanup(c.Disconnect)
	rec := &recorder{}
	c.AddListener(stream.AllEvents, rec.add)

	c.Connect()
	require.Eventually(t, func() bool { return len(rec.of(stream.EventConnectionFailed)) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(4), dials.Load())
	var delays []time.Duration
	for _, e := range rec.of(stream.EventDisconnected) {
		if e.RetryIn > 0 {
			delays = append(delays, e.RetryIn)
		}
	}
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}, delays)
	assert.Equal(t, 3, rec.of(stream.EventConnectionFailed)[0].Attempt)
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	var first atomic.Bool
	first.Store(true)
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		if !acceptToken(t, conn, "tok") {
			return
		}
		if first.CompareAndSwap(true, false) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"), time.Now().Add(time.Second))
			return
		}
		holdOpen(conn)
	})
	c := stream.New(staticToken("tok"), fastOptions(fs.wsURL(), nil))
	t.Cleanup(c.Disconnect)
	rec := &recorder{}
	c.AddListener(stream.AllEvents, rec.add)

	c.Connect()
	require.Eventually(t, func() bool { return len(rec.of(stream.EventAuthenticated)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), fs.dials.Load())
	drops := rec.of(stream.EventDisconnected)
	require.Len(t, drops, 1)
	assert.Equal(t, websocket.CloseGoingAway, drops[0].Code)
	assert.Equal(t, 1, drops[0].Attempt)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	opts := fastOptions("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	opts.ReconnectBase = 200 * time.Millisecond
	opts.ReconnectMax = time.Second
	c := stream.New(staticToken("tok"), opts)

	c.Connect()
	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.Disconnect()
	c.Disconnect()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, domain.ConnDisconnected, c.State())
}

func TestPingGetsPong(t *testing.T) {
	pings := make(chan struct{}, 4)
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		if !acceptToken(t, conn, "tok") {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == "ping" {
				pings <- struct{}{}
				_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			}
		}
	})
	core, logs := observer.New(zap.DebugLevel)
	c := stream.New(staticToken("tok"), fastOptions(fs.wsURL(), zap.New(core)))
	t.Cleanup(c.Disconnect)

	c.Ping()
	c.Connect()
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	c.Ping()
	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw ping")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, logs.FilterMessage("dropping stream frame").Len())
}

func TestListenersAreIsolated(t *testing.T) {
	fs := newFakeServer(t, func(conn *websocket.Conn) {
		if !acceptToken(t, conn, "tok") {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_updated","data":{"id":1}}`))
		holdOpen(conn)
	})
	c := stream.New(staticToken("tok"), fastOptions(fs.wsURL(), nil))
	t.Cleanup(c.Disconnect)

	var removedCalls, keptCalls atomic.Int32
	c.AddListener(stream.TypeTaskUpdated, func(stream.Event) { panic("bad listener") })
	removed := c.AddListener(stream.TypeTaskUpdated, func(stream.Event) { removedCalls.Add(1) })
	c.AddListener(stream.TypeTaskUpdated, func(stream.Event) { keptCalls.Add(1) })
	c.RemoveListener(stream.TypeTaskUpdated, removed)
	c.RemoveListener(stream.TypeTaskUpdated, removed)
	c.RemoveListener("nothing", 99)

	c.Connect()
	require.Eventually(t, func() bool { return keptCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, removedCalls.Load())
	assert.True(t, c.IsConnected())
}

func TestBackOffSchedule(t *testing.T) {
	bo := stream.NewBackOff(time.Second, 30*time.Second, 7)
	var got []time.Duration
	for {
		d := bo.NextBackOff()
		if d < 0 {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	bo.Reset()
	assert.Equal(t, time.Second, bo.NextBackOff())
}

func TestDecode(t *testing.T) {
	evt, err := stream.Decode([]byte(`{"type":"initial_tasks","count":1,"data":[{"id":3}]}`))
	require.NoError(t, err)
	assert.Equal(t, stream.TypeInitialTasks, evt.Type)
	assert.JSONEq(t, `[{"id":3}]`, string(evt.Data))

	_, err = stream.Decode([]byte(`{"error":"Invalid token"}`))
	assert.ErrorIs(t, err, stream.ErrDecode)
	_, err = stream.Decode([]byte(`{"type":""}`))
	assert.ErrorIs(t, err, stream.ErrDecode)
	_, err = stream.Decode([]byte(`[1,2]`))
	assert.ErrorIs(t, err, stream.ErrDecode)
}
