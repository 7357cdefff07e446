// Package stream maintains the authenticated event stream connection.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classboard/internal/domain"
)

// TokenSource supplies the bearer credential for the handshake.
type TokenSource interface {
	Token() (string, bool)
}

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Listener func(Event)

// ListenerID identifies one registration; pass it back to RemoveListener.
type ListenerID uint64

type Options struct {
	URL              string
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	MaxAttempts      int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Dialer           Dialer
	Logger           *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax < o.ReconnectBase {
		o.ReconnectMax = 30 * time.Second
		if o.ReconnectMax < o.ReconnectBase {
			o.ReconnectMax = o.ReconnectBase
		}
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: o.HandshakeTimeout}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// NewBackOff returns the reconnect schedule: base, doubling, capped at max,
// stopping after maxAttempts delays.
func NewBackOff(base, max time.Duration, maxAttempts int) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(maxAttempts))
}

// Client is the process-wide event stream connection.
type Client struct {
	opts   Options
	tokens TokenSource
	log    *zap.Logger

	mu        sync.Mutex
	state     domain.ConnState
	conn      *websocket.Conn
	gen       uint64
	cancel    context.CancelFunc
	timer     *time.Timer
	bo        backoff.BackOff
	attempts  int
	listeners map[string]map[ListenerID]Listener
	nextID    ListenerID

	writeMu sync.Mutex
}

func New(tokens TokenSource, opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:      opts,
		tokens:    tokens,
		log:       opts.Logger.Named("stream"),
		state:     domain.ConnDisconnected,
		bo:        NewBackOff(opts.ReconnectBase, opts.ReconnectMax, opts.MaxAttempts),
		listeners: map[string]map[ListenerID]Listener{},
	}
}

func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected is true only once the server acknowledged the handshake.
func (c *Client) IsConnected() bool {
	return c.State() == domain.ConnAuthenticated
}

// Connect starts a connection unless one is already underway.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.state != domain.ConnDisconnected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.bo.Reset()
	c.attempts = 0
	ok := c.startLocked()
	c.mu.Unlock()
	if !ok {
		c.log.Warn("no session credential; stream not started")
	}
}

// startLocked moves to connecting and dials in the background.
func (c *Client) startLocked() bool {
	token, ok := c.tokens.Token()
	if !ok {
		return false
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = domain.ConnConnecting
	go c.run(ctx, gen, token)
	return true
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Disconnect closes with a normal closure and cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopTimerLocked()
	c.gen++
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = domain.ConnDisconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.bo.Reset()
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if prev != domain.ConnDisconnected {
		c.log.Info("stream disconnected by client")
		c.emit(Event{Type: EventDisconnected, Code: websocket.CloseNormalClosure, Manual: true})
	}
}

// Ping sends the liveness probe while a connection is open.
func (c *Client) Ping() {
	c.mu.Lock()
	conn := c.conn
	open := c.state == domain.ConnOpen || c.state == domain.ConnAuthenticated
	c.mu.Unlock()
	if !open || conn == nil {
		return
	}
	if err := c.write(conn, []byte("ping")); err != nil {
		c.log.Debug("ping failed", zap.Error(err))
	}
}

// AddListener registers fn for events of the given channel.
func (c *Client) AddListener(name string, fn Listener) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.listeners[name] == nil {
		c.listeners[name] = map[ListenerID]Listener{}
	}
	c.listeners[name][id] = fn
	return id
}

// RemoveListener drops one registration. Unknown ids are ignored.
func (c *Client) RemoveListener(name string, id ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.listeners[name]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(c.listeners, name)
	}
}

func (c *Client) emit(evt Event) {
	c.mu.Lock()
	var fns []Listener
	for _, fn := range c.listeners[evt.Type] {
		fns = append(fns, fn)
	}
	for _, fn := range c.listeners[AllEvents] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		c.call(fn, evt)
	}
}

func (c *Client) call(fn Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("stream listener panicked", zap.String("event", evt.Type), zap.Any("panic", r))
		}
	}()
	fn(evt)
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) run(ctx context.Context, gen uint64, token string) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	conn, resp, err := c.opts.Dialer.DialContext(dctx, c.opts.URL, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		code := 0
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = websocket.ClosePolicyViolation
		}
		c.log.Warn("stream dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		c.closed(gen, code, err.Error())
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = domain.ConnOpen
	c.mu.Unlock()
	c.log.Debug("stream open", zap.String("url", c.opts.URL))
	c.emit(Event{Type: EventConnected})

	if err := c.write(conn, handshake(token)); err != nil {
		c.log.Warn("stream handshake write failed", zap.Error(err))
		_ = conn.Close()
		c.closed(gen, 0, err.Error())
		return
	}
	if c.opts.PingInterval > 0 {
		go c.keepAlive(ctx, gen)
	}
	c.readLoop(conn, gen)
}

func (c *Client) keepAlive(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.current(gen) {
				return
			}
			c.Ping()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		if c.opts.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2*c.opts.PingInterval + c.opts.HandshakeTimeout))
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			code, reason := 0, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			_ = conn.Close()
			c.closed(gen, code, reason)
			return
		}
		if !c.current(gen) {
			_ = conn.Close()
			return
		}
		c.handleFrame(gen, frame)
	}
}

func (c *Client) handleFrame(gen uint64, frame []byte) {
	if isPong(frame) {
		return
	}
	evt, err := Decode(frame)
	if err != nil {
		c.log.Warn("dropping stream frame", zap.Error(err), zap.ByteString("frame", truncate(frame, 256)))
		return
	}
	switch evt.Type {
	case TypeConnectionEstablished:
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.state = domain.ConnAuthenticated
		c.bo.Reset()
		c.attempts = 0
		c.mu.Unlock()
		c.log.Info("stream authenticated")
		c.emit(Event{Type: EventAuthenticated})
	case TypeError:
		c.log.Warn("server reported stream error", zap.ByteString("data", evt.Data))
	case TypeUnknown:
		c.log.Debug("unknown stream event", zap.String("type", evt.RawType))
	}
	c.emit(evt)
}

// closed handles the end of connection gen: a policy-violation close is a
// terminal auth failure, anything else schedules a reconnect while attempts
// remain.
func (c *Client) closed(gen uint64, code int, reason string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = domain.ConnDisconnected
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if code == websocket.ClosePolicyViolation {
		c.mu.Unlock()
		c.log.Warn("stream authentication rejected", zap.String("reason", reason))
		c.emit(Event{Type: EventDisconnected, Code: code, Reason: reason})
		c.emit(Event{Type: EventAuthFailed, Code: code, Reason: reason})
		return
	}
	delay := c.bo.NextBackOff()
	if delay == backoff.Stop {
		attempts := c.attempts
		c.mu.Unlock()
		c.log.Error("stream reconnect attempts exhausted", zap.Int("attempts", attempts))
		c.emit(Event{Type: EventDisconnected, Code: code, Reason: reason})
		c.emit(Event{Type: EventConnectionFailed, Code: code, Reason: reason, Attempt: attempts})
		return
	}
	c.attempts++
	attempt := c.attempts
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()
	c.log.Info("stream closed; reconnecting",
		zap.Int("code", code), zap.String("reason", reason),
		zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
	c.emit(Event{Type: EventDisconnected, Code: code, Reason: reason, Attempt: attempt, RetryIn: delay})
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != domain.ConnDisconnected {
		return
	}
	c.timer = nil
	if !c.startLocked() {
		c.log.Warn("no session credential; reconnect abandoned")
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
