// Package realtime is the client side of the dashboard's real-time channel:
// one websocket per session, authenticated at connect time, carrying
// per-user topic subscriptions.
//
// The channel never reconnects on its own. A dropped connection moves it to
// Disconnected, drops every subscription and reports the transition through
// OnStateChange; reconnecting is the caller's decision.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/security/token"
)

// ConnectionState is the channel's connection state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Message is one inbound topic message.
type Message struct {
	ID    string
	Topic string
	TS    time.Time
	Data  json.RawMessage
}

// Handler receives topic messages on the channel's read goroutine, in
// wire-arrival order. It must not block for long.
type Handler func(Message)

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records state transitions and message counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) { c.hc = hc }
}

// WithHeartbeat overrides the ping interval and per-ping timeout.
func WithHeartbeat(every, timeout time.Duration) Option {
	return func(c *Channel) {
		if every > 0 {
			c.hbEvery = every
		}
		if timeout > 0 {
			c.hbTimeout = timeout
		}
	}
}

// WithDialTimeout bounds the dial plus the hello handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithClientID sets the id announced in hello. Defaults to a random UUID.
func WithClientID(id string) Option {
	return func(c *Channel) {
		if strings.TrimSpace(id) != "" {
			c.clientID = id
		}
	}
}

// Channel is a websocket client with topic subscriptions.
type Channel struct {
	url      string
	hc       *http.Client
	log      *slog.Logger
	metrics  *metrics.Metrics
	clientID string

	dialTimeout time.Duration
	hbEvery     time.Duration
	hbTimeout   time.Duration

	mu      sync.Mutex
	state   ConnectionState
	gen     uint64 // bumped by every connect attempt and teardown
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending *attempt
	session string
	subs    map[string]*entry

	hooks    []func(ConnectionState)
	events   []ConnectionState
	emitting bool
}

type entry struct {
	sub   *Subscription
	wired bool
}

type attempt struct {
	done chan struct{}
	err  error
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ch      *Channel
	topic   string
	handler Handler
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// New returns a Disconnected channel for the websocket endpoint at url
// (ws, wss, http or https).
func New(url string, opts ...Option) *Channel {
	c := &Channel{
		url:         url,
		log:         slog.Default(),
		clientID:    uuid.NewString(),
		dialTimeout: defaultDialTimeout,
		hbEvery:     heartbeatInterval,
		hbTimeout:   heartbeatTimeout,
		subs:        make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is Connected.
func (c *Channel) IsConnected() bool { return c.State() == Connected }

// SessionID returns the server-assigned id of the current connection.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// OnStateChange registers fn for every subsequent transition. Transitions are
// delivered in the order they happened.
func (c *Channel) OnStateChange(fn func(ConnectionState)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// Connect opens the channel authenticated with accessToken.
//
// It is a no-op when Connected. While Connecting, callers wait for the
// in-flight attempt instead of starting another. Once started, an attempt
// runs to completion even if ctx ends; ctx only bounds how long this caller
// waits. A Disconnect during the attempt discards its result.
func (c *Channel) Connect(ctx context.Context, accessToken string) error {
	c.mu.Lock()
	switch c.state {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		a := c.pending
		c.mu.Unlock()
		return c.await(ctx, a)
	}

	if strings.TrimSpace(accessToken) == "" {
		c.mu.Unlock()
		return &ChannelError{Op: "connect", Kind: ErrHandshakeFailed, Err: errors.New("missing access token")}
	}

	c.gen++
	gen := c.gen
	a := &attempt{done: make(chan struct{})}
	c.pending = a
	c.setStateLocked(Connecting)
	c.mu.Unlock()
	c.emit()

	c.log.Info("channel.connect.start", "url", c.url, "token", token.Fingerprint(accessToken))
	go c.run(gen, accessToken, a)

	return c.await(ctx, a)
}

func (c *Channel) await(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run(gen uint64, accessToken string, a *attempt) {
	conn, ack, err := c.dial(accessToken)
	if err != nil {
		c.log.Info("channel.connect.fail", "err", err)
		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.pending = nil
			c.subs = make(map[string]*entry)
			c.setStateLocked(Disconnected)
		}
		c.mu.Unlock()
		c.emit()
		a.finish(&ChannelError{Op: "connect", Kind: ErrHandshakeFailed, Err: err})
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		c.log.Info("channel.connect.discarded", "session_id", ack.SessionID)
		a.finish(&ChannelError{Op: "connect", Kind: ErrNotConnected, Err: errors.New("disconnected while connecting")})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	c.pending = nil
	c.session = ack.SessionID

	// Flush subscriptions queued while Connecting.
	var queued []string
	for topic, e := range c.subs {
		if !e.wired {
			e.wired = true
			queued = append(queued, topic)
		}
	}
	c.setStateLocked(Connected)
	c.mu.Unlock()

	c.log.Info("channel.connect.ok", "session_id", ack.SessionID, "user_id", ack.UserID, "queued", len(queued))

	go c.readLoop(ctx, conn, gen)
	go c.heartbeat(ctx, conn, gen)

	for _, topic := range queued {
		if err := c.send(ctx, conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic}); err != nil {
			c.drop(gen, "subscribe write failed", err)
			break
		}
	}

	c.emit()
	a.finish(nil)
}

// dial performs the upgrade and the hello/hello_ack exchange.
func (c *Channel) dial(accessToken string) (*websocket.Conn, v1.HelloAckPayload, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)

	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient:   c.hc,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil {
			return nil, v1.HelloAckPayload{}, fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, v1.HelloAckPayload{}, fmt.Errorf("dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, v1.HelloAckPayload{}, fmt.Errorf("server selected subprotocol %q", sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	hello, err := NewEnvelope(v1.TypeHello, v1.HelloPayload{ClientID: c.clientID}, time.Time{})
	if err == nil {
		err = WriteEnvelope(ctx, conn, hello, writeTimeout)
	}
	if err != nil {
		conn.CloseNow()
		return nil, v1.HelloAckPayload{}, fmt.Errorf("hello: %w", err)
	}

	for {
		env, err := ReadEnvelope(ctx, conn)
		if err != nil {
			conn.CloseNow()
			return nil, v1.HelloAckPayload{}, fmt.Errorf("await hello_ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				conn.CloseNow()
				return nil, v1.HelloAckPayload{}, fmt.Errorf("hello_ack payload: %w", err)
			}
			return conn, ack, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
			return nil, v1.HelloAckPayload{}, fmt.Errorf("server error %s: %s", p.Code, p.Message)
		default:
			c.log.Debug("channel.handshake.skip", "type", env.Type)
		}
	}
}

// Subscribe registers handler for topic.
//
// Connected: the wire subscription is sent immediately. Connecting: the
// subscription is queued and sent once the handshake completes.
// Disconnected: *ChannelError with ErrNotConnected, nothing is registered.
// Subscribing again to the same topic replaces the handler.
func (c *Channel) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if _, _, ok := v1.SplitTopic(topic); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if handler == nil {
		return nil, errors.New("realtime: nil handler")
	}

	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil, &ChannelError{Op: "subscribe", Kind: ErrNotConnected}
	}

	sub := &Subscription{ch: c, topic: topic, handler: handler}
	e, ok := c.subs[topic]
	if !ok {
		e = &entry{}
		c.subs[topic] = e
	}
	e.sub = sub

	wire := c.state == Connected && !e.wired
	if wire {
		e.wired = true
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	if !wire {
		return sub, nil
	}
	if err := c.send(context.Background(), conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: topic}); err != nil {
		c.drop(gen, "subscribe write failed", err)
		return nil, &ChannelError{Op: "subscribe", Kind: ErrNotConnected, Err: err}
	}
	c.log.Debug("channel.subscribe", "topic", topic)
	return sub, nil
}

// Unsubscribe removes the subscription. It is a no-op when the handler was
// already replaced or the channel has dropped it.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.ch == nil {
		return
	}
	c := s.ch

	c.mu.Lock()
	e, ok := c.subs[s.topic]
	if !ok || e.sub != s {
		c.mu.Unlock()
		return
	}
	delete(c.subs, s.topic)
	wire := e.wired && c.state == Connected
	conn := c.conn
	c.mu.Unlock()

	if !wire {
		return
	}
	if err := c.send(context.Background(), conn, v1.TypeUnsubscribe, v1.SubscribePayload{Topic: s.topic}); err != nil {
		c.log.Info("channel.unsubscribe.fail", "topic", s.topic, "err", err)
	}
}

// Disconnect closes the connection and drops all subscriptions. It is
// idempotent. An in-flight Connect is discarded when it resolves.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.state == Disconnected && c.pending == nil {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel, c.pending, c.session = nil, nil, nil, ""
	c.subs = make(map[string]*entry)
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			c.log.Debug("channel.close", "err", err)
		}
	}
	c.log.Info("channel.disconnect")
	c.emit()
	return nil
}

// Close is Disconnect.
func (c *Channel) Close() error { return c.Disconnect() }

// drop tears down the connection of generation gen after a transport failure.
func (c *Channel) drop(gen uint64, reason string, err error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel, c.session = nil, nil, ""
	c.subs = make(map[string]*entry)
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	cancel()
	conn.CloseNow()
	c.log.Info("channel.drop", "reason", reason, "close_status", websocket.CloseStatus(err), "err", err)
	c.emit()
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		env, err := ReadEnvelope(ctx, conn)
		if err != nil {
			switch ClassifyReadErr(err) {
			case ReadErrBadJSON:
				c.log.Info("channel.read.bad_json", "err", err)
				continue
			case ReadErrCtxDone:
				return
			default:
				c.drop(gen, "read failed", err)
				return
			}
		}
		if err := env.Validate(); err != nil {
			c.log.Info("channel.read.bad_envelope", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeMessage:
			c.deliver(gen, env)
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.log.Warn("channel.server_error", "code", p.Code, "message", p.Message)
		default:
			c.log.Debug("channel.read.skip", "type", env.Type)
		}
	}
}

func (c *Channel) deliver(gen uint64, env v1.Envelope) {
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.log.Info("channel.message.bad_payload", "id", env.ID, "err", err)
		return
	}

	c.mu.Lock()
	var h Handler
	if e, ok := c.subs[p.Topic]; ok && c.gen == gen {
		h = e.sub.handler
	}
	c.mu.Unlock()

	kind, _, _ := v1.SplitTopic(p.Topic)
	if h == nil {
		c.log.Debug("channel.message.unrouted", "topic", p.Topic)
		return
	}
	c.metrics.ChannelMessage(kind)
	h(Message{ID: env.ID, Topic: p.Topic, TS: env.TS, Data: p.Data})
}

func (c *Channel) heartbeat(ctx context.Context, conn *websocket.Conn, gen uint64) {
	t := time.NewTicker(c.hbEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.hbTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				c.log.Info("channel.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					c.drop(gen, "heartbeat failed", err)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Channel) send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	if conn == nil {
		return ErrNotConnected
	}
	env, err := NewEnvelope(typ, payload, time.Time{})
	if err != nil {
		return err
	}
	return WriteEnvelope(ctx, conn, env, writeTimeout)
}

func (c *Channel) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	c.events = append(c.events, s)
	c.metrics.ChannelState(int(s))
}

// emit delivers queued transitions to the hooks outside c.mu. A hook that
// triggers another transition has it delivered after the current batch.
func (c *Channel) emit() {
	c.mu.Lock()
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for len(c.events) > 0 {
		events := c.events
		c.events = nil
		hooks := slices.Clone(c.hooks)
		c.mu.Unlock()

		for _, s := range events {
			for _, fn := range hooks {
				fn(s)
			}
		}

		c.mu.Lock()
	}
	c.emitting = false
	c.mu.Unlock()
}
