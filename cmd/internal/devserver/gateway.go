package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"

	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/internal/realtime"
)

// GatewayConfig tunes the websocket gateway. Zero values take the defaults in limits.go.
type GatewayConfig struct {
	AllowedOrigins []string
	// OriginRequired rejects upgrades without an Origin header. Non-browser
	// clients do not send one, so it is off by default.
	OriginRequired bool

	SendQueueSize    int
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	RateEvents       int
	RateWindow       time.Duration
}

// Gateway is the /ws entrypoint. It authenticates the bearer token at the
// upgrade, enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes subscribe/unsubscribe requests to the Hub.
type Gateway struct {
	log     *slog.Logger
	hub     *Hub
	verify  func(string) (*accessClaims, error)
	metrics *metrics.Metrics

	cfg            GatewayConfig
	originPatterns []string
}

// newGateway constructs a gateway over hub. verify authenticates access tokens.
func newGateway(log *slog.Logger, hub *Hub, verify func(string) (*accessClaims, error), m *metrics.Metrics, cfg GatewayConfig) *Gateway {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = wsDefaultSendQueueSize
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	return &Gateway{
		log:            log,
		hub:            hub,
		verify:         verify,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP upgrades the request and runs the session loop.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		writeError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	raw, ok := bearerToken(r)
	if !ok {
		g.log.Info("ws.reject.auth", "reason", "missing bearer", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	claims, err := g.verify(raw)
	if err != nil {
		g.log.Info("ws.reject.auth", "reason", "invalid token", "err", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := newSessionID()
	client := NewClient(claims.UserID, sessionID, g.cfg.SendQueueSize)

	g.metrics.WSConnections(1)
	defer g.metrics.WSConnections(-1)
	g.log.Info("ws.session.start", "session_id", sessionID, "user_id", claims.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		greeted   bool
	)

	// shutdown leaves every topic before closing the client, so publishers
	// never hold a member that is being torn down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(sessionID, client.releaseTopics())
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.session.end", "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := realtime.WriteEnvelope(ctx, conn, env, wsWriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(ctx, conn, client, shutdown)
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, wsReadIdleTimeout)
		env, err := realtime.ReadEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch realtime.ClassifyReadErr(err) {
			case realtime.ReadErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case realtime.ReadErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case realtime.ReadErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case realtime.ReadErrBadJSON:
				g.trySendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if ok, wait := rl.Allow(time.Now().UTC()); !ok {
			g.trySendError(client, "rate_limited", fmt.Sprintf("too many events, retry in %s", wait.Round(time.Millisecond)))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(client, env); err != nil {
				g.trySendError(client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			greeted = true

		case v1.TypeSubscribe, v1.TypeUnsubscribe:
			if !greeted {
				g.trySendError(client, "hello_required", "send hello first")
				continue readLoop
			}
			topic, err := g.authorizeTopic(client, env)
			if err != nil {
				g.trySendError(client, "subscribe_failed", err.Error())
				continue readLoop
			}
			if env.Type == v1.TypeSubscribe {
				if !client.track(topic, func() { g.hub.Subscribe(topic, client) }) {
					continue readLoop
				}
			} else {
				g.hub.Unsubscribe(topic, sessionID)
				client.untrack(topic)
			}

			if env.Type == v1.TypeSubscribe {
				echo, err := realtime.NewEnvelope(v1.TypeSubscribe, v1.SubscribePayload{Topic: topic}, time.Time{})
				if err == nil && !client.offer(echo) {
					g.log.Info("ws.subscribe.echo.drop", "session_id", sessionID, "topic", topic)
				}
			}

		default:
			g.trySendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, client *Client, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- handlers ----

func (g *Gateway) onHello(client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}
	ack, err := realtime.NewEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	}, time.Time{})
	if err != nil {
		return err
	}
	if !client.offer(ack) {
		return errors.New("backpressure: hello_ack")
	}
	g.log.Debug("ws.hello", "session_id", client.SessionID, "client_id", p.ClientID)
	return nil
}

// authorizeTopic decodes the topic and checks that it belongs to the caller.
func (g *Gateway) authorizeTopic(client *Client, env v1.Envelope) (string, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	kind, owner, _ := v1.SplitTopic(p.Topic)
	if kind != v1.TopicNotifications && kind != v1.TopicNotificationStats {
		return "", fmt.Errorf("unknown topic kind %q", kind)
	}
	if owner != client.UserID {
		return "", errors.New("topic belongs to another user")
	}
	return p.Topic, nil
}

func (g *Gateway) trySendError(client *Client, code, msg string) {
	env, err := realtime.NewEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Time{})
	if err != nil {
		return
	}
	_ = client.offer(env)
}

func newSessionID() string {
	id, err := newOpaqueToken(10)
	if err != nil {
		return fmt.Sprintf("s-%d", time.Now().UnixNano())
	}
	return id
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*", origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into the host patterns
// websocket.Accept checks cross-origin requests against, with and without a port.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
