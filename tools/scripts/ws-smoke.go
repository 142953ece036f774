// Package main provides a CI-friendly end-to-end smoke test for the dashboard
// notification channel.
//
// It validates:
//   - REST login for a sender and a recipient
//   - handshake with bearer auth and subprotocol selection
//   - hello/ack session establishment
//   - subscribe echo for the recipient's notification and stats topics
//   - topic ACL: subscribing to another user's topic is refused
//   - REST create -> realtime delivery of the notification and fresh stats
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/attia12/stage-mouna/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL   = flag.String("api", "http://127.0.0.1:8080/api/v1", "REST base URL")
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin    = flag.String("origin", "http://localhost:4200", "Origin header to send (browser-like WS handshake)")
		fromEmail = flag.String("from", "admin@dash.local", "sender email")
		fromPass  = flag.String("from-password", "Admin#2024", "sender password")
		toEmail   = flag.String("to", "operator@dash.local", "recipient email")
		toPass    = flag.String("to-password", "Operator#2024", "recipient password")
		text      = flag.String("text", "smoke: check line 3", "notification text")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	rest := &restClient{base: strings.TrimRight(*baseURL, "/"), hc: &http.Client{Timeout: *timeout}}

	senderToken := rest.mustLogin(root, *fromEmail, *fromPass)
	recipientToken := rest.mustLogin(root, *toEmail, *toPass)

	var who profile
	rest.mustDo(root, http.MethodGet, "/users/me", recipientToken, nil, http.StatusOK, &who)
	if who.ID == "" {
		fatalf("users/me returned no id for %s", *toEmail)
	}

	c := mustConnect(root, "R", *wsURL, *origin, recipientToken, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: session=%s user=%s origin=%q\n", c.sessionID, who.ID, *origin)
	}

	notifTopic := v1.NotificationsTopic(who.ID)
	statsTopic := v1.StatsTopic(who.ID)
	mustSubscribe(root, c, notifTopic, *timeout)
	mustSubscribe(root, c, statsTopic, *timeout)
	mustSubscribeDenied(root, c, v1.NotificationsTopic(who.ID+"-other"), *timeout)

	var created notification
	rest.mustDo(root, http.MethodPost, "/notifications", senderToken, map[string]any{
		"type":         "TASK",
		"priority":     "URGENT",
		"message":      *text,
		"recipientIds": []string{who.ID},
	}, http.StatusCreated, &created)

	var n notification
	mustReadTopic(root, c, notifTopic, *timeout, &n)
	if n.Message != *text || n.Status != "UNREAD" || n.Priority != "URGENT" {
		fatalf("delivered notification mismatch: %+v", n)
	}

	var st stats
	mustReadTopic(root, c, statsTopic, *timeout, &st)
	if st.UnreadCount < 1 || st.UrgentUnreadCount < 1 {
		fatalf("stats not updated: %+v", st)
	}

	fmt.Printf("OK: session=%s user=%s created=%s delivered=%s unread=%d\n",
		c.sessionID, who.ID, created.ID, n.ID, st.UnreadCount)
}

// ---- REST ----

type profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type notification struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

type stats struct {
	UnreadCount       int64 `json:"unreadCount"`
	UrgentUnreadCount int64 `json:"urgentUnreadCount"`
}

type restClient struct {
	base string
	hc   *http.Client
}

func (r *restClient) mustLogin(parent context.Context, email, pass string) string {
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	r.mustDo(parent, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": pass}, http.StatusOK, &pair)
	if pair.AccessToken == "" {
		fatalf("login %s: no access token", email)
	}
	return pair.AccessToken
}

func (r *restClient) mustDo(parent context.Context, method, path, token string, body any, wantStatus int, out any) {
	ctx, cancel := context.WithTimeout(parent, r.hc.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fatalf("marshal %s %s: %v", method, path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, accessToken string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(v1.TypeHello, name+"-hello", v1.HelloPayload{ClientID: "ws-smoke"}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeSubscribe, c.name+"-sub-"+topic, v1.SubscribePayload{Topic: topic}), stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeSubscribe, stepTimeout, nil)

	var p v1.SubscribePayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal subscribe echo payload (%s): %v", c.name, err)
	}
	if p.Topic != topic {
		fatalf("subscribe echo topic mismatch (%s): got=%q want=%q", c.name, p.Topic, topic)
	}
}

func mustSubscribeDenied(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(v1.TypeSubscribe, c.name+"-sub-denied", v1.SubscribePayload{Topic: topic}), stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for subscribe refusal (%s)", c.name)
		case err := <-c.errCh:
			fatalf("connection error while waiting for subscribe refusal (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for subscribe refusal (%s)", c.name)
			}
			switch env.Type {
			case v1.TypeError:
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				if ep.Code != "subscribe_failed" {
					fatalf("unexpected error code (%s): %q", c.name, ep.Code)
				}
				return
			case v1.TypeSubscribe:
				fatalf("subscribe to foreign topic %q was accepted (%s)", topic, c.name)
			}
		}
	}
}

// mustReadTopic waits for a message on topic and decodes its data into dst.
// Messages on other topics are skipped.
func mustReadTopic(parent context.Context, c *smokeClient, topic string, stepTimeout time.Duration, dst any) {
	deadline := time.Now().Add(stepTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			fatalf("timeout waiting for message on %q (%s)", topic, c.name)
		}
		env := c.mustReadUntilType(parent, v1.TypeMessage, left, nil)

		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal message payload (%s): %v", c.name, err)
		}
		if p.Topic != topic {
			continue
		}
		if err := json.Unmarshal(p.Data, dst); err != nil {
			fatalf("unmarshal %s data (%s): %v", topic, c.name, err)
		}
		return
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func envelope(typ, id string, payload any) v1.Envelope {
	env, err := v1.New(typ, id, time.Now().UTC(), payload)
	if err != nil {
		fatalf("build %s envelope: %v", typ, err)
	}
	return env
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
