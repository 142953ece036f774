// Package authorizer is the outbound half of the session: an http.RoundTripper
// that attaches the stored bearer token and, on a 401, drives one shared
// refresh and retries the request once.
package authorizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/ids"
	"github.com/attia12/stage-mouna/cmd/internal/metrics"
	"github.com/attia12/stage-mouna/cmd/security/token"
)

// HeaderRequestID correlates client and server logs.
const HeaderRequestID = "X-Request-ID"

// TokenSource reads the current access token. It is consulted on every request.
type TokenSource interface {
	LoadAccess(ctx context.Context) (string, bool)
}

// Refresher obtains a new access token. Concurrent calls must be coalesced by
// the implementation (the coordinator does this).
type Refresher interface {
	Refresh(ctx context.Context) (session.TokenPair, error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics records retry outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// Transport implements http.RoundTripper.
type Transport struct {
	base      http.RoundTripper
	tokens    TokenSource
	refresher Refresher
	log       *slog.Logger
	metrics   *metrics.Metrics
}

var _ http.RoundTripper = (*Transport)(nil)

// New wraps base (http.DefaultTransport when nil).
func New(base http.RoundTripper, tokens TokenSource, refresher Refresher, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:      base,
		tokens:    tokens,
		refresher: refresher,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Client returns an *http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	first := req.Clone(ctx)
	if first.Header.Get(HeaderRequestID) == "" {
		first.Header.Set(HeaderRequestID, ids.NewRequestID())
	}
	reqID := first.Header.Get(HeaderRequestID)

	// Caller-supplied credentials are not ours to manage.
	if first.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(first)
	}

	sent, hadToken := t.tokens.LoadAccess(ctx)
	if hadToken {
		first.Header.Set("Authorization", "Bearer "+sent)
	}

	resp, err := t.base.RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !hadToken {
		return resp, err
	}

	retry, ok := replayable(req)
	if !ok {
		t.log.Debug("authorizer.retry.skip_body", "request_id", reqID, "url", req.URL.Redacted())
		return resp, nil
	}
	retry.Header.Set(HeaderRequestID, reqID)

	next, err := t.nextToken(ctx, sent, reqID)
	if err != nil {
		if session.IsAuthKind(err, session.ErrAuthInProgress) {
			return resp, nil
		}
		discard(resp)
		t.metrics.Retry("refresh_failed")
		if session.IsAuthKind(err, session.ErrSessionExpired) || session.IsAuthKind(err, session.ErrNoRefreshToken) {
			return nil, err
		}
		return nil, session.NewAuthError("refresh", session.ErrSessionExpired, err)
	}
	discard(resp)

	retry.Header.Set("Authorization", "Bearer "+next)
	resp, err = t.base.RoundTrip(retry)
	switch {
	case err != nil:
		t.metrics.Retry("error")
	case resp.StatusCode == http.StatusUnauthorized:
		// One retry only; the second 401 goes back to the caller as-is.
		t.metrics.Retry("unauthorized")
		t.log.Info("authorizer.retry.unauthorized", "request_id", reqID)
	default:
		t.metrics.Retry("ok")
	}
	return resp, err
}

// nextToken returns the token to retry with. When another request already
// refreshed since ours was sent, the stored token is reused as-is.
func (t *Transport) nextToken(ctx context.Context, sent, reqID string) (string, error) {
	if cur, ok := t.tokens.LoadAccess(ctx); ok && cur != sent {
		t.log.Debug("authorizer.refresh.already_done", "request_id", reqID, "token", token.Fingerprint(cur))
		return cur, nil
	}
	pair, err := t.refresher.Refresh(ctx)
	if err != nil {
		t.log.Info("authorizer.refresh.fail", "request_id", reqID, "err", err)
		return "", err
	}
	if pair.AccessToken == "" {
		return "", errors.New("authorizer: refresh returned no access token")
	}
	return pair.AccessToken, nil
}

// replayable clones req with a fresh body. Requests whose body cannot be
// re-read are not retried.
func replayable(req *http.Request) (*http.Request, bool) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	r.Body = body
	return r, true
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
