// Package api is the REST client of the dashboard backend.
//
// AuthClient talks to the credential endpoints over a plain transport.
// Client talks to everything else and is meant to sit on top of the request
// authorizer, which attaches and refreshes the bearer token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20
)

// ErrMalformedResponse marks a 2xx answer whose body could not be used.
var ErrMalformedResponse = errors.New("malformed response")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	code := strings.TrimSpace(e.Code)
	switch {
	case code != "" && msg != "":
		return fmt.Sprintf("http %d: %s: %s", e.Status, code, msg)
	case msg != "":
		return fmt.Sprintf("http %d: %s", e.Status, msg)
	case code != "":
		return fmt.Sprintf("http %d: %s", e.Status, code)
	default:
		return fmt.Sprintf("http %d", e.Status)
	}
}

// Temporary reports whether retrying later could succeed.
func (e *StatusError) Temporary() bool {
	if e == nil {
		return false
	}
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout || e.Status >= 500
}

// errorBody accepts both {"error":{"code","message"}} and {"message","error"} shapes.
type errorBody struct {
	Err     json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

func decodeStatusError(status int, payload []byte) *StatusError {
	se := &StatusError{Status: status}
	var eb errorBody
	if err := json.Unmarshal(payload, &eb); err == nil {
		se.Code, se.Message = eb.Code, eb.Message
		if len(eb.Err) > 0 {
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(eb.Err, &nested) == nil {
				if nested.Code != "" {
					se.Code = nested.Code
				}
				if nested.Message != "" {
					se.Message = nested.Message
				}
			} else {
				var s string
				if json.Unmarshal(eb.Err, &s) == nil && se.Code == "" {
					se.Code = s
				}
			}
		}
		return se
	}
	se.Message = strings.TrimSpace(string(payload))
	return se
}

// core is the shared request plumbing of AuthClient and Client.
type core struct {
	baseURL string
	hc      *http.Client
	timeout time.Duration
}

func newCore(baseURL string, hc *http.Client) core {
	if hc == nil {
		hc = &http.Client{}
	}
	return core{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
		timeout: defaultTimeout,
	}
}

type reqOpt func(*http.Request)

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

// do sends one JSON request and decodes a 2xx body into out (when non-nil).
func (c core) do(ctx context.Context, method, path string, query url.Values, body, out any, opts ...reqOpt) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	if c.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = b
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w: %w", method, path, ErrMalformedResponse, err)
	}
	return nil
}
