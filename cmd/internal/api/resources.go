package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/notify"
)

// Client calls the authorized resource endpoints.
type Client struct {
	core
}

var _ notify.Backend = (*Client)(nil)

// NewClient returns a client rooted at baseURL. hc should carry the request authorizer.
func NewClient(baseURL string, hc *http.Client) *Client {
	return &Client{core: newCore(baseURL, hc)}
}

// Me fetches the signed-in user's profile.
func (c *Client) Me(ctx context.Context) (session.Profile, error) {
	var p session.Profile
	err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &p)
	return p, err
}

// Users lists every user (recipients for new notifications).
func (c *Client) Users(ctx context.Context) ([]session.Profile, error) {
	var out []session.Profile
	err := c.do(ctx, http.MethodGet, "/users", nil, nil, &out)
	return out, err
}

// CreateNotification posts a notification to its recipients.
func (c *Client) CreateNotification(ctx context.Context, in notify.CreateRequest) (notify.Notification, error) {
	var n notify.Notification
	err := c.do(ctx, http.MethodPost, "/notifications", nil, in, &n)
	return n, err
}

// ListNotifications returns one page of the caller's notifications.
func (c *Client) ListNotifications(ctx context.Context, f notify.Filter) (notify.Page, error) {
	var p notify.Page
	err := c.do(ctx, http.MethodGet, "/notifications", f.Query(), nil, &p)
	return p, err
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id string) (notify.Notification, error) {
	var n notify.Notification
	err := c.do(ctx, http.MethodPut, "/notifications/"+url.PathEscape(id)+"/read", nil, struct{}{}, &n)
	return n, err
}

// MarkAllRead marks every notification of the caller read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/notifications/mark-all-read", nil, struct{}{}, nil)
}

// Stats fetches the caller's counters.
func (c *Client) Stats(ctx context.Context) (notify.Stats, error) {
	var s notify.Stats
	err := c.do(ctx, http.MethodGet, "/notifications/stats", nil, nil, &s)
	return s, err
}
