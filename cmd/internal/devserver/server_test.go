package devserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/attia12/stage-mouna/cmd/internal/api"
	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/internal/notify"
	"github.com/attia12/stage-mouna/cmd/security/password"
)

const (
	adminEmail    = "admin@dash.local"
	adminPassword = "Admin#2024"
	opEmail       = "operator@dash.local"
	opPassword    = "Operator#2024"
)

func cheapPasswords() password.Config {
	c := password.DefaultConfig()
	c.Params.MemoryKiB = 64
	c.Params.Iterations = 1
	return c
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SigningKey = []byte("test-signing-key-test-signing-key")
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPasswordConfig(cheapPasswords()),
	}
	s, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

// bearerTransport attaches a fixed access token.
type bearerTransport struct{ token string }

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(r)
}

func apiBase(srv *httptest.Server) string { return srv.URL + "/api/v1" }

func login(t *testing.T, srv *httptest.Server, email, pw string) session.TokenPair {
	t.Helper()
	pair, err := api.NewAuthClient(apiBase(srv), srv.Client()).Login(context.Background(), api.Credentials{Email: email, Password: pw})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return pair
}

func clientFor(srv *httptest.Server, access string) *api.Client {
	return api.NewClient(apiBase(srv), &http.Client{Transport: bearerTransport{token: access}})
}

func statusOf(err error) int {
	var se *api.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func TestLogin_IssuesDecodableAccessToken(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	pair := login(t, srv, adminEmail, adminPassword)
	if pair.RefreshToken == "" {
		t.Fatalf("expected a refresh token")
	}
	s, err := session.Decode(pair.AccessToken)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.UserID != "1" || s.Email != adminEmail || !s.HasRole(RoleAdmin) || s.FirstName != "Mouna" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.ExpiresAt.Sub(s.IssuedAt) != 15*time.Minute {
		t.Fatalf("ttl=%v", s.ExpiresAt.Sub(s.IssuedAt))
	}
}

func TestLogin_WrongPasswordAndUnknownEmail(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	ac := api.NewAuthClient(apiBase(srv), srv.Client())

	for _, cr := range []api.Credentials{
		{Email: adminEmail, Password: "Wrong#2024"},
		{Email: "nobody@dash.local", Password: adminPassword},
	} {
		_, err := ac.Login(context.Background(), cr)
		if statusOf(err) != http.StatusUnauthorized {
			t.Fatalf("login %s: err=%v want 401", cr.Email, err)
		}
	}
}

func TestRefresh_RotatesAndRejectsReuse(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	ac := api.NewAuthClient(apiBase(srv), srv.Client())
	ctx := context.Background()

	first := login(t, srv, opEmail, opPassword)

	second, err := ac.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token not rotated")
	}
	if second.AccessToken == first.AccessToken {
		t.Fatalf("access token not reissued")
	}

	if _, err := ac.Refresh(ctx, first.RefreshToken); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("reused refresh token: err=%v want 401", err)
	}
	if _, err := ac.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("rotated token should work once: %v", err)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	ac := api.NewAuthClient(apiBase(srv), srv.Client())
	ctx := context.Background()

	reg := api.Registration{
		FirstName: "Lina", LastName: "Tech", Email: "lina@dash.local",
		PhoneNumber: "+21620000003", Password: "Lina#2024x", ConfirmPassword: "Lina#2024x",
	}
	if err := ac.Register(ctx, reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := ac.Register(ctx, reg); statusOf(err) != http.StatusConflict {
		t.Fatalf("duplicate: err=%v want 409", err)
	}

	bad := reg
	bad.Email = "other@dash.local"
	bad.PhoneNumber = "phone"
	if err := ac.Register(ctx, bad); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("invalid: err=%v want 400", err)
	}

	pair := login(t, srv, reg.Email, reg.Password)
	me, err := clientFor(srv, pair.AccessToken).Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != "3" || !slices.Equal(me.Roles, []string{RoleUser}) {
		t.Fatalf("me=%+v", me)
	}
}

func TestProtectedRoutes_RequireValidToken(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	_, srv := newTestServer(t, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := clientFor(srv, "garbage").Me(ctx); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("garbage token: err=%v", err)
	}

	pair := login(t, srv, adminEmail, adminPassword)
	c := clientFor(srv, pair.AccessToken)
	if _, err := c.Me(ctx); err != nil {
		t.Fatalf("fresh token: %v", err)
	}

	clock.Advance(16 * time.Minute)
	if _, err := c.Me(ctx); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expired token: err=%v want 401", err)
	}
}

func TestNotificationsREST(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	ctx := context.Background()

	admin := clientFor(srv, login(t, srv, adminEmail, adminPassword).AccessToken)
	op := clientFor(srv, login(t, srv, opEmail, opPassword).AccessToken)

	users, err := admin.Users(ctx)
	if err != nil || len(users) != 2 || users[0].ID != "1" || users[1].ID != "2" {
		t.Fatalf("Users: %v %+v", err, users)
	}

	created, err := admin.CreateNotification(ctx, notify.CreateRequest{
		Type: notify.TypeAlert, Priority: notify.PriorityUrgent,
		Message: "Panne machine M-12", RecipientIDs: []string{"2"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != notify.StatusUnread || created.CreatorName != "Mouna Admin" || created.CreatedByID == nil || *created.CreatedByID != "1" {
		t.Fatalf("created=%+v", created)
	}
	if _, err := admin.CreateNotification(ctx, notify.CreateRequest{
		Type: notify.TypeInfo, Priority: notify.PriorityLow, Message: "hello", RecipientIDs: []string{"2"},
	}); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	if _, err := admin.CreateNotification(ctx, notify.CreateRequest{
		Type: notify.TypeInfo, Priority: notify.PriorityLow, Message: "x", RecipientIDs: []string{"99"},
	}); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("unknown recipient: err=%v want 400", err)
	}

	st, err := op.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st != (notify.Stats{TotalNotifications: 2, UnreadCount: 2, UrgentUnreadCount: 1}) {
		t.Fatalf("stats=%+v", st)
	}

	page, err := op.ListNotifications(ctx, notify.Filter{Priority: notify.PriorityUrgent})
	if err != nil || page.TotalElements != 1 || page.Content[0].ID != created.ID {
		t.Fatalf("filtered list: %v %+v", err, page)
	}

	read, err := op.MarkRead(ctx, created.ID)
	if err != nil || read.Status != notify.StatusRead || read.ReadAt == nil {
		t.Fatalf("MarkRead: %v %+v", err, read)
	}
	if _, err := admin.MarkRead(ctx, created.ID); statusOf(err) != http.StatusNotFound {
		t.Fatalf("foreign MarkRead: err=%v want 404", err)
	}

	if err := op.MarkAllRead(ctx); err != nil {
		t.Fatalf("MarkAllRead: %v", err)
	}
	st, _ = op.Stats(ctx)
	if st.UnreadCount != 0 || st.ReadCount != 2 {
		t.Fatalf("after mark-all-read: %+v", st)
	}

	page, _ = op.ListNotifications(ctx, notify.Filter{Status: notify.StatusUnread})
	if !page.Empty || page.TotalElements != 0 {
		t.Fatalf("unread page=%+v", page)
	}

	// The admin received nothing.
	page, _ = admin.ListNotifications(ctx, notify.Filter{})
	if page.TotalElements != 0 {
		t.Fatalf("admin page=%+v", page)
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	f := notify.Filter{
		Status: notify.StatusUnread, Type: notify.TypeTask, Priority: notify.PriorityNormal,
		StartDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Page:      2, Size: 5, SortBy: "priority", SortDirection: "ASC",
	}
	got, err := parseFilter(f.Query())
	if err != nil {
		t.Fatalf("parseFilter: %v", err)
	}
	if !got.StartDate.Equal(f.StartDate) {
		t.Fatalf("start=%v", got.StartDate)
	}
	got.StartDate = f.StartDate
	if got != f {
		t.Fatalf("round trip: got=%+v want=%+v", got, f)
	}

	for _, raw := range []string{"status=MAYBE", "page=-1", "size=x", "sortBy=id", "startDate=yesterday"} {
		q, _ := url.ParseQuery(raw)
		if _, err := parseFilter(q); err == nil {
			t.Fatalf("parseFilter(%q): expected error", raw)
		}
	}

	q, _ := url.ParseQuery("size=1000")
	if got, _ := parseFilter(q); got.Size != maxPageSize {
		t.Fatalf("size clamp=%d", got.Size)
	}
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	all := make([]notify.Notification, 7)
	for i := range all {
		all[i].ID = strings.Repeat("n", i+1)
	}
	p := paginate(all, 1, 3)
	if len(p.Content) != 3 || p.TotalPages != 3 || p.First || p.Last || p.Content[0].ID != "nnnn" {
		t.Fatalf("page 1=%+v", p)
	}
	p = paginate(all, 2, 3)
	if len(p.Content) != 1 || !p.Last {
		t.Fatalf("page 2=%+v", p)
	}
	p = paginate(all, 9, 3)
	if !p.Empty || len(p.Content) != 0 {
		t.Fatalf("page 9=%+v", p)
	}
}
