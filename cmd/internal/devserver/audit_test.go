package devserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/attia12/stage-mouna/cmd/internal/api"
)

func TestLogin_LocksOutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	_, srv := newTestServer(t, WithClock(clock.Now))
	ac := api.NewAuthClient(apiBase(srv), srv.Client())
	ctx := context.Background()

	for i := range 5 {
		_, err := ac.Login(ctx, api.Credentials{Email: opEmail, Password: "Wrong#2024"})
		if statusOf(err) != http.StatusUnauthorized {
			t.Fatalf("attempt %d: err=%v want 401", i, err)
		}
		clock.Advance(time.Second)
	}

	// Correct password is refused while locked.
	_, err := ac.Login(ctx, api.Credentials{Email: opEmail, Password: opPassword})
	if statusOf(err) != http.StatusTooManyRequests {
		t.Fatalf("locked login: err=%v want 429", err)
	}

	// Other accounts are unaffected.
	if _, err := ac.Login(ctx, api.Credentials{Email: adminEmail, Password: adminPassword}); err != nil {
		t.Fatalf("admin login: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := ac.Login(ctx, api.Credentials{Email: opEmail, Password: opPassword}); err != nil {
		t.Fatalf("login after lockout: %v", err)
	}
}

func TestLogin_RateLimitedResponseHasRetryAfter(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SigningKey = []byte("test-signing-key-test-signing-key")
	cfg.Lockout.ShortThreshold = 1
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPasswordConfig(cheapPasswords()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ac := api.NewAuthClient(apiBase(srv), srv.Client())
	_, _ = ac.Login(context.Background(), api.Credentials{Email: opEmail, Password: "Wrong#2024"})

	body := `{"email":"operator@dash.local","password":"Operator#2024"}`
	resp, err := srv.Client().Post(apiBase(srv)+"/auth/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After=%q want 60", got)
	}
}

func TestAudit_AdminOnly(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	admin := login(t, srv, adminEmail, adminPassword)
	op := login(t, srv, opEmail, opPassword)
	_, _ = api.NewAuthClient(apiBase(srv), srv.Client()).Refresh(context.Background(), "not-a-token")

	req, _ := http.NewRequest(http.MethodGet, apiBase(srv)+"/audit?limit=10", nil)
	resp, err := (&http.Client{Transport: bearerTransport{token: op.AccessToken}}).Do(req)
	if err != nil {
		t.Fatalf("op audit: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("operator status=%d want 403", resp.StatusCode)
	}

	resp, err = (&http.Client{Transport: bearerTransport{token: admin.AccessToken}}).Do(req)
	if err != nil {
		t.Fatalf("admin audit: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var entries []AuditEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}
	// Newest first.
	if entries[0].Action != auditRefreshRejected || entries[1].Action != auditLoginSuccess || entries[1].UserID != "2" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if entries[2].IP == "" {
		t.Fatalf("missing client ip: %+v", entries[2])
	}
}

func TestAuditLog_DropsOldestAtCapacity(t *testing.T) {
	var a auditLog
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range auditCapacity + 5 {
		a.record(AuditEntry{Action: auditLoginFailed, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	all := a.recent(0)
	if len(all) != auditCapacity {
		t.Fatalf("len=%d want %d", len(all), auditCapacity)
	}
	if want := base.Add(5 * time.Second); !all[len(all)-1].CreatedAt.Equal(want) {
		t.Fatalf("oldest kept=%v want %v", all[len(all)-1].CreatedAt, want)
	}
	n, last := a.count(auditLoginFailed, base.Add(time.Duration(auditCapacity)*time.Second), func(AuditEntry) bool { return true })
	if n != 5 || !last.Equal(base.Add(time.Duration(auditCapacity+4)*time.Second)) {
		t.Fatalf("count=%d last=%v", n, last)
	}
}
