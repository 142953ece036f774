package tokenstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/security/seal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exerciseStore runs the Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok := s.LoadAccess(ctx); ok {
		t.Fatalf("fresh store has an access token")
	}
	if _, ok := s.LoadProfile(ctx); ok {
		t.Fatalf("fresh store has a profile")
	}

	if err := s.Save(ctx, session.TokenPair{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v, ok := s.LoadAccess(ctx); !ok || v != "a1" {
		t.Fatalf("LoadAccess=%q,%v", v, ok)
	}
	if v, ok := s.LoadRefresh(ctx); !ok || v != "r1" {
		t.Fatalf("LoadRefresh=%q,%v", v, ok)
	}

	// Omitted refresh token keeps the previous one.
	if err := s.Save(ctx, session.TokenPair{AccessToken: "a2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v, _ := s.LoadAccess(ctx); v != "a2" {
		t.Fatalf("access not replaced: %q", v)
	}
	if v, _ := s.LoadRefresh(ctx); v != "r1" {
		t.Fatalf("refresh should be kept, got %q", v)
	}

	if err := s.Save(ctx, session.TokenPair{AccessToken: "a3", RefreshToken: "r2"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v, _ := s.LoadRefresh(ctx); v != "r2" {
		t.Fatalf("refresh not replaced: %q", v)
	}

	p := session.Profile{ID: "42", Email: "m@x.io", FirstName: "M", Roles: []string{"USER"}}
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	got, ok := s.LoadProfile(ctx)
	if !ok || got.ID != "42" || got.FirstName != "M" || len(got.Roles) != 1 {
		t.Fatalf("LoadProfile=%+v,%v", got, ok)
	}

	s.Ephemeral().Set("draft", "x")

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if _, ok := s.LoadAccess(ctx); ok {
		t.Fatalf("access survived Clear")
	}
	if _, ok := s.LoadRefresh(ctx); ok {
		t.Fatalf("refresh survived Clear")
	}
	if _, ok := s.LoadProfile(ctx); ok {
		t.Fatalf("profile survived Clear")
	}
	if _, ok := s.Ephemeral().Get("draft"); ok {
		t.Fatalf("ephemeral survived Clear")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory(WithLogger(discardLogger())))
}

func TestSQLiteStore_InMemory(t *testing.T) {
	t.Parallel()

	s, err := OpenSQLite(context.Background(), ":memory:", WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Save(ctx, session.TokenPair{AccessToken: "persisted", RefreshToken: "r"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if v, ok := again.LoadAccess(ctx); !ok || v != "persisted" {
		t.Fatalf("after reopen LoadAccess=%q,%v", v, ok)
	}
}

func TestSealedStore(t *testing.T) {
	t.Parallel()

	sl, err := seal.New("kiosk passphrase")
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	b := NewMemoryBackend()
	s := New(b, WithSealer(sl), WithLogger(discardLogger()))
	exerciseStore(t, s)

	ctx := context.Background()
	if err := s.Save(ctx, session.TokenPair{AccessToken: "secret-access"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, _, _ := b.Get(ctx, KeyAccess)
	if raw == "secret-access" || !seal.IsSealed(raw) {
		t.Fatalf("value stored in clear: %q", raw)
	}

	other, _ := seal.New("different passphrase")
	wrong := New(b, WithSealer(other), WithLogger(discardLogger()))
	if _, ok := wrong.LoadAccess(ctx); ok {
		t.Fatalf("undecryptable value should read as absent")
	}
}

func TestMalformedProfileIsAbsent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBackend()
	_ = b.Set(ctx, KeyProfile, "{not json")
	s := New(b, WithLogger(discardLogger()))

	if _, ok := s.LoadProfile(ctx); ok {
		t.Fatalf("malformed profile should read as absent")
	}
}

func TestSave_RejectsEmptyAccess(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	if err := s.Save(context.Background(), session.TokenPair{RefreshToken: "r"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := s.LoadRefresh(context.Background()); ok {
		t.Fatalf("refresh stored despite error")
	}
}
