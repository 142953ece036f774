package session

import (
	"context"
	"testing"
	"time"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session/sessiontest"
)

type fakeSource struct {
	access  string
	profile *Profile
}

func (f fakeSource) LoadAccess(context.Context) (string, bool) { return f.access, f.access != "" }

func (f fakeSource) LoadProfile(context.Context) (Profile, bool) {
	if f.profile == nil {
		return Profile{}, false
	}
	return *f.profile, true
}

func TestRestore(t *testing.T) {
	t.Parallel()

	now := time.Now()
	valid := sessiontest.Mint(t, sessiontest.Claims{Subject: "42", ExpiresAt: now.Add(time.Hour)})
	expired := sessiontest.Mint(t, sessiontest.Claims{Subject: "42", ExpiresAt: now.Add(-time.Hour)})

	t.Run("nothing stored", func(t *testing.T) {
		if s, ok := Restore(context.Background(), fakeSource{}, now); ok || s != nil {
			t.Fatalf("got %+v %v", s, ok)
		}
	})

	t.Run("expired an hour ago", func(t *testing.T) {
		s, ok := Restore(context.Background(), fakeSource{access: expired}, now)
		if ok || s != nil {
			t.Fatalf("expired token restored: %+v", s)
		}
		st := NewState(s, ok)
		defer st.Close()
		if st.IsAuthenticated() {
			t.Fatalf("IsAuthenticated should be false")
		}
		if _, present := st.Current(); present {
			t.Fatalf("Current should be absent")
		}
	})

	t.Run("malformed", func(t *testing.T) {
		if _, ok := Restore(context.Background(), fakeSource{access: "garbage"}, now); ok {
			t.Fatalf("malformed token restored")
		}
	})

	t.Run("valid with profile", func(t *testing.T) {
		p := &Profile{ID: "42", FirstName: "Mouna", LastName: "Attia"}
		s, ok := Restore(context.Background(), fakeSource{access: valid, profile: p}, now)
		if !ok || s.UserID != "42" {
			t.Fatalf("got %+v %v", s, ok)
		}
		if s.DisplayName() != "Mouna Attia" {
			t.Fatalf("profile names not merged: %q", s.DisplayName())
		}
	})

	t.Run("profile of another user ignored", func(t *testing.T) {
		p := &Profile{ID: "99", FirstName: "Other"}
		s, ok := Restore(context.Background(), fakeSource{access: valid, profile: p}, now)
		if !ok || s.FirstName != "" {
			t.Fatalf("foreign profile merged: %+v", s)
		}
	})
}
