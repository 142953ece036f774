package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestProfile_UnmarshalNumericID(t *testing.T) {
	t.Parallel()

	var p Profile
	if err := json.Unmarshal([]byte(`{"id":42,"email":"a@b.c","firstName":"A","roles":["USER"]}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ID != "42" || p.Email != "a@b.c" || p.FirstName != "A" || len(p.Roles) != 1 {
		t.Fatalf("got %+v", p)
	}

	if err := json.Unmarshal([]byte(`{"id":"u-1"}`), &p); err != nil || p.ID != "u-1" {
		t.Fatalf("string id: %+v %v", p, err)
	}
	if err := json.Unmarshal([]byte(`{"id":true}`), &p); err == nil {
		t.Fatalf("expected error for bool id")
	}
}

func TestProfileFromSession(t *testing.T) {
	t.Parallel()

	p := ProfileFromSession(Session{UserID: "1", Email: "e@x", FirstName: "F"})
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":"1","email":"e@x","firstName":"F","lastName":"","phoneNumber":"","roles":[]}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}

func TestAuthError_Kinds(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("signin: %w", NewAuthError("signin", ErrNetwork, cause))

	if !errors.Is(err, ErrNetwork) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	if !IsAuthKind(err, ErrNetwork) || IsAuthKind(err, ErrValidation) {
		t.Fatalf("IsAuthKind mismatch")
	}
	if KindOf(cause) != nil {
		t.Fatalf("KindOf non-auth error should be nil")
	}
	if got := NewAuthError("refresh", ErrNoRefreshToken, nil).Error(); got != "auth refresh: no refresh token" {
		t.Fatalf("Error()=%q", got)
	}
}
