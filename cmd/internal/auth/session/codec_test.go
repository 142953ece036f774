package session

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session/sessiontest"
)

func TestDecode_AllClaims(t *testing.T) {
	t.Parallel()

	iat := time.Unix(1_700_000_000, 0)
	exp := iat.Add(15 * time.Minute)
	tok := sessiontest.Mint(t, sessiontest.Claims{
		Subject:   "mouna@example.test",
		UserID:    "42",
		Email:     "mouna@example.test",
		FirstName: "Mouna",
		LastName:  "Attia",
		Roles:     []string{"ADMIN", "USER"},
		IssuedAt:  iat,
		ExpiresAt: exp,
	})

	s, err := Decode(tok)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.UserID != "42" || s.Email != "mouna@example.test" {
		t.Fatalf("identity: %+v", s)
	}
	if s.FirstName != "Mouna" || s.LastName != "Attia" {
		t.Fatalf("names: %+v", s)
	}
	if !s.HasRole("ADMIN") || !s.HasAnyRole("NOPE", "USER") || s.HasAnyRole("NOPE") {
		t.Fatalf("roles: %+v", s.Roles)
	}
	if !s.IssuedAt.Equal(iat) || !s.ExpiresAt.Equal(exp) {
		t.Fatalf("times: iat=%v exp=%v", s.IssuedAt, s.ExpiresAt)
	}
}

func TestDecode_FallsBackToSubject(t *testing.T) {
	t.Parallel()

	tok := sessiontest.Mint(t, sessiontest.Claims{Subject: "7", ExpiresAt: time.Now().Add(time.Hour)})
	s, err := Decode(tok)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.UserID != "7" || s.Email != "7" {
		t.Fatalf("fallback: %+v", s)
	}
	if s.Roles == nil || len(s.Roles) != 0 {
		t.Fatalf("roles should be empty, got %#v", s.Roles)
	}
	if s.FirstName != "" || s.LastName != "" {
		t.Fatalf("names should default to empty: %+v", s)
	}
}

func TestDecode_NumericUserID(t *testing.T) {
	t.Parallel()

	tok := sessiontest.Mint(t, sessiontest.Claims{Subject: "a@b.c", UserID: 42})
	s, err := Decode(tok)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s.UserID != "42" {
		t.Fatalf("UserID=%q", s.UserID)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	noSub := sessiontest.Mint(t, sessiontest.Claims{Email: "x@y.z", ExpiresAt: time.Now().Add(time.Hour)})
	badJSON := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte("{not json")) + ".sig"

	for name, tok := range map[string]string{
		"empty":       "",
		"one segment": "abc",
		"bad base64":  "eyJhbGciOiJIUzI1NiJ9.!!!.sig",
		"bad json":    badJSON,
		"missing sub": noSub,
	} {
		_, err := Decode(tok)
		if !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("%s: want ErrMalformedToken, got %v", name, err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Reason == "" {
			t.Fatalf("%s: want *DecodeError with reason, got %T", name, err)
		}
	}
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name string
		tok  string
		want bool
	}{
		{name: "future", tok: sessiontest.Mint(t, sessiontest.Claims{Subject: "u", ExpiresAt: now.Add(time.Minute)}), want: false},
		{name: "past", tok: sessiontest.Mint(t, sessiontest.Claims{Subject: "u", ExpiresAt: now.Add(-time.Hour)}), want: true},
		{name: "exactly now", tok: sessiontest.Mint(t, sessiontest.Claims{Subject: "u", ExpiresAt: now}), want: true},
		{name: "no exp", tok: sessiontest.Mint(t, sessiontest.Claims{Subject: "u"}), want: true},
		{name: "garbage", tok: "not.a.token", want: true},
		{name: "empty", tok: "", want: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsExpired(tc.tok, now); got != tc.want {
				t.Fatalf("IsExpired=%v want %v", got, tc.want)
			}
		})
	}
}
