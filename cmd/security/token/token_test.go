package token

import (
	"errors"
	"strings"
	"testing"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	if got := Fingerprint(""); got != "" {
		t.Fatalf("empty token: got %q", got)
	}
	if got := Fingerprint("   "); got != "" {
		t.Fatalf("blank token: got %q", got)
	}

	a := Fingerprint("eyJhbGciOiJIUzI1NiJ9.e30.sig")
	b := Fingerprint("eyJhbGciOiJIUzI1NiJ9.e30.sig")
	if a != b {
		t.Fatalf("fingerprint not stable: %q vs %q", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("fingerprint len=%d", len(a))
	}
	if strings.Contains("eyJhbGciOiJIUzI1NiJ9.e30.sig", a) {
		t.Fatalf("fingerprint leaks token material")
	}
	if Fingerprint("other") == a {
		t.Fatalf("distinct tokens share a fingerprint")
	}
}

func TestHashRefresh(t *testing.T) {
	t.Parallel()

	plain := HashRefresh("rt-1", nil)
	if len(plain) != 64 {
		t.Fatalf("sha256 hex len=%d", len(plain))
	}

	key := []byte(strings.Repeat("k", 32))
	keyed := HashRefresh("rt-1", key)
	if keyed == plain {
		t.Fatalf("keyed digest equals plain digest")
	}
	if !Equal(keyed, HashRefresh("rt-1", key)) {
		t.Fatalf("keyed digest not stable")
	}
	if Equal(keyed, HashRefresh("rt-2", key)) {
		t.Fatalf("different tokens compare equal")
	}
}

func TestCheckHMACKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		key  []byte
		want error
	}{
		{name: "nil", key: nil, want: nil},
		{name: "short", key: []byte("short"), want: ErrHMACKeyTooShort},
		{name: "ok", key: []byte(strings.Repeat("x", 32)), want: nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := CheckHMACKey(tc.key); !errors.Is(err, tc.want) {
				t.Fatalf("got %v want %v", err, tc.want)
			}
		})
	}
}
