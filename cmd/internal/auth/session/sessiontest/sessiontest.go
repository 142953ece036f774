// Package sessiontest mints access tokens for tests.
package sessiontest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Key signs every token minted here. Nothing in the client verifies it.
var Key = []byte("sessiontest-signing-key-0123456789")

// Claims describes the token to mint. Zero fields are omitted.
type Claims struct {
	Subject   string
	UserID    any
	Email     string
	FirstName string
	LastName  string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Mint returns a signed HS256 token.
func Mint(t testing.TB, c Claims) string {
	t.Helper()

	m := jwt.MapClaims{}
	if c.Subject != "" {
		m["sub"] = c.Subject
	}
	if c.UserID != nil {
		m["userId"] = c.UserID
	}
	if c.Email != "" {
		m["email"] = c.Email
	}
	if c.FirstName != "" {
		m["firstName"] = c.FirstName
	}
	if c.LastName != "" {
		m["lastName"] = c.LastName
	}
	if c.Roles != nil {
		m["roles"] = c.Roles
	}
	if !c.IssuedAt.IsZero() {
		m["iat"] = c.IssuedAt.Unix()
	}
	if !c.ExpiresAt.IsZero() {
		m["exp"] = c.ExpiresAt.Unix()
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, m).SignedString(Key)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return s
}

// Valid mints a token for userID expiring in an hour.
func Valid(t testing.TB, userID string) string {
	t.Helper()
	now := time.Now()
	return Mint(t, Claims{
		Subject:   userID,
		Email:     userID + "@example.test",
		Roles:     []string{"USER"},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	})
}
