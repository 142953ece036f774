package session

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the access-token payload as the auth server issues it.
type claims struct {
	jwt.RegisteredClaims
	Roles     []string   `json:"roles,omitempty"`
	Email     string     `json:"email,omitempty"`
	UserID    flexString `json:"userId,omitempty"`
	FirstName string     `json:"firstName,omitempty"`
	LastName  string     `json:"lastName,omitempty"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n == "" {
		*f = ""
		return nil
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

func parseClaims(token string) (*claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &DecodeError{Reason: "empty token"}
	}
	var c claims
	if _, _, err := parser.ParseUnverified(token, &c); err != nil {
		return nil, &DecodeError{Reason: "unreadable payload", Err: err}
	}
	return &c, nil
}

// Decode reads the session carried by token without verifying its signature.
// A token without a subject is rejected. userId and email fall back to the subject.
func Decode(token string) (Session, error) {
	c, err := parseClaims(token)
	if err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Session{}, &DecodeError{Reason: "missing sub claim"}
	}

	s := Session{
		UserID:    string(c.UserID),
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Roles:     c.Roles,
	}
	if s.UserID == "" {
		s.UserID = c.Subject
	}
	if s.Email == "" {
		s.Email = c.Subject
	}
	if s.Roles == nil {
		s.Roles = []string{}
	}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

// IsExpired reports now >= exp. Undecodable tokens and tokens without exp are expired.
func IsExpired(token string, now time.Time) bool {
	c, err := parseClaims(token)
	if err != nil || c.ExpiresAt == nil {
		return true
	}
	return !now.Before(c.ExpiresAt.Time)
}
