package session

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Session is the decoded identity carried by an access token.
// A Session is replaced wholesale on sign-in or refresh, never edited.
type Session struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the session carries role.
func (s Session) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

// HasAnyRole reports whether the session carries at least one of roles.
func (s Session) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if s.HasRole(r) {
			return true
		}
	}
	return false
}

// DisplayName is "First Last" when known, else the email.
func (s Session) DisplayName() string {
	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	if name == "" {
		return s.Email
	}
	return name
}

func (s Session) clone() *Session {
	s.Roles = slices.Clone(s.Roles)
	return &s
}

// TokenPair is what the auth endpoints hand back. RefreshToken may be empty.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Profile is the cached user record persisted next to the tokens.
type Profile struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	FirstName   string   `json:"firstName"`
	LastName    string   `json:"lastName"`
	PhoneNumber string   `json:"phoneNumber"`
	Roles       []string `json:"roles"`
}

// UnmarshalJSON accepts numeric ids as served by the users endpoint.
func (p *Profile) UnmarshalJSON(b []byte) error {
	type plain Profile
	var raw struct {
		plain
		ID any `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Profile(raw.plain)
	switch v := raw.ID.(type) {
	case nil:
		p.ID = ""
	case string:
		p.ID = v
	case float64:
		p.ID = fmt.Sprintf("%.0f", v)
	default:
		return fmt.Errorf("profile: unsupported id type %T", v)
	}
	return nil
}

// ProfileFromSession builds the profile cached right after a sign-in.
func ProfileFromSession(s Session) Profile {
	roles := slices.Clone(s.Roles)
	if roles == nil {
		roles = []string{}
	}
	return Profile{
		ID:        s.UserID,
		Email:     s.Email,
		FirstName: s.FirstName,
		LastName:  s.LastName,
		Roles:     roles,
	}
}

// Merge fills the names missing from s with the profile's, when the profile belongs to s.
func (p Profile) Merge(s Session) Session {
	if p.ID != s.UserID {
		return s
	}
	if s.FirstName == "" {
		s.FirstName = p.FirstName
	}
	if s.LastName == "" {
		s.LastName = p.LastName
	}
	return s
}
