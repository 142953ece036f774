package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/security/password"
)

// Credentials is the body of POST /auth/login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the body of POST /auth/register.
type Registration struct {
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Email           string `json:"email"`
	PhoneNumber     string `json:"phoneNumber"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// ErrInvalidRegistration wraps every Registration.Validate failure.
var ErrInvalidRegistration = errors.New("invalid registration")

// FieldError names the offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Reason }

func (e *FieldError) Unwrap() error { return ErrInvalidRegistration }

var phoneRE = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// Validate applies the sign-up form rules before anything reaches the server.
func (r Registration) Validate() error {
	for _, f := range []struct{ name, v string }{{"firstName", r.FirstName}, {"lastName", r.LastName}} {
		n := utf8.RuneCountInString(strings.TrimSpace(f.v))
		if n == 0 {
			return &FieldError{Field: f.name, Reason: "is required"}
		}
		if n > 50 {
			return &FieldError{Field: f.name, Reason: "must not exceed 50 characters"}
		}
	}
	if _, err := mail.ParseAddress(r.Email); err != nil || strings.Contains(r.Email, "<") {
		return &FieldError{Field: "email", Reason: "must be a valid email address"}
	}
	if !phoneRE.MatchString(r.PhoneNumber) {
		return &FieldError{Field: "phoneNumber", Reason: "must be a valid phone number"}
	}
	if err := password.DefaultConfig().Validate(r.Password); err != nil {
		return &FieldError{Field: "password", Reason: err.Error()}
	}
	if r.ConfirmPassword != r.Password {
		return &FieldError{Field: "confirmPassword", Reason: "passwords do not match"}
	}
	return nil
}

// AuthClient calls the credential endpoints. It must not sit behind the
// request authorizer: refresh carries its own bearer.
type AuthClient struct {
	core
}

// NewAuthClient returns a client rooted at baseURL (e.g. http://host/api/v1).
func NewAuthClient(baseURL string, hc *http.Client) *AuthClient {
	return &AuthClient{core: newCore(baseURL, hc)}
}

// Login exchanges credentials for tokens.
func (c *AuthClient) Login(ctx context.Context, cr Credentials) (session.TokenPair, error) {
	var out session.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, cr, &out); err != nil {
		return session.TokenPair{}, err
	}
	if out.AccessToken == "" {
		return session.TokenPair{}, fmt.Errorf("login: %w: no access_token", ErrMalformedResponse)
	}
	return out, nil
}

// Register creates an account. It does not sign in.
func (c *AuthClient) Register(ctx context.Context, r Registration) error {
	return c.do(ctx, http.MethodPost, "/auth/register", nil, r, nil)
}

// Refresh exchanges a refresh token, sent as the bearer, for a new access token.
// The returned RefreshToken is empty when the server did not rotate it.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (session.TokenPair, error) {
	var out session.TokenPair
	err := c.do(ctx, http.MethodPost, "/auth/refresh", nil, struct{}{}, &out,
		withHeader("Authorization", "Bearer "+refreshToken))
	if err != nil {
		return session.TokenPair{}, err
	}
	if out.AccessToken == "" {
		return session.TokenPair{}, fmt.Errorf("refresh: %w: no access_token", ErrMalformedResponse)
	}
	return out, nil
}
