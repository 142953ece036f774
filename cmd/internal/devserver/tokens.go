package devserver

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/security/token"
)

var (
	errInvalidToken   = errors.New("invalid token")
	errRefreshUnknown = errors.New("refresh token unknown or already used")
	errRefreshExpired = errors.New("refresh token expired")
)

// accessClaims mirrors the payload the client decodes.
type accessClaims struct {
	jwt.RegisteredClaims
	Roles     []string `json:"roles"`
	Email     string   `json:"email"`
	UserID    string   `json:"userId"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
}

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

// tokenIssuer mints HS256 access tokens and single-use refresh tokens.
// Refresh tokens are stored only as digests.
type tokenIssuer struct {
	signingKey []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	refresh map[string]refreshRecord
}

func newTokenIssuer(signingKey, refreshKey []byte, accessTTL, refreshTTL time.Duration, now func() time.Time) (*tokenIssuer, error) {
	if err := token.CheckHMACKey(refreshKey); err != nil {
		return nil, fmt.Errorf("refresh hmac key: %w", err)
	}
	if len(signingKey) == 0 {
		return nil, errors.New("missing signing key")
	}
	return &tokenIssuer{
		signingKey: signingKey,
		refreshKey: refreshKey,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
		refresh:    make(map[string]refreshRecord),
	}, nil
}

func (t *tokenIssuer) issue(u user) (session.TokenPair, error) {
	access, err := t.mintAccess(u)
	if err != nil {
		return session.TokenPair{}, err
	}
	refresh, err := newOpaqueToken(32)
	if err != nil {
		return session.TokenPair{}, err
	}

	t.mu.Lock()
	t.refresh[token.HashRefresh(refresh, t.refreshKey)] = refreshRecord{
		userID:    u.ID,
		expiresAt: t.now().Add(t.refreshTTL),
	}
	t.mu.Unlock()

	return session.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (t *tokenIssuer) mintAccess(u user) (string, error) {
	now := t.now()
	c := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
		Roles:     u.Roles,
		Email:     u.Email,
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.signingKey)
}

// verifyAccess checks signature and expiry.
func (t *tokenIssuer) verifyAccess(raw string) (*accessClaims, error) {
	var c accessClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &c,
		func(*jwt.Token) (any, error) { return t.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", errInvalidToken)
	}
	return &c, nil
}

// consumeRefresh invalidates raw and returns its owner. A token can be used once.
func (t *tokenIssuer) consumeRefresh(raw string) (string, error) {
	key := token.HashRefresh(strings.TrimSpace(raw), t.refreshKey)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.refresh[key]
	if !ok {
		return "", errRefreshUnknown
	}
	delete(t.refresh, key)
	if !t.now().Before(rec.expiresAt) {
		return "", errRefreshExpired
	}
	return rec.userID, nil
}

func newOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
