// Package tokenstore persists the access token, refresh token and cached user
// profile between runs, plus a process-scoped ephemeral bucket.
//
// All components read tokens through a Store on every use; nothing caches a
// token beyond one call.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/attia12/stage-mouna/cmd/internal/auth/session"
	"github.com/attia12/stage-mouna/cmd/security/seal"
)

// Persisted keys.
const (
	KeyAccess  = "access_token"
	KeyRefresh = "refresh_token"
	KeyProfile = "user"
)

var allKeys = []string{KeyAccess, KeyRefresh, KeyProfile}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("tokenstore: closed")

// Store is the token persistence contract.
type Store interface {
	session.Source

	// Save persists pair.AccessToken. The refresh token is replaced only when
	// pair.RefreshToken is non-empty.
	Save(ctx context.Context, pair session.TokenPair) error
	SaveProfile(ctx context.Context, p session.Profile) error
	LoadRefresh(ctx context.Context) (string, bool)

	// Clear removes every persisted key and empties the ephemeral bucket.
	Clear(ctx context.Context) error
	Ephemeral() *Ephemeral
}

// Backend is a flat string key/value table.
// Get reports ok=false for a missing key; an error means the backend failed.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Option configures a KV store.
type Option func(*KV)

// WithLogger sets the logger used for dropped entries and backend failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *KV) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSealer encrypts every value at rest.
func WithSealer(sl *seal.Sealer) Option {
	return func(s *KV) { s.sealer = sl }
}

// KV implements Store on top of a Backend.
type KV struct {
	b      Backend
	log    *slog.Logger
	sealer *seal.Sealer
	eph    *Ephemeral
}

var _ Store = (*KV)(nil)

// New wraps b.
func New(b Backend, opts ...Option) *KV {
	s := &KV{
		b:   b,
		log: slog.Default(),
		eph: NewEphemeral(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Save implements Store.
func (s *KV) Save(ctx context.Context, pair session.TokenPair) error {
	if strings.TrimSpace(pair.AccessToken) == "" {
		return errors.New("tokenstore: empty access token")
	}
	if err := s.put(ctx, KeyAccess, pair.AccessToken); err != nil {
		return err
	}
	if pair.RefreshToken != "" {
		if err := s.put(ctx, KeyRefresh, pair.RefreshToken); err != nil {
			return err
		}
	}
	return nil
}

// SaveProfile implements Store.
func (s *KV) SaveProfile(ctx context.Context, p session.Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("tokenstore: encode profile: %w", err)
	}
	return s.put(ctx, KeyProfile, string(b))
}

// LoadAccess implements Store.
func (s *KV) LoadAccess(ctx context.Context) (string, bool) { return s.get(ctx, KeyAccess) }

// LoadRefresh implements Store.
func (s *KV) LoadRefresh(ctx context.Context) (string, bool) { return s.get(ctx, KeyRefresh) }

// LoadProfile implements Store. A profile that does not parse is reported absent.
func (s *KV) LoadProfile(ctx context.Context) (session.Profile, bool) {
	raw, ok := s.get(ctx, KeyProfile)
	if !ok {
		return session.Profile{}, false
	}
	var p session.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.log.Warn("tokenstore.profile.malformed", "err", err)
		return session.Profile{}, false
	}
	return p, true
}

// Clear implements Store.
func (s *KV) Clear(ctx context.Context) error {
	s.eph.Clear()
	if err := s.b.Delete(ctx, allKeys...); err != nil {
		return fmt.Errorf("tokenstore: clear: %w", err)
	}
	return nil
}

// Ephemeral implements Store.
func (s *KV) Ephemeral() *Ephemeral { return s.eph }

// Close closes the backend when it owns resources.
func (s *KV) Close() error {
	if c, ok := s.b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *KV) put(ctx context.Context, key, value string) error {
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("tokenstore: seal %s: %w", key, err)
		}
		value = sealed
	}
	if err := s.b.Set(ctx, key, value); err != nil {
		return fmt.Errorf("tokenstore: set %s: %w", key, err)
	}
	return nil
}

// get never fails: backend errors and unreadable values count as absent.
func (s *KV) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := s.b.Get(ctx, key)
	if err != nil {
		s.log.Warn("tokenstore.get.fail", "key", key, "err", err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	if s.sealer != nil {
		plain, err := s.sealer.Open(v)
		if err != nil {
			s.log.Warn("tokenstore.unseal.fail", "key", key, "err", err)
			return "", false
		}
		v = plain
	}
	return v, true
}
