package session

import (
	"context"
	"time"
)

// Source is the read side of a token store.
type Source interface {
	LoadAccess(ctx context.Context) (string, bool)
	LoadProfile(ctx context.Context) (Profile, bool)
}

// Restore rebuilds the startup session from src. It returns (nil, false) when
// no access token is stored, or when the stored token is expired or unreadable.
func Restore(ctx context.Context, src Source, now time.Time) (*Session, bool) {
	tok, ok := src.LoadAccess(ctx)
	if !ok || IsExpired(tok, now) {
		return nil, false
	}
	s, err := Decode(tok)
	if err != nil {
		return nil, false
	}
	if p, ok := src.LoadProfile(ctx); ok {
		s = p.Merge(s)
	}
	return &s, true
}
