package app

import (
	"sync"

	"github.com/attia12/stage-mouna/cmd/internal/auth/coordinator"
)

// Registry is the late-bound handle between the coordinator and the
// components built after it. The coordinator resolves through it at the
// moment it needs a notifier or the profile endpoint, so neither side holds
// a constructor-time reference to the other.
type Registry struct {
	mu       sync.RWMutex
	notifier coordinator.Notifier
	profiles coordinator.ProfileAPI
}

// NewRegistry returns an empty registry. Resolvers return nil until set.
func NewRegistry() *Registry { return &Registry{} }

// SetNotifier binds the notification channel.
func (r *Registry) SetNotifier(n coordinator.Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Notifier resolves the notification channel, or nil.
func (r *Registry) Notifier() coordinator.Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifier
}

// SetProfiles binds the profile endpoint.
func (r *Registry) SetProfiles(p coordinator.ProfileAPI) {
	r.mu.Lock()
	r.profiles = p
	r.mu.Unlock()
}

// Profiles resolves the profile endpoint, or nil.
func (r *Registry) Profiles() coordinator.ProfileAPI {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles
}
