package tokenstore

import "sync"

// Ephemeral is session-scoped scratch state. It lives only as long as the
// process and is emptied on sign-out.
type Ephemeral struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewEphemeral returns an empty bucket.
func NewEphemeral() *Ephemeral {
	return &Ephemeral{m: make(map[string]string)}
}

func (e *Ephemeral) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.m[key]
	return v, ok
}

func (e *Ephemeral) Set(key, value string) {
	e.mu.Lock()
	e.m[key] = value
	e.mu.Unlock()
}

func (e *Ephemeral) Delete(key string) {
	e.mu.Lock()
	delete(e.m, key)
	e.mu.Unlock()
}

func (e *Ephemeral) Clear() {
	e.mu.Lock()
	clear(e.m)
	e.mu.Unlock()
}
