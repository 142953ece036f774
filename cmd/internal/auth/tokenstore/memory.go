package tokenstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps values for the lifetime of the process.
type MemoryBackend struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{m: make(map[string]string)}
}

// NewMemory is New(NewMemoryBackend(), opts...).
func NewMemory(opts ...Option) *KV {
	return New(NewMemoryBackend(), opts...)
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	return v, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	b.m[key] = value
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	for _, k := range keys {
		delete(b.m, k)
	}
	b.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}
