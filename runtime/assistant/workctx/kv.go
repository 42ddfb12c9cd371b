package workctx

import (
	"context"
	"errors"
	"sync"
)

type (
	// KV is the unscoped global key/value store shared across modules
	// (current identity, feature flags, cross-module signals). The default is
	// the in-memory MemoryKV; features/globalkv/redis provides a durable
	// alternative.
	KV interface {
		Set(ctx context.Context, key string, value any) error
		Get(ctx context.Context, key string) (any, bool, error)
		Delete(ctx context.Context, key string) error
	}

	// MemoryKV is a mutex-guarded map implementation of KV. Safe for
	// concurrent use.
	MemoryKV struct {
		mu     sync.RWMutex
		values map[string]any
	}
)

// NewMemoryKV returns an empty in-memory KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]any)}
}

// Set implements KV.
func (m *MemoryKV) Set(_ context.Context, key string, value any) error {
	if key == "" {
		return errors.New("key is required")
	}
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

// Get implements KV.
func (m *MemoryKV) Get(_ context.Context, key string) (any, bool, error) {
	if key == "" {
		return nil, false, errors.New("key is required")
	}
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	return v, ok, nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
