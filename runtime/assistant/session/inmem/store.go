// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable implementation backed by a document store.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aura-ai/aura/runtime/assistant/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu           sync.RWMutex
		interactions map[string]session.Interaction
		records      []session.Record
		recordCap    int
	}

	// Option customizes a Store.
	Option func(*Store)
)

// WithRecordCap bounds the retained records; older entries are dropped first.
// Zero or negative keeps everything.
func WithRecordCap(n int) Option {
	return func(s *Store) { s.recordCap = n }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{interactions: make(map[string]session.Interaction)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveInteraction implements session.Store.
func (s *Store) SaveInteraction(_ context.Context, in session.Interaction) error {
	if in.ID == "" {
		return errors.New("interaction id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.interactions[in.ID] = in
	return nil
}

// LoadInteraction implements session.Store.
func (s *Store) LoadInteraction(_ context.Context, id string) (session.Interaction, error) {
	if id == "" {
		return session.Interaction{}, errors.New("interaction id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.interactions[id]
	if !ok {
		return session.Interaction{}, fmt.Errorf("%s: %w", id, session.ErrInteractionNotFound)
	}
	return in, nil
}

// AppendRecord implements session.Store.
func (s *Store) AppendRecord(_ context.Context, rec session.Record) error {
	if rec.InteractionID == "" {
		return errors.New("interaction id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.recordCap > 0 && len(s.records) > s.recordCap {
		s.records = s.records[len(s.records)-s.recordCap:]
	}
	return nil
}

// Records implements session.Store.
func (s *Store) Records(_ context.Context, limit int) ([]session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]session.Record, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

var _ session.Store = (*Store)(nil)
