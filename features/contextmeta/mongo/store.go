// Package mongo wires workctx.MetadataStore to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/aura-ai/aura/features/contextmeta/mongo/clients/mongo"
	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements workctx.MetadataStore by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed metadata store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Save replaces the stored snapshot with the given context metas and recent
// interaction ids.
func (s *Store) Save(ctx context.Context, metas []workctx.ContextMeta, recentInteractions []string) error {
	return s.client.SaveMetadata(ctx, metas, recentInteractions)
}

// Load returns the stored snapshot.
func (s *Store) Load(ctx context.Context) ([]workctx.ContextMeta, []string, error) {
	return s.client.LoadMetadata(ctx)
}
