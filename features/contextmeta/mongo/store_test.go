package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.EqualError(t, err, "client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	fc := &fakeClient{}
	store, err := NewStore(Options{Client: fc})
	require.NoError(t, err)

	now := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	metas := []workctx.ContextMeta{{
		ID: "ctx-a", Type: workctx.TypeIdentity, Scope: workctx.ScopePersisted,
		Threshold: 1, CreatedAt: now, LastActivity: now,
	}}
	require.NoError(t, store.Save(context.Background(), metas, []string{"int-1"}))
	require.Equal(t, metas, fc.savedMetas)
	require.Equal(t, []string{"int-1"}, fc.savedRecent)

	gotMetas, gotRecent, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, metas, gotMetas)
	require.Equal(t, []string{"int-1"}, gotRecent)
}

type fakeClient struct {
	savedMetas  []workctx.ContextMeta
	savedRecent []string
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) Ping(ctx context.Context) error { return nil }

func (c *fakeClient) SaveMetadata(ctx context.Context, metas []workctx.ContextMeta, recentInteractions []string) error {
	c.savedMetas = metas
	c.savedRecent = recentInteractions
	return nil
}

func (c *fakeClient) LoadMetadata(ctx context.Context) ([]workctx.ContextMeta, []string, error) {
	return c.savedMetas, c.savedRecent, nil
}
