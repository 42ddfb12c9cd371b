package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.True(t, fc.indexCreated)
}

func TestLoadMetadataEmpty(t *testing.T) {
	client := mustNewTestClient()
	metas, recent, err := client.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Empty(t, metas)
	require.Empty(t, recent)
}

func TestSaveAndLoadMetadata(t *testing.T) {
	client := mustNewTestClient()
	created := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	metas := []workctx.ContextMeta{
		{
			ID:           "ctx-identity-1",
			Type:         workctx.TypeIdentity,
			Scope:        workctx.ScopePersisted,
			Threshold:    1,
			Timeout:      5 * time.Minute,
			SampleCount:  2,
			Metadata:     map[string]any{"identity": "黃小明"},
			CreatedAt:    created,
			LastActivity: created.Add(time.Minute),
		},
		{
			ID:           "ctx-learning-1",
			Type:         workctx.TypeLearning,
			Scope:        workctx.ScopeProcessLifetime,
			Threshold:    20,
			Timeout:      time.Hour,
			CreatedAt:    created.Add(-time.Hour),
			LastActivity: created,
		},
	}
	require.NoError(t, client.SaveMetadata(context.Background(), metas, []string{"int-1", "int-2"}))

	got, recent, err := client.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"int-1", "int-2"}, recent)
	// Oldest context first.
	require.Len(t, got, 2)
	require.Equal(t, metas[1], got[0])
	require.Equal(t, metas[0], got[1])
}

func TestSaveReplacesSnapshot(t *testing.T) {
	client := mustNewTestClient()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	a := workctx.ContextMeta{
		ID: "ctx-a", Type: workctx.TypeIdentity, Scope: workctx.ScopePersisted,
		Threshold: 1, CreatedAt: now, LastActivity: now,
	}
	b := workctx.ContextMeta{
		ID: "ctx-b", Type: workctx.TypeLearning, Scope: workctx.ScopePersisted,
		Threshold: 20, CreatedAt: now, LastActivity: now,
	}
	require.NoError(t, client.SaveMetadata(context.Background(), []workctx.ContextMeta{a, b}, []string{"int-1"}))
	require.NoError(t, client.SaveMetadata(context.Background(), []workctx.ContextMeta{b}, []string{"int-2"}))

	got, recent, err := client.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "ctx-b", got[0].ID)
	require.Equal(t, []string{"int-2"}, recent)
}

func TestSaveEmptySnapshotClearsContexts(t *testing.T) {
	client := mustNewTestClient()
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	a := workctx.ContextMeta{
		ID: "ctx-a", Type: workctx.TypeIdentity, Scope: workctx.ScopePersisted,
		Threshold: 1, CreatedAt: now, LastActivity: now,
	}
	require.NoError(t, client.SaveMetadata(context.Background(), []workctx.ContextMeta{a}, []string{"int-1"}))
	require.NoError(t, client.SaveMetadata(context.Background(), nil, nil))

	got, recent, err := client.LoadMetadata(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, recent)
}

func TestSaveMetadataRequiresContextID(t *testing.T) {
	client := mustNewTestClient()
	err := client.SaveMetadata(context.Background(), []workctx.ContextMeta{{}}, nil)
	require.EqualError(t, err, "context id is required")
}

func mustNewTestClient() *client {
	fc := newFakeCollection()
	cl, err := newClientWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

// fakeCollection is a lightweight in-memory collection that mimics the subset
// of MongoDB behavior exercised by the client.
type fakeCollection struct {
	mu           sync.Mutex
	indexCreated bool
	contexts     map[string]contextDocument
	recent       *recentDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{contexts: make(map[string]contextDocument)}
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	if f["_id"] == recentDocID {
		if c.recent == nil {
			return fakeSingleResult{err: mongodriver.ErrNoDocuments}
		}
		clone := *c.recent
		clone.InteractionIDs = append([]string(nil), c.recent.InteractionIDs...)
		return fakeSingleResult{doc: &clone}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := make([]contextDocument, 0, len(c.contexts))
	for _, doc := range c.contexts {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ContextID < docs[j].ContextID
	})
	return &fakeCursor{docs: docs}, nil
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	up, _ := update.(bson.M)
	if id, ok := f["context_id"].(string); ok {
		doc, ok := up["$set"].(contextDocument)
		if !ok {
			return nil, errors.New("unsupported context update")
		}
		doc.Metadata = cloneMeta(doc.Metadata)
		c.contexts[id] = doc
		return &mongodriver.UpdateResult{MatchedCount: 1}, nil
	}
	if f["_id"] == recentDocID {
		set, _ := up["$set"].(bson.M)
		ids, _ := set["interaction_ids"].([]string)
		at, _ := set["updated_at"].(time.Time)
		c.recent = &recentDocument{
			InteractionIDs: append([]string(nil), ids...),
			UpdatedAt:      at,
		}
		return &mongodriver.UpdateResult{MatchedCount: 1}, nil
	}
	return nil, errors.New("unsupported filter")
}

func (c *fakeCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	inner, _ := f["context_id"].(bson.M)
	keep, _ := inner["$nin"].([]string)
	var deleted int64
	for id := range c.contexts {
		if !containsID(keep, id) {
			delete(c.contexts, id)
			deleted++
		}
	}
	return &mongodriver.DeleteResult{DeletedCount: deleted}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.mu.Lock()
	v.parent.indexCreated = true
	v.parent.mu.Unlock()
	return "idx_context_id", nil
}

type fakeSingleResult struct {
	doc *recentDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	dest, ok := val.(*recentDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = *r.doc
	return nil
}

type fakeCursor struct {
	docs []contextDocument
	idx  int
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	dest, ok := val.(*contextDocument)
	if !ok {
		return errors.New("unsupported decode target")
	}
	*dest = c.docs[c.idx-1]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
