// Package mongo implements the low-level MongoDB client used by the
// context-metadata store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

const (
	defaultCollection = "context_metadata"
	defaultTimeout    = 5 * time.Second
	clientName        = "contextmeta-mongo"

	// recentDocID keys the singleton document holding the rolling list of
	// recent interaction ids. It shares the collection with the per-context
	// documents, which are keyed by their context_id field instead.
	recentDocID = "recent_interactions"
)

// Client exposes Mongo-backed operations for context-metadata snapshots.
type Client interface {
	health.Pinger

	SaveMetadata(ctx context.Context, metas []workctx.ContextMeta, recentInteractions []string) error
	LoadMetadata(ctx context.Context) ([]workctx.ContextMeta, []string, error)
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveMetadata(ctx context.Context, metas []workctx.ContextMeta, recentInteractions []string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		if m.ID == "" {
			return errors.New("context id is required")
		}
		ids = append(ids, m.ID)
		filter := bson.M{"context_id": m.ID}
		update := bson.M{"$set": toContextDocument(m, now)}
		if _, err := c.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
			return err
		}
	}

	// Drop context documents no longer present in the snapshot. The $exists
	// guard keeps the singleton recent-interactions document out of reach.
	stale := bson.M{"context_id": bson.M{"$exists": true, "$nin": ids}}
	if _, err := c.coll.DeleteMany(ctx, stale); err != nil {
		return err
	}

	update := bson.M{"$set": bson.M{
		"interaction_ids": append([]string{}, recentInteractions...),
		"updated_at":      now,
	}}
	_, err := c.coll.UpdateOne(ctx, bson.M{"_id": recentDocID}, update, options.Update().SetUpsert(true))
	return err
}

func (c *client) LoadMetadata(ctx context.Context) ([]workctx.ContextMeta, []string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"context_id": bson.M{"$exists": true}}
	cur, err := c.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var metas []workctx.ContextMeta
	for cur.Next(ctx) {
		var doc contextDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, nil, err
		}
		metas = append(metas, doc.toMeta())
	}
	if err := cur.Err(); err != nil {
		return nil, nil, err
	}

	var recent recentDocument
	if err := c.coll.FindOne(ctx, bson.M{"_id": recentDocID}).Decode(&recent); err != nil {
		if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil, err
		}
	}
	return metas, recent.InteractionIDs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type contextDocument struct {
	ContextID    string         `bson:"context_id"`
	Type         string         `bson:"type"`
	Scope        string         `bson:"scope"`
	Threshold    int            `bson:"threshold"`
	Timeout      time.Duration  `bson:"timeout"`
	SampleCount  int            `bson:"sample_count"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	LastActivity time.Time      `bson:"last_activity"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

type recentDocument struct {
	InteractionIDs []string  `bson:"interaction_ids"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toContextDocument(m workctx.ContextMeta, now time.Time) contextDocument {
	return contextDocument{
		ContextID:    m.ID,
		Type:         string(m.Type),
		Scope:        string(m.Scope),
		Threshold:    m.Threshold,
		Timeout:      m.Timeout,
		SampleCount:  m.SampleCount,
		Metadata:     cloneMeta(m.Metadata),
		CreatedAt:    m.CreatedAt.UTC(),
		LastActivity: m.LastActivity.UTC(),
		UpdatedAt:    now,
	}
}

func (d contextDocument) toMeta() workctx.ContextMeta {
	return workctx.ContextMeta{
		ID:           d.ContextID,
		Type:         workctx.Type(d.Type),
		Scope:        workctx.Scope(d.Scope),
		Threshold:    d.Threshold,
		Timeout:      d.Timeout,
		SampleCount:  d.SampleCount,
		Metadata:     cloneMeta(d.Metadata),
		CreatedAt:    d.CreatedAt,
		LastActivity: d.LastActivity,
	}
}

func cloneMeta(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	// Partial so the singleton recent-interactions document, which carries
	// no context_id, stays outside the unique constraint.
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "context_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"context_id": bson.M{"$exists": true}}),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
