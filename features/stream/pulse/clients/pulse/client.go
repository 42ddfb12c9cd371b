// Package pulse provides a thin wrapper around Pulse streams for the engine
// event mirror. Callers build a Redis client, pass it to New, and receive a
// typed interface exposing only the operations the stream sink and subscriber
// need. Stream handles are cached per name because the mirror resolves the
// target stream on every published event.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the event mirror.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed. Handles are cached; repeated calls with the same name and no
		// extra options return the same handle.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close drops cached handles. Callers own the Redis connection, so no
		// connection is closed here.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish engine events and read
	// them back through a consumer group.
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the entry ID assigned by Redis (e.g. "1234567890-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a Pulse sink (consumer group) on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and all its entries from Redis.
		Destroy(ctx context.Context) error
	}

	// Sink mirrors the subset of Pulse streaming sinks used to consume the
	// event mirror.
	Sink interface {
		// Subscribe returns a channel emitting events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}
)

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration

	mu      sync.Mutex
	handles map[string]*handle
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		handles: make(map[string]*handle),
	}, nil
}

// Stream returns the cached handle for name, opening the stream on first use.
// Passing extra options rebuilds the handle and replaces the cached one.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[name]; ok && len(opts) == 0 {
		return h, nil
	}
	streamOptions := make([]streamopts.Stream, 0, len(opts)+1)
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	h := &handle{name: name, owner: c, stream: str, timeout: c.timeout}
	c.handles[name] = h
	return h, nil
}

// Close drops all cached stream handles. The Redis connection stays open; its
// lifecycle belongs to the caller.
func (c *client) Close(context.Context) error {
	c.mu.Lock()
	c.handles = make(map[string]*handle)
	c.mu.Unlock()
	return nil
}

// forget removes the named handle from the cache after a Destroy.
func (c *client) forget(name string) {
	c.mu.Lock()
	delete(c.handles, name)
	c.mu.Unlock()
}

// handle wraps a Pulse stream and applies optional timeouts to operations.
type handle struct {
	name    string
	owner   *client
	stream  *streaming.Stream
	timeout time.Duration
}

// Add publishes an event to the stream with an optional timeout.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// NewSink creates a consumer group on the stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: sink}, nil
}

// Destroy deletes the stream from Redis and evicts the cached handle, so a
// later Stream call with the same name starts fresh.
func (h *handle) Destroy(ctx context.Context) error {
	h.owner.forget(h.name)
	return h.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink to the Sink interface.
type sinkAdapter struct {
	*streaming.Sink
}

// Close delegates to the underlying Pulse sink.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
