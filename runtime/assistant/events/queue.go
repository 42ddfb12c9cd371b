package events

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

// ErrQueueClosed is returned by Publish after Close has been called.
var ErrQueueClosed = errors.New("event queue is closed")

const (
	defaultWorkers = 2
	defaultBuffer  = 256
	defaultHistory = 100
)

type (
	// QueueOptions configures a Queue. Zero values select the defaults noted
	// on each field.
	QueueOptions struct {
		// Workers is the number of dispatch goroutines. Defaults to 2.
		Workers int
		// Buffer is the per-worker channel capacity. Defaults to 256.
		Buffer int
		// History is the size of the retained event ring used for
		// debugging. Defaults to 100.
		History int
		// Logger receives delivery errors. Deferred dispatch has no caller to
		// return errors to, so the queue is the boundary that absorbs and
		// logs them. Defaults to the no-op logger.
		Logger telemetry.Logger
	}

	// Queue dispatches events to a Bus asynchronously through a fixed worker
	// pool. Events carrying the same session identifier are routed to the
	// same worker, so delivery order within a session matches publish order.
	// Engine-global events (empty session) share one worker and stay ordered
	// among themselves.
	Queue struct {
		bus    Bus
		logger telemetry.Logger

		// mu guards closed and serializes Publish against Close so channel
		// sends never race channel close.
		mu     sync.RWMutex
		closed bool

		chans []chan Event
		wg    sync.WaitGroup

		histMu  sync.Mutex
		history []Event
		histCap int
	}
)

// NewQueue constructs a Queue delivering to bus and starts its workers.
// Callers must Close the queue to release them.
func NewQueue(bus Bus, opts QueueOptions) *Queue {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	histCap := opts.History
	if histCap <= 0 {
		histCap = defaultHistory
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	q := &Queue{
		bus:     bus,
		logger:  logger,
		chans:   make([]chan Event, workers),
		histCap: histCap,
	}
	for i := range q.chans {
		q.chans[i] = make(chan Event, buffer)
		q.wg.Add(1)
		go q.worker(q.chans[i])
	}
	return q
}

// Publish enqueues the event for deferred delivery, blocking until the event
// is accepted or ctx is done. Returns ErrQueueClosed after Close.
func (q *Queue) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.chanFor(event.SessionID()) <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishSync bypasses the worker pool and delivers the event on the calling
// goroutine, returning any subscriber error directly to the caller. Used when
// the publisher must observe delivery failures, e.g. metadata persistence.
func (q *Queue) PublishSync(ctx context.Context, event Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	q.record(event)
	return q.bus.Publish(ctx, event)
}

// History returns a copy of the most recent dispatched events, oldest first.
func (q *Queue) History() []Event {
	q.histMu.Lock()
	defer q.histMu.Unlock()
	out := make([]Event, len(q.history))
	copy(out, q.history)
	return out
}

// Close stops intake, waits for buffered events to drain, and stops the
// workers. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	for _, ch := range q.chans {
		close(ch)
	}
	q.wg.Wait()
}

// chanFor selects the worker channel for a session. FNV-1a keeps the mapping
// stable so a session's events always land on the same worker.
func (q *Queue) chanFor(sessionID string) chan Event {
	if len(q.chans) == 1 || sessionID == "" {
		return q.chans[0]
	}
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return q.chans[int(h.Sum32())%len(q.chans)]
}

func (q *Queue) worker(ch chan Event) {
	defer q.wg.Done()
	for event := range ch {
		q.dispatch(event)
	}
}

// dispatch records the event and fans it out. Deferred delivery outlives the
// publisher's context, so a fresh background context is used.
func (q *Queue) dispatch(event Event) {
	q.record(event)
	if err := q.bus.Publish(context.Background(), event); err != nil {
		q.logger.Error(context.Background(), "event delivery failed",
			"type", string(event.Type()),
			"session_id", event.SessionID(),
			"err", err.Error(),
		)
	}
}

func (q *Queue) record(event Event) {
	q.histMu.Lock()
	defer q.histMu.Unlock()
	if len(q.history) == q.histCap {
		copy(q.history, q.history[1:])
		q.history[len(q.history)-1] = event
		return
	}
	q.history = append(q.history, event)
}
