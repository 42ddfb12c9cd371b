// Package engine assembles the assistant runtime. One Engine owns every
// singleton — module registry, router, working-context manager, session
// hierarchy, state machine, pipeline coordinator, event bus and deferred
// queue — builds them in New with the dependencies wired explicitly, and
// drives them through HandleInput.
//
// The runtime is event-shaped: HandleInput classifies the input, spawns the
// right child session and opens a pipeline cycle, then returns. The cycle
// advances as modules report layer completions through the queue; the engine's
// own bus subscriber folds produced outputs back into the session tree. The
// lifecycle is explicit: Init restores persisted state and opens intake,
// Shutdown drains and writes the final snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/pipeline"
	"github.com/aura-ai/aura/runtime/assistant/router"
	"github.com/aura-ai/aura/runtime/assistant/scheduler"
	"github.com/aura-ai/aura/runtime/assistant/session"
	"github.com/aura-ai/aura/runtime/assistant/state"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

var (
	// ErrNotStarted is returned by HandleInput before Init.
	ErrNotStarted = errors.New("engine not initialized")
	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)

type (
	// Options configure an Engine. All fields are optional: nil stores keep
	// state in memory, nil telemetry selects the no-op implementations, and
	// the zero Config keeps every component default.
	Options struct {
		// Config supplies the runtime tunables.
		Config Config
		// SessionStore persists finished interactions and their records.
		SessionStore session.Store
		// MetadataStore persists working-context metadata across restarts.
		MetadataStore workctx.MetadataStore
		// KV is the global key/value backend shared across modules.
		KV workctx.KV
		// RouteMode selects the router's planning mode. Empty picks
		// ModeStrategy when Strategy is set, ModeConditional when Rules are
		// set, and capability-strategy planning otherwise.
		RouteMode router.Mode
		// Strategy plans routes in strategy mode.
		Strategy router.RouteStrategy
		// Rules are the conditional-mode route rules, evaluated in order.
		Rules []router.Rule
		// Logger receives structured logs.
		Logger telemetry.Logger
		// Metrics receives counters and timers.
		Metrics telemetry.Metrics
	}

	// Engine is the assembled runtime. The component fields are live
	// singletons shared with the engine itself; callers may read through them
	// (and register modules on Registry) but must leave lifecycle to
	// Init/Shutdown.
	Engine struct {
		Bus       events.Bus
		Queue     *events.Queue
		Scheduler *scheduler.Pool
		Registry  *modregistry.Registry
		Router    *router.Router
		Contexts  *workctx.Manager
		Sessions  *session.Hierarchy
		Machine   *state.Machine
		Pipeline  *pipeline.Coordinator

		cfg     Config
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		started bool
		closed  bool
		// pending stashes the utterance each open cycle is answering, keyed
		// by interaction id, until the output event pairs them into a turn.
		pending map[string]pendingInput
		subs    []events.Subscription
	}

	// pendingInput is one stashed utterance awaiting its reply.
	pendingInput struct {
		text   string
		intent router.IntentKind
		at     time.Time
	}
)

const (
	defaultSweepInterval = time.Minute

	// identityKey is the global-store key naming the active user identity.
	identityKey = "current_identity"
	// defaultIdentity seeds conversations when no identity is known yet.
	defaultIdentity = "default_user"
)

// New assembles the runtime. The returned engine accepts module registrations
// immediately; call Init before the first HandleInput.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	cfg := opts.Config

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		pending: make(map[string]pendingInput),
	}

	e.Bus = events.NewBus()
	e.Queue = events.NewQueue(e.Bus, events.QueueOptions{
		Workers: cfg.Queue.Workers,
		Buffer:  cfg.Queue.Buffer,
		History: cfg.Queue.History,
		Logger:  logger,
	})
	e.Scheduler = scheduler.NewPool(logger)
	e.Registry = modregistry.New(modregistry.Options{
		Logger: logger,
		Events: e.Queue,
	})
	e.Contexts = workctx.New(workctx.Options{
		Store:   opts.MetadataStore,
		KV:      opts.KV,
		Events:  e.Queue,
		Logger:  logger,
		Metrics: metrics,
	})
	e.Sessions = session.New(session.Options{
		Store:   opts.SessionStore,
		Events:  e.Queue,
		Logger:  logger,
		Metrics: metrics,
		Conversation: session.ConversationDefaults{
			MaxTurns:         cfg.Conversation.MaxTurns,
			ContextWindow:    cfg.Conversation.ContextWindow,
			SnapshotInterval: cfg.Conversation.SnapshotInterval,
		},
		Task: session.TaskDefaults{
			MaxSteps:    cfg.Task.MaxSteps,
			IdleTimeout: cfg.Task.IdleTimeout,
		},
	})

	mode, strategy := routePlanning(opts)
	e.Router = router.New(router.Options{
		Mode:     mode,
		Strategy: strategy,
		Rules:    opts.Rules,
		Registry: e.Registry,
		Logger:   logger,
	})
	e.Machine = state.NewMachine(state.Options{
		Sessions: sessionControl{e},
		Seed:     e.identitySeed,
		Grace:    cfg.ErrorGrace,
		Events:   e.Queue,
		Logger:   logger,
		Metrics:  metrics,
	})
	e.Pipeline = pipeline.New(pipeline.Options{
		Registry:    e.Registry,
		Router:      e.Router,
		Scheduler:   e.Scheduler,
		Events:      e.Queue,
		Context:     e.routeContext,
		Logger:      logger,
		Metrics:     metrics,
		Timeout:     cfg.Pipeline.InvokeTimeout,
		HistoryCap:  cfg.Pipeline.HistoryCap,
		HistoryTrim: cfg.Pipeline.HistoryTrim,
		DedupeCap:   cfg.Pipeline.DedupeCap,
	})

	// The coordinator registers first so a layer completion advances the
	// pipeline before the engine's reactor observes its consequences.
	coordSub, _ := e.Bus.Register(e.Pipeline)
	reactSub, _ := e.Bus.Register(events.SubscriberFunc(e.react))
	e.subs = append(e.subs, coordSub, reactSub)
	return e
}

// Init restores persisted state and opens input intake: working-context
// metadata is loaded, every registered module is initialized (a failing module
// is disabled, never fatal), and the background expiry sweeper starts. Init is
// idempotent until Shutdown.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.Contexts.Restore(ctx); err != nil {
		return fmt.Errorf("restore context metadata: %w", err)
	}
	mods := e.Registry.Modules()
	for _, mod := range mods {
		if err := mod.Init(ctx); err != nil {
			e.logger.Warn(ctx, "module init failed, disabling",
				"module_id", mod.ID(), "err", err.Error())
			if serr := e.Registry.SetState(mod.ID(), modregistry.StateDisabled); serr != nil {
				e.logger.Warn(ctx, "disable module failed", "module_id", mod.ID(), "err", serr.Error())
			}
		}
	}
	if e.cfg.SweepInterval >= 0 {
		interval := e.cfg.SweepInterval
		if interval == 0 {
			interval = defaultSweepInterval
		}
		// The sweeper outlives the Init call; the pool cancels it at Close.
		_, err := scheduler.Submit(e.Scheduler, context.Background(), "expiry_sweeper", 0,
			func(taskCtx context.Context) (struct{}, error) {
				e.sweep(taskCtx, interval)
				return struct{}{}, nil
			})
		if err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}
	e.logger.Info(ctx, "engine initialized", "modules", len(mods))
	return nil
}

// Shutdown stops intake, ends the current interaction, drains the deferred
// event queue, shuts modules down and writes the final metadata snapshot.
// Safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if cur, ok := e.Sessions.Current(); ok {
		if _, err := e.Sessions.EndInteraction(ctx, cur.ID, map[string]any{"reason": "shutdown"}); err != nil {
			e.logger.Warn(ctx, "end interaction failed during shutdown",
				"interaction_id", cur.ID, "err", err.Error())
		}
	}
	e.Queue.Close()
	e.Scheduler.Close()
	for _, sub := range e.subs {
		_ = sub.Close()
	}
	for _, mod := range e.Registry.Modules() {
		if err := mod.Shutdown(ctx); err != nil {
			e.logger.Warn(ctx, "module shutdown failed", "module_id", mod.ID(), "err", err.Error())
		}
	}
	if err := e.Contexts.Flush(ctx); err != nil {
		return fmt.Errorf("flush context metadata: %w", err)
	}
	e.logger.Info(ctx, "engine shut down")
	return nil
}

// EndInteraction finishes the current logical turn: any active child session
// is ended and its summary folded first, then the interaction closes and the
// state machine reconciles with the remaining session population.
func (e *Engine) EndInteraction(ctx context.Context, interactionID string, final map[string]any) (session.Interaction, error) {
	in, err := e.Sessions.EndInteraction(ctx, interactionID, final)
	if err != nil {
		return session.Interaction{}, err
	}
	e.Machine.Sync(ctx, stateCounts(e.Sessions.Counts()))
	return in, nil
}

// running gates input handling on the lifecycle phase.
func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// sweep runs the periodic expiry pass: expired tasks and per-interaction
// contexts are swept, an expired current child is folded, and the mode is
// resynced with what remains.
func (e *Engine) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept := e.Sessions.SweepExpired(now) + e.Contexts.SweepExpired(now)
			if swept == 0 {
				continue
			}
			e.logger.Info(ctx, "expired state swept", "count", swept)
			if cur, ok := e.Sessions.Current(); ok && cur.ChildKind == session.ChildTask {
				if task, ok := e.Sessions.Task(cur.ChildID); ok && task.Status == session.TaskExpired {
					if err := e.Sessions.EndChild(ctx, cur.ID, "expired"); err != nil {
						e.logger.Warn(ctx, "end expired task failed",
							"interaction_id", cur.ID, "err", err.Error())
					}
				}
			}
			e.Machine.Sync(ctx, stateCounts(e.Sessions.Counts()))
		}
	}
}

// routeContext assembles the router's situational view for a session: the
// current mode, whether any working context is live, and the recent turns of
// an attached conversation.
func (e *Engine) routeContext(sessionID string) router.RouteContext {
	rctx := router.RouteContext{Mode: string(e.Machine.Mode())}
	for _, c := range e.Contexts.List() {
		if c.Status == workctx.StatusActive {
			rctx.HasWorkingContext = true
			break
		}
	}
	in, ok := e.Sessions.Interaction(sessionID)
	if !ok {
		return rctx
	}
	rctx.HasActiveSession = in.ChildKind != session.ChildNone
	if in.ChildKind == session.ChildConversation {
		if turns, err := e.Sessions.RecentTurns(in.ChildID, 0); err == nil {
			for _, t := range turns {
				rctx.RecentTurns = append(rctx.RecentTurns, t.Input)
			}
		}
	}
	return rctx
}

// identitySeed resolves the conversation seed used when a Chat transition
// carries none: the identity from the global store, the active identity
// context's metadata, or the default user.
func (e *Engine) identitySeed(ctx context.Context) string {
	if v, ok, err := e.Contexts.GlobalValue(ctx, identityKey); err == nil && ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c, ok := e.Contexts.Active(workctx.TypeIdentity); ok {
		if s, ok := c.Metadata["identity"].(string); ok && s != "" {
			return s
		}
	}
	return defaultIdentity
}

func (e *Engine) stash(interactionID string, intent router.Intent) {
	e.mu.Lock()
	e.pending[interactionID] = pendingInput{text: intent.Text, intent: intent.Kind, at: time.Now()}
	e.mu.Unlock()
}

func (e *Engine) takePending(interactionID string) (pendingInput, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[interactionID]
	if ok {
		delete(e.pending, interactionID)
	}
	return p, ok
}

func (e *Engine) clearPending(interactionID string) {
	e.mu.Lock()
	delete(e.pending, interactionID)
	e.mu.Unlock()
}

// routePlanning resolves the router mode and strategy from the options. The
// engine default is capability-strategy planning: a live registry is always
// available to feed it, and a plan it cannot fill degrades to the router's
// direct table.
func routePlanning(opts Options) (router.Mode, router.RouteStrategy) {
	mode := opts.RouteMode
	strategy := opts.Strategy
	if mode == "" {
		switch {
		case strategy != nil:
			mode = router.ModeStrategy
		case len(opts.Rules) > 0:
			mode = router.ModeConditional
		default:
			mode = router.ModeStrategy
		}
	}
	if mode == router.ModeStrategy && strategy == nil {
		strategy = router.NewCapabilityStrategy()
	}
	return mode, strategy
}

func stateCounts(c session.Counts) state.Counts {
	return state.Counts{
		Interactions:  c.Interactions,
		Conversations: c.Conversations,
		Tasks:         c.Tasks,
	}
}

// sessionControl adapts the hierarchy to the state machine's side-effect
// contract. The engine attaches children itself before setting the mode, so
// every method is idempotent: a session already in the requested shape is left
// alone.
type sessionControl struct{ e *Engine }

func (s sessionControl) StartConversation(ctx context.Context, seed string) error {
	cur, ok := s.e.Sessions.Current()
	if !ok {
		var err error
		cur, err = s.e.Sessions.StartInteraction(ctx, session.TriggerSystemEvent)
		if err != nil {
			return err
		}
	}
	if cur.ChildKind == session.ChildConversation {
		return nil
	}
	_, err := s.e.Sessions.AttachConversation(ctx, cur.ID, seed)
	if errors.Is(err, session.ErrChildActive) {
		if cur, ok := s.e.Sessions.Current(); ok && cur.ChildKind == session.ChildConversation {
			return nil
		}
	}
	return err
}

func (s sessionControl) StartTask(ctx context.Context, command string) error {
	cur, ok := s.e.Sessions.Current()
	if !ok {
		var err error
		cur, err = s.e.Sessions.StartInteraction(ctx, session.TriggerSystemEvent)
		if err != nil {
			return err
		}
	}
	if cur.ChildKind == session.ChildTask {
		return nil
	}
	_, err := s.e.Sessions.AttachTask(ctx, cur.ID, command, "")
	if errors.Is(err, session.ErrChildActive) {
		if cur, ok := s.e.Sessions.Current(); ok && cur.ChildKind == session.ChildTask {
			return nil
		}
	}
	return err
}

func (s sessionControl) ClearCurrent(ctx context.Context) error {
	cur, ok := s.e.Sessions.Current()
	if !ok || cur.ChildKind == session.ChildNone {
		return nil
	}
	if err := s.e.Sessions.EndChild(ctx, cur.ID, "mode_idle"); err != nil && !errors.Is(err, session.ErrNoActiveChild) {
		return err
	}
	return nil
}
