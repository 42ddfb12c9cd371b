// Package state drives the assistant's top-level operating mode. The machine
// owns the current Mode, runs per-mode session side effects through an
// injected SessionControl, fans transitions out to change subscribers, and
// recovers from ModeError after a grace period.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

// Mode is the assistant's operating mode.
type Mode string

const (
	// ModeIdle means nothing is in progress.
	ModeIdle Mode = "idle"
	// ModeChat means a conversation is running.
	ModeChat Mode = "chat"
	// ModeWork means a task is executing.
	ModeWork Mode = "work"
	// ModeMischief is the autonomous play mode.
	ModeMischief Mode = "mischief"
	// ModeSleep is the low-activity rest mode.
	ModeSleep Mode = "sleep"
	// ModeError means the last transition's side effect failed; the machine
	// returns to Idle after the grace period unless something else
	// transitions first.
	ModeError Mode = "mode_error"
)

// String returns the mode name.
func (m Mode) String() string { return string(m) }

func (m Mode) valid() bool {
	switch m {
	case ModeIdle, ModeChat, ModeWork, ModeMischief, ModeSleep, ModeError:
		return true
	}
	return false
}

// ErrUnknownMode is returned for modes outside the enum.
var ErrUnknownMode = errors.New("unknown mode")

type (
	// SessionControl is the session-side contract the machine drives on mode
	// entry: Chat starts (or resumes) a conversation, Work starts a task,
	// Idle clears the current child session. Implementations must be
	// idempotent; entering Chat while a conversation already runs is a no-op.
	SessionControl interface {
		StartConversation(ctx context.Context, seed string) error
		StartTask(ctx context.Context, command string) error
		ClearCurrent(ctx context.Context) error
	}

	// Counts summarizes the live session population for Sync.
	Counts struct {
		Interactions  int
		Conversations int
		Tasks         int
	}

	// ChangeFunc observes a completed transition.
	ChangeFunc func(from, to Mode, reason string)

	// Subscription detaches a change subscriber. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Options configures a Machine.
	Options struct {
		// Sessions receives the per-mode side effects. Nil disables them.
		Sessions SessionControl
		// Seed supplies the conversation seed when a Chat transition carries
		// none, typically an identity lookup in the context store. Nil means
		// no seed.
		Seed func(ctx context.Context) string
		// Grace is how long the machine stays in ModeError before recovering
		// to Idle. Zero selects 5s; negative disables recovery.
		Grace time.Duration
		// Events receives StateChangedEvents. Nil disables publishing.
		Events events.Publisher
		// Logger receives transition activity. Nil selects no-op.
		Logger telemetry.Logger
		// Metrics counts transitions. Nil selects no-op.
		Metrics telemetry.Metrics
	}

	// Machine is the mode state machine. Safe for concurrent use; change
	// callbacks and side effects run outside the lock.
	Machine struct {
		sessions SessionControl
		seed     func(ctx context.Context) string
		grace    time.Duration
		events   events.Publisher
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu         sync.Mutex
		mode       Mode
		subs       []*changeSub
		graceTimer *time.Timer
	}

	changeSub struct {
		m    *Machine
		fn   ChangeFunc
		once sync.Once
	}
)

// NewMachine constructs a Machine starting in Idle.
func NewMachine(opts Options) *Machine {
	grace := opts.Grace
	if grace == 0 {
		grace = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Machine{
		sessions: opts.Sessions,
		seed:     opts.Seed,
		grace:    grace,
		events:   opts.Events,
		logger:   logger,
		metrics:  metrics,
		mode:     ModeIdle,
	}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// OnChange registers a transition observer. Callbacks run on the goroutine
// that performed the transition, after the swap.
func (m *Machine) OnChange(fn ChangeFunc) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("change func is required")
	}
	s := &changeSub{m: m, fn: fn}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
	return s, nil
}

// Set transitions to mode and runs its session side effect. Setting the
// current mode again is a no-op. Recognized meta keys: "reason" annotates the
// transition, "seed" seeds a Chat conversation, "command" names the Work
// task. A side-effect failure flips the machine to ModeError and is returned.
func (m *Machine) Set(ctx context.Context, mode Mode, meta map[string]any) error {
	if !mode.valid() {
		return fmt.Errorf("%q: %w", mode, ErrUnknownMode)
	}
	changed, from := m.swap(mode)
	if !changed {
		return nil
	}
	m.afterSwap(ctx, from, mode, metaString(meta, "reason"))

	if err := m.enter(ctx, mode, meta); err != nil {
		if failed, prev := m.swap(ModeError); failed {
			m.afterSwap(ctx, prev, ModeError, err.Error())
		}
		return fmt.Errorf("enter %s: %w", mode, err)
	}
	return nil
}

// Sync reconciles the mode with the live session population: tasks imply
// Work, conversations imply Chat, neither implies Idle. Sync never runs side
// effects; it reflects sessions that already exist.
func (m *Machine) Sync(ctx context.Context, c Counts) Mode {
	target := ModeIdle
	switch {
	case c.Tasks > 0:
		target = ModeWork
	case c.Conversations > 0:
		target = ModeChat
	}
	if changed, from := m.swap(target); changed {
		m.afterSwap(ctx, from, target, "session_sync")
	}
	return target
}

// OnEvent reacts to a processed input: chat intents enter Chat, successful
// commands enter Work, failed commands enter ModeError, anything else
// returns to Idle. The returned mode is the target, even when entering it
// failed.
func (m *Machine) OnEvent(ctx context.Context, intentKind string, success bool) (Mode, error) {
	switch intentKind {
	case "chat":
		return ModeChat, m.Set(ctx, ModeChat, nil)
	case "command":
		if success {
			return ModeWork, m.Set(ctx, ModeWork, nil)
		}
		return ModeError, m.Set(ctx, ModeError, map[string]any{"reason": "command_failed"})
	default:
		return ModeIdle, m.Set(ctx, ModeIdle, nil)
	}
}

// swap commits the mode change under lock, managing the error grace timer.
func (m *Machine) swap(mode Mode) (bool, Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.mode
	if from == mode {
		return false, from
	}
	m.mode = mode
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	if mode == ModeError && m.grace > 0 {
		m.graceTimer = time.AfterFunc(m.grace, m.recoverFromError)
	}
	return true, from
}

// afterSwap runs the post-transition fan-out: subscribers, event, metrics.
func (m *Machine) afterSwap(ctx context.Context, from, to Mode, reason string) {
	m.mu.Lock()
	subs := make([]ChangeFunc, len(m.subs))
	for i, s := range m.subs {
		subs[i] = s.fn
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(from, to, reason)
	}
	m.logger.Info(ctx, "mode changed", "from", from.String(), "to", to.String(), "reason", reason)
	m.metrics.IncCounter("state_transitions_total", 1, "to", to.String())
	if m.events != nil {
		if err := m.events.Publish(ctx, events.NewStateChangedEvent(from.String(), to.String(), reason)); err != nil {
			m.logger.Warn(ctx, "event publish failed", "type", string(events.StateChanged), "err", err.Error())
		}
	}
}

// enter runs the side effect for the mode just entered.
func (m *Machine) enter(ctx context.Context, mode Mode, meta map[string]any) error {
	if m.sessions == nil {
		return nil
	}
	switch mode {
	case ModeChat:
		seed := metaString(meta, "seed")
		if seed == "" && m.seed != nil {
			seed = m.seed(ctx)
		}
		return m.sessions.StartConversation(ctx, seed)
	case ModeWork:
		return m.sessions.StartTask(ctx, metaString(meta, "command"))
	case ModeIdle:
		return m.sessions.ClearCurrent(ctx)
	}
	return nil
}

// recoverFromError returns the machine to Idle when the grace period elapses
// with the machine still in ModeError. The Idle side effect runs with errors
// absorbed; recovery must not re-enter the error state.
func (m *Machine) recoverFromError() {
	ctx := context.Background()
	m.mu.Lock()
	if m.mode != ModeError {
		m.mu.Unlock()
		return
	}
	m.mode = ModeIdle
	m.graceTimer = nil
	m.mu.Unlock()

	m.afterSwap(ctx, ModeError, ModeIdle, "error_grace_recovery")
	if m.sessions != nil {
		if err := m.sessions.ClearCurrent(ctx); err != nil {
			m.logger.Warn(ctx, "clear current session failed during recovery", "err", err.Error())
		}
	}
}

func (s *changeSub) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		for i, cur := range s.m.subs {
			if cur == s {
				s.m.subs = append(s.m.subs[:i], s.m.subs[i+1:]...)
				break
			}
		}
		s.m.mu.Unlock()
	})
	return nil
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
