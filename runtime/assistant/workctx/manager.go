package workctx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

type (
	// Options configures a Manager. Every field is optional; nil selects the
	// noted default.
	Options struct {
		// Store persists context metadata. Nil disables persistence.
		Store MetadataStore
		// KV is the global key/value backend. Nil selects MemoryKV.
		KV KV
		// Events receives decision and inquiry events. Nil disables
		// publishing.
		Events events.Publisher
		// Logger receives absorbed errors. Nil selects the no-op logger.
		Logger telemetry.Logger
		// Metrics records append/decision counters. Nil selects no-op.
		Metrics telemetry.Metrics
		// MaxItems caps the item slice of never-swept contexts
		// (ProcessLifetime and Persisted scopes); the oldest items are
		// dropped beyond it. Defaults to 1000.
		MaxItems int
		// RecentCap bounds the rolling list of recent interaction ids kept
		// with the persisted metadata. Defaults to 20.
		RecentCap int
		// Defaults overrides the built-in per-type creation parameters.
		Defaults map[Type]Defaults
	}

	// AppendResult reports what an append did: the context it landed in, the
	// item count after the append, the context status, and the decision when
	// this append crossed the threshold.
	AppendResult struct {
		ContextID string
		Count     int
		Status    Status
		// Decision is non-nil exactly when this append fired the threshold
		// decision. Its ResultID carries the handler's result identifier for
		// auto-applied outcomes.
		Decision *Decision
	}

	// Manager owns every working context, the per-type decision handlers, the
	// inquiry subscriber list, and the global KV. All methods are safe for
	// concurrent use. Handlers and subscribers run outside the store lock and
	// may call back into the Manager.
	Manager struct {
		store     MetadataStore
		kv        KV
		events    events.Publisher
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		maxItems  int
		recentCap int
		defaults  map[Type]Defaults

		mu           sync.Mutex
		contexts     map[string]*Context
		activeByType map[Type]string
		handlers     map[Type]Handler
		inquirySubs  []*inquirySub
		recent       []string
	}
)

// New constructs a Manager from opts.
func New(opts Options) *Manager {
	kv := opts.KV
	if kv == nil {
		kv = NewMemoryKV()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 1000
	}
	recentCap := opts.RecentCap
	if recentCap <= 0 {
		recentCap = 20
	}
	return &Manager{
		store:        opts.Store,
		kv:           kv,
		events:       opts.Events,
		logger:       logger,
		metrics:      metrics,
		maxItems:     maxItems,
		recentCap:    recentCap,
		defaults:     opts.Defaults,
		contexts:     make(map[string]*Context),
		activeByType: make(map[Type]string),
		handlers:     make(map[Type]Handler),
	}
}

// Create explicitly creates a context with the given parameters and makes it
// the current context of its type. Fails with ErrContextActive when a live
// context of the type exists. Zero timeout and empty scope fall back to the
// type defaults.
func (m *Manager) Create(ctx context.Context, t Type, threshold int, timeout time.Duration, scope Scope) (string, error) {
	if t == "" {
		return "", errors.New("context type is required")
	}
	if threshold <= 0 {
		return "", errors.New("threshold must be positive")
	}
	def := m.defaultsFor(t)
	if timeout <= 0 {
		timeout = def.Timeout
	}
	if scope == "" {
		scope = def.Scope
	}
	now := time.Now()

	m.mu.Lock()
	if m.activeLocked(t, now) != nil {
		m.mu.Unlock()
		return "", ErrContextActive
	}
	wc := m.createLocked(t, Defaults{Threshold: threshold, Timeout: timeout, Scope: scope}, now)
	id := wc.ID
	persisted := wc.Scope == ScopePersisted
	m.mu.Unlock()

	m.logger.Debug(ctx, "context created", "context_id", id, "type", string(t), "threshold", threshold)
	if persisted {
		if err := m.persist(ctx); err != nil {
			return id, fmt.Errorf("persist context metadata: %w", err)
		}
	}
	return id, nil
}

// Append adds an item to the current context of the given type, auto-creating
// one from the type defaults when none is active. When the append reaches the
// threshold the decision path runs before Append returns and the outcome is
// reported in AppendResult.Decision.
//
// For Persisted-scope contexts the metadata snapshot is written synchronously
// after the append; a write failure is returned alongside the in-memory
// result.
func (m *Manager) Append(ctx context.Context, t Type, payload any, metadata map[string]any) (AppendResult, error) {
	if t == "" {
		return AppendResult{}, errors.New("context type is required")
	}
	now := time.Now()

	m.mu.Lock()
	wc := m.activeLocked(t, now)
	if wc == nil {
		wc = m.createLocked(t, m.defaultsFor(t), now)
	}
	// Never-swept scopes cap their accumulation instead.
	if wc.Scope != ScopePerInteraction && len(wc.Items) >= m.maxItems {
		drop := len(wc.Items) - m.maxItems + 1
		wc.Items = append(wc.Items[:0], wc.Items[drop:]...)
	}
	wc.Items = append(wc.Items, Item{Payload: payload, Metadata: cloneMeta(metadata), At: now})
	if len(metadata) > 0 {
		if wc.Metadata == nil {
			wc.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			wc.Metadata[k] = v
		}
	}
	wc.LastActivity = now

	res := AppendResult{ContextID: wc.ID, Count: len(wc.Items), Status: wc.Status}
	fire := len(wc.Items) >= wc.Threshold
	var snap Snapshot
	if fire {
		wc.Status = StatusPendingDecision
		snap = snapshotLocked(wc)
	}
	persisted := wc.Scope == ScopePersisted
	m.mu.Unlock()

	m.metrics.IncCounter("workctx_appends_total", 1, "type", string(t))
	if fire {
		d := m.runDecision(ctx, snap)
		res.Decision = &d
	}
	m.mu.Lock()
	if cur, ok := m.contexts[res.ContextID]; ok {
		res.Status = cur.Status
	}
	m.mu.Unlock()

	if persisted {
		if err := m.persist(ctx); err != nil {
			return res, fmt.Errorf("persist context metadata: %w", err)
		}
	}
	return res, nil
}

// Resolve completes a NeedsConfirmation decision with the external
// collaborator's choice. The registered handler's Apply commits the choice;
// an Apply failure suspends the context and is returned.
func (m *Manager) Resolve(ctx context.Context, contextID, choice string) error {
	if contextID == "" {
		return errors.New("context id is required")
	}
	m.mu.Lock()
	wc, ok := m.contexts[contextID]
	if !ok {
		m.mu.Unlock()
		return ErrContextNotFound
	}
	if wc.Status != StatusPendingDecision {
		m.mu.Unlock()
		return ErrNotPending
	}
	h := m.handlers[wc.Type]
	snap := snapshotLocked(wc)
	persisted := wc.Scope == ScopePersisted
	m.mu.Unlock()

	if h == nil {
		m.park(ctx, snap, StatusSuspended, "suspended")
		return fmt.Errorf("resolve %s: %w", contextID, ErrNoHandler)
	}
	d := Decision{Kind: DecisionAutoApplied, ResultID: choice, Message: "confirmed"}
	if err := m.apply(ctx, h, snap, d); err != nil {
		m.park(ctx, snap, StatusSuspended, "suspended")
		return fmt.Errorf("apply confirmation for %s: %w", contextID, err)
	}
	m.complete(ctx, snap, "resolved")
	if persisted {
		if err := m.persist(ctx); err != nil {
			return fmt.Errorf("persist context metadata: %w", err)
		}
	}
	return nil
}

// RegisterHandler installs the decision handler for a context type. One
// handler per type; the handler must accept the type.
func (m *Manager) RegisterHandler(t Type, h Handler) error {
	if t == "" {
		return errors.New("context type is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	if !h.CanHandle(t) {
		return fmt.Errorf("handler does not accept type %q", t)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.handlers[t]; dup {
		return ErrHandlerRegistered
	}
	m.handlers[t] = h
	return nil
}

// SubscribeInquiries registers a typed inquiry subscriber. Every subscriber
// receives every inquiry; close the subscription to detach.
func (m *Manager) SubscribeInquiries(sub InquirySubscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &inquirySub{m: m, fn: sub}
	m.mu.Lock()
	m.inquirySubs = append(m.inquirySubs, s)
	m.mu.Unlock()
	return s, nil
}

// Active returns a snapshot of the current context of the given type, if one
// is live. Idle-expired contexts are detached on the way.
func (m *Manager) Active(t Type) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc := m.activeLocked(t, time.Now())
	if wc == nil {
		return Context{}, false
	}
	return clone(wc), true
}

// Get returns a snapshot of the context with the given id.
func (m *Manager) Get(id string) (Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.contexts[id]
	if !ok {
		return Context{}, false
	}
	return clone(wc), true
}

// List returns snapshots of every tracked context, oldest first.
func (m *Manager) List() []Context {
	m.mu.Lock()
	out := make([]Context, 0, len(m.contexts))
	for _, wc := range m.contexts {
		out = append(out, clone(wc))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetGlobal stores a value in the global KV.
func (m *Manager) SetGlobal(ctx context.Context, key string, value any) error {
	return m.kv.Set(ctx, key, value)
}

// GlobalValue reads a value from the global KV.
func (m *Manager) GlobalValue(ctx context.Context, key string) (any, bool, error) {
	return m.kv.Get(ctx, key)
}

// DeleteGlobal removes a key from the global KV.
func (m *Manager) DeleteGlobal(ctx context.Context, key string) error {
	return m.kv.Delete(ctx, key)
}

// SweepExpired removes PerInteraction contexts that are completed or idle
// beyond their timeout (marked Expired first) and returns how many were
// removed. ProcessLifetime and Persisted contexts are never swept.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	var removed []string
	for id, wc := range m.contexts {
		if wc.Scope != ScopePerInteraction {
			continue
		}
		switch {
		case wc.Status == StatusCompleted || wc.Status == StatusExpired:
			removed = append(removed, id)
		case wc.Timeout > 0 && now.Sub(wc.LastActivity) > wc.Timeout:
			wc.Status = StatusExpired
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		wc := m.contexts[id]
		delete(m.contexts, id)
		if m.activeByType[wc.Type] == id {
			delete(m.activeByType, wc.Type)
		}
	}
	m.mu.Unlock()
	if len(removed) > 0 {
		m.metrics.IncCounter("workctx_swept_total", float64(len(removed)))
	}
	return len(removed)
}

// RecordInteraction appends an interaction session id to the bounded rolling
// list stored with the persisted metadata and rewrites the snapshot.
func (m *Manager) RecordInteraction(ctx context.Context, interactionID string) error {
	if interactionID == "" {
		return errors.New("interaction id is required")
	}
	m.mu.Lock()
	m.recent = append(m.recent, interactionID)
	if len(m.recent) > m.recentCap {
		m.recent = append(m.recent[:0], m.recent[len(m.recent)-m.recentCap:]...)
	}
	m.mu.Unlock()
	if err := m.persist(ctx); err != nil {
		return fmt.Errorf("persist context metadata: %w", err)
	}
	return nil
}

// RecentInteractions returns a copy of the rolling interaction id list,
// oldest first.
func (m *Manager) RecentInteractions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.recent...)
}

// Restore loads persisted context metadata and recreates the contexts as
// active, empty accumulators. Called once at engine start, before any appends.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	metas, recent, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load context metadata: %w", err)
	}
	m.mu.Lock()
	for _, meta := range metas {
		md := cloneMeta(meta.Metadata)
		if meta.SampleCount > 0 {
			if md == nil {
				md = make(map[string]any, 1)
			}
			md["restored_sample_count"] = meta.SampleCount
		}
		wc := &Context{
			ID:           meta.ID,
			Type:         meta.Type,
			Scope:        meta.Scope,
			Status:       StatusActive,
			Metadata:     md,
			Threshold:    meta.Threshold,
			Timeout:      meta.Timeout,
			CreatedAt:    meta.CreatedAt,
			LastActivity: meta.LastActivity,
		}
		m.contexts[wc.ID] = wc
		m.activeByType[wc.Type] = wc.ID
	}
	if len(recent) > m.recentCap {
		recent = recent[len(recent)-m.recentCap:]
	}
	m.recent = append([]string(nil), recent...)
	m.mu.Unlock()
	m.logger.Info(ctx, "context metadata restored", "contexts", len(metas), "recent_interactions", len(recent))
	return nil
}

// Flush writes the metadata snapshot now, regardless of mutation state. Used
// at shutdown so the final state is on disk even when the last mutation was
// not a qualifying append. No-op without a store.
func (m *Manager) Flush(ctx context.Context) error {
	return m.persist(ctx)
}

// runDecision drives the three-way decision path for a threshold-reached
// context. It returns the outcome that was taken; context status updates and
// event publishing happen inside.
func (m *Manager) runDecision(ctx context.Context, snap Snapshot) Decision {
	m.mu.Lock()
	h := m.handlers[snap.Type]
	m.mu.Unlock()

	if h == nil {
		// Missing handlers degrade to the inquiry path, never a hard error.
		return m.requestInquiry(ctx, snap, Decision{Kind: DecisionNeedsConfirmation, Message: "no_handler"})
	}

	d, err := m.decide(ctx, h, snap)
	if err != nil {
		m.park(ctx, snap, StatusSuspended, "suspended")
		m.logger.Error(ctx, "decision failed", "context_id", snap.ContextID, "type", string(snap.Type), "err", err.Error())
		return Decision{Kind: DecisionSuspended, Message: err.Error()}
	}

	switch d.Kind {
	case DecisionAutoApplied:
		if err := m.apply(ctx, h, snap, d); err != nil {
			// An apply failure needs external help, not a hard stop.
			fallback := d
			fallback.Kind = DecisionNeedsConfirmation
			fallback.Message = err.Error()
			return m.requestInquiry(ctx, snap, fallback)
		}
		m.complete(ctx, snap, "auto_applied")
		return d
	case DecisionNeedsConfirmation:
		return m.requestInquiry(ctx, snap, d)
	default:
		m.park(ctx, snap, StatusSuspended, "suspended")
		return Decision{Kind: DecisionSuspended, Message: d.Message}
	}
}

// requestInquiry delivers a NeedsConfirmation decision to the inquiry
// subscribers. With no subscribers the context is suspended instead.
func (m *Manager) requestInquiry(ctx context.Context, snap Snapshot, d Decision) Decision {
	m.mu.Lock()
	subs := make([]InquirySubscriber, len(m.inquirySubs))
	for i, s := range m.inquirySubs {
		subs[i] = s.fn
	}
	m.mu.Unlock()

	if len(subs) == 0 {
		m.park(ctx, snap, StatusSuspended, "suspended")
		return Decision{Kind: DecisionSuspended, Message: d.Message}
	}

	inq := Inquiry{
		ContextID:   snap.ContextID,
		ContextType: snap.Type,
		Reason:      d.Message,
		Options:     append([]string(nil), d.Options...),
		Count:       snap.Count,
	}
	for _, sub := range subs {
		if err := sub.HandleInquiry(ctx, inq); err != nil {
			// Inquiry delivery is best-effort per subscriber.
			m.logger.Warn(ctx, "inquiry subscriber failed", "context_id", snap.ContextID, "err", err.Error())
		}
	}
	m.publish(ctx, events.NewInquiryRaisedEvent("", snap.ContextID, string(snap.Type), d.Message, inq.Options))
	m.publish(ctx, events.NewContextDecisionEvent("", snap.ContextID, string(snap.Type), string(DecisionNeedsConfirmation), snap.Count))
	m.metrics.IncCounter("workctx_decisions_total", 1, "outcome", string(DecisionNeedsConfirmation))
	out := d
	out.Kind = DecisionNeedsConfirmation
	return out
}

// complete clears the context's items, marks it Completed, and detaches it
// from the current-context mapping so the next append starts fresh.
func (m *Manager) complete(ctx context.Context, snap Snapshot, outcome string) {
	m.mu.Lock()
	if wc, ok := m.contexts[snap.ContextID]; ok {
		wc.Items = nil
		wc.Status = StatusCompleted
		wc.LastActivity = time.Now()
		if m.activeByType[wc.Type] == wc.ID {
			delete(m.activeByType, wc.Type)
		}
	}
	m.mu.Unlock()
	m.publish(ctx, events.NewContextDecisionEvent("", snap.ContextID, string(snap.Type), outcome, snap.Count))
	m.metrics.IncCounter("workctx_decisions_total", 1, "outcome", outcome)
}

// park moves the context to a terminal-ish status (Suspended) and detaches it
// from the current-context mapping.
func (m *Manager) park(ctx context.Context, snap Snapshot, status Status, outcome string) {
	m.mu.Lock()
	if wc, ok := m.contexts[snap.ContextID]; ok {
		wc.Status = status
		if m.activeByType[wc.Type] == wc.ID {
			delete(m.activeByType, wc.Type)
		}
	}
	m.mu.Unlock()
	m.publish(ctx, events.NewContextDecisionEvent("", snap.ContextID, string(snap.Type), outcome, snap.Count))
	m.metrics.IncCounter("workctx_decisions_total", 1, "outcome", outcome)
}

func (m *Manager) decide(ctx context.Context, h Handler, snap Snapshot) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decision handler panicked: %v", r)
		}
	}()
	return h.Decide(ctx, snap)
}

func (m *Manager) apply(ctx context.Context, h Handler, snap Snapshot, d Decision) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decision handler panicked: %v", r)
		}
	}()
	return h.Apply(ctx, snap, d)
}

// persist rewrites the metadata document with every persisted context and the
// recent interaction list.
func (m *Manager) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	metas := make([]ContextMeta, 0)
	for _, wc := range m.contexts {
		if wc.Scope != ScopePersisted {
			continue
		}
		metas = append(metas, ContextMeta{
			ID:           wc.ID,
			Type:         wc.Type,
			Scope:        wc.Scope,
			Threshold:    wc.Threshold,
			Timeout:      wc.Timeout,
			SampleCount:  len(wc.Items),
			Metadata:     cloneMeta(wc.Metadata),
			CreatedAt:    wc.CreatedAt,
			LastActivity: wc.LastActivity,
		})
	}
	recent := append([]string(nil), m.recent...)
	m.mu.Unlock()
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.Before(metas[j].CreatedAt) })
	return m.store.Save(ctx, metas, recent)
}

func (m *Manager) publish(ctx context.Context, evt events.Event) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, evt); err != nil {
		m.logger.Warn(ctx, "event publish failed", "type", string(evt.Type()), "err", err.Error())
	}
}

// activeLocked resolves the live context of a type, detaching completed,
// parked, or idle-expired ones so callers see only a truly active context.
// Callers must hold m.mu.
func (m *Manager) activeLocked(t Type, now time.Time) *Context {
	id, ok := m.activeByType[t]
	if !ok {
		return nil
	}
	wc, ok := m.contexts[id]
	if !ok {
		delete(m.activeByType, t)
		return nil
	}
	if wc.Status != StatusActive {
		delete(m.activeByType, t)
		return nil
	}
	if wc.Timeout > 0 && now.Sub(wc.LastActivity) > wc.Timeout {
		wc.Status = StatusExpired
		delete(m.activeByType, t)
		return nil
	}
	return wc
}

// createLocked creates a context and installs it as the current context of
// its type. Callers must hold m.mu.
func (m *Manager) createLocked(t Type, def Defaults, now time.Time) *Context {
	wc := &Context{
		ID:           "ctx-" + uuid.NewString(),
		Type:         t,
		Scope:        def.Scope,
		Status:       StatusActive,
		Threshold:    def.Threshold,
		Timeout:      def.Timeout,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.contexts[wc.ID] = wc
	m.activeByType[t] = wc.ID
	return wc
}

func (m *Manager) defaultsFor(t Type) Defaults {
	if d, ok := m.defaults[t]; ok {
		return d
	}
	return DefaultsFor(t)
}

// snapshotLocked builds the handler's decision package. Callers must hold
// m.mu.
func snapshotLocked(wc *Context) Snapshot {
	items := make([]Item, len(wc.Items))
	for i, it := range wc.Items {
		items[i] = cloneItem(it)
	}
	return Snapshot{
		ContextID: wc.ID,
		Type:      wc.Type,
		Items:     items,
		Metadata:  cloneMeta(wc.Metadata),
		Threshold: wc.Threshold,
		Count:     len(wc.Items),
	}
}
