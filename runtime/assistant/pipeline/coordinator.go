package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/router"
	"github.com/aura-ai/aura/runtime/assistant/scheduler"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

type (
	// Options configure a Coordinator.
	Options struct {
		// Registry resolves and validates invocation targets. Required.
		Registry *modregistry.Registry
		// Router plans next-layer targets from the classified intent.
		// Required.
		Router *router.Router
		// Scheduler runs module invocations as tracked tasks. Required.
		Scheduler *scheduler.Pool
		// Events receives cycle and output events.
		Events events.Publisher
		// Context supplies the routing context for a session. Optional;
		// nil means a zero context.
		Context func(sessionID string) router.RouteContext
		// Logger receives structured logs. Defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics receives counters and timers. Defaults to noop metrics.
		Metrics telemetry.Metrics
		// Timeout bounds each module invocation; zero means 30s.
		Timeout time.Duration
		// HistoryCap bounds the invocation history; zero means 100. When the
		// cap is hit the history is trimmed to HistoryTrim entries.
		HistoryCap int
		// HistoryTrim is the post-trim size; zero means 50.
		HistoryTrim int
		// DedupeCap bounds the flow-key set; zero means 2000. Overflow
		// evicts the oldest half.
		DedupeCap int
	}

	// Coordinator drives cycles through the three layers. It consumes
	// layer-completion events, plans the next layer through the router and
	// invokes targets through the scheduler. Safe for concurrent use.
	Coordinator struct {
		registry  *modregistry.Registry
		router    *router.Router
		scheduler *scheduler.Pool
		events    events.Publisher
		routeCtx  func(string) router.RouteContext
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		timeout     time.Duration
		historyCap  int
		historyTrim int
		dedupeCap   int

		mu       sync.Mutex
		cycles   map[string]*cycleState
		seen     map[flowKey]struct{}
		seenList []flowKey
		dupes    int
		history  []Record
		stats    map[string]*moduleStats
		totals   struct{ total, successes, failures, skipped int }
		limiters map[string]*rate.Limiter
	}

	// flowKey identifies one layer advancement of one cycle.
	flowKey struct {
		SessionID string
		Cycle     int
		Layer     Layer
	}

	cycleState struct {
		phase CyclePhase
		// index of the running cycle; next is the index StartCycle hands out.
		index int
		next  int
		// data accumulates seed, input-layer and processing-layer results.
		data map[string]any
		// intent is captured at input completion and drives planning.
		intent router.Intent
		// outputTargets are the output-layer targets split off the plan.
		outputTargets []router.Target
	}

	moduleStats struct {
		invocations int
		successes   int
		failures    int
		elapsed     time.Duration
	}
)

var (
	// ErrCycleActive indicates StartCycle was called while a cycle runs.
	ErrCycleActive = errors.New("cycle already running")
	// ErrNotConfigured indicates a required collaborator is missing.
	ErrNotConfigured = errors.New("pipeline coordinator not configured")
)

const (
	defaultTimeout     = 30 * time.Second
	defaultHistoryCap  = 100
	defaultHistoryTrim = 50
	defaultDedupeCap   = 2000
)

// New returns a Coordinator ready for use.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		registry:    opts.Registry,
		router:      opts.Router,
		scheduler:   opts.Scheduler,
		events:      opts.Events,
		routeCtx:    opts.Context,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		timeout:     opts.Timeout,
		historyCap:  opts.HistoryCap,
		historyTrim: opts.HistoryTrim,
		dedupeCap:   opts.DedupeCap,
		cycles:      make(map[string]*cycleState),
		seen:        make(map[flowKey]struct{}),
		stats:       make(map[string]*moduleStats),
		limiters:    make(map[string]*rate.Limiter),
	}
	if c.logger == nil {
		c.logger = telemetry.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = telemetry.NoopMetrics{}
	}
	if c.routeCtx == nil {
		c.routeCtx = func(string) router.RouteContext { return router.RouteContext{} }
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.historyCap <= 0 {
		c.historyCap = defaultHistoryCap
	}
	if c.historyTrim <= 0 || c.historyTrim > c.historyCap {
		c.historyTrim = defaultHistoryTrim
	}
	if c.dedupeCap <= 0 {
		c.dedupeCap = defaultDedupeCap
	}
	return c
}

// StartCycle opens a new cycle for the session and moves its FSM to
// InputRunning. The seed map becomes the cycle's initial accumulated data.
// Returns the zero-based cycle index. Fails with ErrCycleActive while a
// cycle is still running for the session.
func (c *Coordinator) StartCycle(ctx context.Context, sessionID, trigger string, seed map[string]any) (int, error) {
	if c.registry == nil || c.router == nil || c.scheduler == nil {
		return 0, ErrNotConfigured
	}
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}

	c.mu.Lock()
	cs, ok := c.cycles[sessionID]
	if !ok {
		cs = &cycleState{phase: CycleIdle}
		c.cycles[sessionID] = cs
	}
	if cs.phase != CycleIdle {
		c.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", sessionID, ErrCycleActive)
	}
	index := cs.next
	cs.next++
	cs.index = index
	cs.phase = InputRunning
	cs.data = make(map[string]any, len(seed))
	for k, v := range seed {
		cs.data[k] = v
	}
	cs.intent = router.Intent{}
	cs.outputTargets = nil
	c.mu.Unlock()

	c.logger.Info(ctx, "cycle started", "session_id", sessionID, "cycle", index, "trigger", trigger)
	c.metrics.IncCounter("pipeline_cycles_total", 1)
	c.publish(ctx, events.NewCycleStartedEvent(sessionID, index, trigger))
	return index, nil
}

// Phase reports the session's FSM position.
func (c *Coordinator) Phase(sessionID string) CyclePhase {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.cycles[sessionID]
	if !ok {
		return CycleIdle
	}
	return cs.phase
}

// HandleEvent consumes queue events the coordinator cares about: layer
// completions advance cycles, cycle completions and session ends release
// flow keys. All other events are ignored. Intended to be registered as an
// engine queue subscriber.
func (c *Coordinator) HandleEvent(ctx context.Context, event events.Event) error {
	switch evt := event.(type) {
	case *events.LayerCompletedEvent:
		return c.handleLayerCompleted(ctx, evt)
	case *events.CycleCompletedEvent:
		c.releaseKeys(evt.SessionID(), evt.Cycle)
	case *events.SessionEndedEvent:
		c.releaseSession(evt.SessionID())
	}
	return nil
}

// Invoke dispatches one module invocation and reports the outcome. Absent
// modules yield NoTarget (logged, not recorded); disabled modules yield
// Skipped; schema rejections, handler errors, panics and timeouts yield
// Failed. The module's registry state is held at Busy for the duration of
// the call and the per-module rate limit is applied before dispatch.
func (c *Coordinator) Invoke(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := Response{TargetID: req.TargetID, Layer: req.Layer}

	mod, desc, ok := c.registry.Resolve(req.TargetID)
	if !ok {
		resp.Status = StatusNoTarget
		resp.Err = "module not registered"
		resp.Elapsed = time.Since(start)
		c.logger.Warn(ctx, "invocation target missing", "module_id", req.TargetID, "layer", string(req.Layer))
		c.metrics.IncCounter("module_invocations_total", 1, "module", req.TargetID, "status", string(StatusNoTarget))
		return resp
	}
	if desc.State == modregistry.StateDisabled {
		resp.Status = StatusSkipped
		resp.Err = "module disabled"
		resp.Elapsed = time.Since(start)
		c.record(resp, req)
		return resp
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter := c.limiterFor(desc); limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			resp.Status = StatusFailed
			resp.Err = fmt.Sprintf("rate limit: %v", err)
			resp.Elapsed = time.Since(start)
			c.record(resp, req)
			return resp
		}
	}
	if err := c.registry.Validate(req.TargetID, req.Payload); err != nil {
		resp.Status = StatusFailed
		resp.Err = err.Error()
		resp.Elapsed = time.Since(start)
		c.record(resp, req)
		return resp
	}

	if err := c.registry.SetState(req.TargetID, modregistry.StateBusy); err == nil {
		defer func() {
			if err := c.registry.SetState(req.TargetID, modregistry.StateAvailable); err != nil {
				c.logger.Warn(ctx, "restore module state failed", "module_id", req.TargetID, "err", err)
			}
		}()
	}

	c.logger.Debug(ctx, "invoking module",
		"module_id", req.TargetID, "layer", string(req.Layer), "reason", req.Reason, "source", req.Source)
	out, err := c.dispatch(callCtx, mod, req, timeout)
	resp.Elapsed = time.Since(start)
	if err != nil {
		resp.Status = StatusFailed
		resp.Err = err.Error()
		c.record(resp, req)
		c.logger.Warn(ctx, "module invocation failed",
			"module_id", req.TargetID, "layer", string(req.Layer), "err", err)
		return resp
	}
	resp.Status = StatusSuccess
	resp.Output = out
	c.record(resp, req)
	return resp
}

// History returns a copy of the invocation history, oldest first.
func (c *Coordinator) History() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.history))
	copy(out, c.history)
	return out
}

// Stats returns a point-in-time aggregate over all invocations.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{
		Total:      c.totals.total,
		Successes:  c.totals.successes,
		Failures:   c.totals.failures,
		Skipped:    c.totals.skipped,
		Duplicates: c.dupes,
		PerModule:  make(map[string]ModuleStats, len(c.stats)),
	}
	for id, ms := range c.stats {
		s := ModuleStats{Invocations: ms.invocations, Successes: ms.successes, Failures: ms.failures}
		if ms.invocations > 0 {
			s.AvgElapsed = ms.elapsed / time.Duration(ms.invocations)
		}
		out.PerModule[id] = s
	}
	return out
}

// DedupeSize reports how many flow keys are currently retained.
func (c *Coordinator) DedupeSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Coordinator) handleLayerCompleted(ctx context.Context, evt *events.LayerCompletedEvent) error {
	sessionID := evt.SessionID()
	layer := Layer(evt.Layer)

	c.mu.Lock()
	cs, ok := c.cycles[sessionID]
	if !ok || evt.Cycle != cs.index {
		c.mu.Unlock()
		c.logger.Debug(ctx, "stale layer completion dropped",
			"session_id", sessionID, "cycle", evt.Cycle, "layer", evt.Layer)
		return nil
	}
	key := flowKey{SessionID: sessionID, Cycle: evt.Cycle, Layer: layer}
	if _, dup := c.seen[key]; dup {
		c.dupes++
		c.mu.Unlock()
		c.logger.Debug(ctx, "duplicate layer completion dropped",
			"session_id", sessionID, "cycle", evt.Cycle, "layer", evt.Layer, "module_id", evt.ModuleID)
		c.metrics.IncCounter("pipeline_dedupe_hits_total", 1)
		return nil
	}

	// Phase check precedes key registration so a stray out-of-phase event
	// cannot burn the key a legitimate completion needs later.
	expected := map[Layer]CyclePhase{LayerInput: InputRunning, LayerProcessing: ProcessingRunning, LayerOutput: OutputRunning}[layer]
	phase := cs.phase
	if expected == "" || phase != expected {
		c.mu.Unlock()
		c.logger.Warn(ctx, "layer completion out of phase",
			"session_id", sessionID, "cycle", evt.Cycle, "layer", evt.Layer, "phase", string(phase))
		return nil
	}
	c.rememberLocked(key)
	for k, v := range evt.Data {
		cs.data[k] = v
	}

	switch layer {
	case LayerInput:
		cs.phase = ProcessingRunning
		intent := router.Classify(stringFrom(cs.data, "text"))
		if kind, ok := cs.data["intent"].(string); ok && kind != "" {
			intent.Kind = router.IntentKind(kind)
		}
		cs.intent = intent
		data := cloneData(cs.data)
		cycle := cs.index
		c.mu.Unlock()
		return c.runProcessing(ctx, sessionID, cycle, intent, data)
	case LayerProcessing:
		cs.phase = OutputRunning
		intent := cs.intent
		targets := append([]router.Target(nil), cs.outputTargets...)
		data := cloneData(cs.data)
		cycle := cs.index
		c.mu.Unlock()
		return c.runOutput(ctx, sessionID, cycle, intent, targets, data)
	case LayerOutput:
		c.mu.Unlock()
		c.completeCycle(ctx, sessionID, evt.Cycle, CycleStatusCompleted)
		return nil
	}
	c.mu.Unlock()
	return nil
}

// runProcessing plans the processing layer through the router and dispatches
// its targets concurrently. The layer advances when at least one target
// succeeds; total failure terminates the cycle.
func (c *Coordinator) runProcessing(ctx context.Context, sessionID string, cycle int, intent router.Intent, data map[string]any) error {
	rctx := c.routeCtx(sessionID)
	decision, err := c.router.Route(intent, rctx)
	if err != nil {
		c.failCycle(ctx, sessionID, cycle, fmt.Sprintf("route: %v", err))
		return nil
	}
	plan := append([]router.Target{decision.Target}, decision.Queued...)
	processing, output := c.splitPlan(plan)
	c.setOutputTargets(sessionID, cycle, output)
	if len(processing) == 0 {
		c.failCycle(ctx, sessionID, cycle, "no processing targets")
		return nil
	}

	type dispatch struct {
		target router.Target
		future *scheduler.Future[Response]
	}
	dispatches := make([]dispatch, 0, len(processing))
	for _, target := range processing {
		payload := c.payloadFor(target, intent, rctx, data)
		req := Request{
			TargetID:  target.ModuleID,
			Payload:   payload,
			Source:    "pipeline",
			Reason:    "processing fan-out",
			Layer:     LayerProcessing,
			SessionID: sessionID,
			Cycle:     cycle,
		}
		future, err := scheduler.Submit(c.scheduler, ctx, "invoke:"+target.ModuleID, 0, func(taskCtx context.Context) (Response, error) {
			return c.Invoke(taskCtx, req), nil
		})
		if err != nil {
			c.logger.Warn(ctx, "processing dispatch rejected", "module_id", target.ModuleID, "err", err)
			continue
		}
		dispatches = append(dispatches, dispatch{target: target, future: future})
	}

	type outcome struct {
		moduleID string
		output   map[string]any
	}
	var completed []outcome
	for _, d := range dispatches {
		resp, err := d.future.Await(ctx)
		if err != nil || resp.Status != StatusSuccess {
			continue
		}
		c.mergeResult(sessionID, cycle, d.target.ModuleID, resp.Output)
		completed = append(completed, outcome{moduleID: d.target.ModuleID, output: resp.Output})
	}
	if len(completed) == 0 {
		c.failCycle(ctx, sessionID, cycle, "all processing targets failed")
		return nil
	}
	c.logger.Info(ctx, "processing layer dispatched",
		"session_id", sessionID, "cycle", cycle, "targets", len(dispatches), "succeeded", len(completed))
	// All results are merged before the first completion event goes out, so a
	// subscriber that advances the cycle sees the full accumulated data.
	for _, o := range completed {
		c.publish(ctx, events.NewLayerCompletedEvent(sessionID, cycle, string(LayerProcessing), o.moduleID, o.output))
	}
	return nil
}

// runOutput renders the reply through the output layer. A missing output
// target skips the layer and completes the cycle; an output failure is
// terminal for the cycle.
func (c *Coordinator) runOutput(ctx context.Context, sessionID string, cycle int, intent router.Intent, targets []router.Target, data map[string]any) error {
	if len(targets) == 0 {
		if desc, ok := c.bestOutputModule(); ok {
			targets = []router.Target{{ModuleID: desc.ID, ArgKey: "text"}}
		}
	}
	text := stringFrom(data, "text")
	if len(targets) == 0 {
		// Nothing can render the reply; the cycle still completes and the
		// text output stands on its own.
		c.logger.Info(ctx, "no output target, skipping output layer", "session_id", sessionID, "cycle", cycle)
		c.publish(ctx, events.NewOutputProducedEvent(sessionID, text, "none"))
		c.completeCycle(ctx, sessionID, cycle, CycleStatusCompleted)
		return nil
	}

	target := targets[0]
	payload := map[string]any{"text": text}
	if emotion := stringFrom(data, "emotion"); emotion != "" {
		payload["emotion"] = emotion
	}
	resp := c.Invoke(ctx, Request{
		TargetID:  target.ModuleID,
		Payload:   payload,
		Source:    "pipeline",
		Reason:    "render reply",
		Layer:     LayerOutput,
		SessionID: sessionID,
		Cycle:     cycle,
	})
	switch resp.Status {
	case StatusSuccess:
		c.publish(ctx, events.NewOutputProducedEvent(sessionID, text, target.ModuleID))
		c.publish(ctx, events.NewLayerCompletedEvent(sessionID, cycle, string(LayerOutput), target.ModuleID, resp.Output))
		return nil
	case StatusNoTarget, StatusSkipped:
		c.logger.Info(ctx, "output target unavailable, skipping output layer",
			"session_id", sessionID, "cycle", cycle, "module_id", target.ModuleID, "status", string(resp.Status))
		c.publish(ctx, events.NewOutputProducedEvent(sessionID, text, "none"))
		c.completeCycle(ctx, sessionID, cycle, CycleStatusCompleted)
		return nil
	default:
		c.failCycle(ctx, sessionID, cycle, fmt.Sprintf("output layer: %s", resp.Err))
		return nil
	}
}

func (c *Coordinator) dispatch(ctx context.Context, mod modregistry.Module, req Request, timeout time.Duration) (map[string]any, error) {
	switch m := mod.(type) {
	case modregistry.SyncModule:
		future, err := scheduler.Submit(c.scheduler, ctx, "handle:"+req.TargetID, timeout, func(taskCtx context.Context) (map[string]any, error) {
			return m.Handle(taskCtx, req.Payload)
		})
		if err != nil {
			return nil, err
		}
		return future.Await(ctx)
	case modregistry.DeferredModule:
		result, err := m.Submit(ctx, req.Payload)
		if err != nil {
			return nil, err
		}
		return result.Await(ctx)
	default:
		return nil, modregistry.ErrInvalidContract
	}
}

// splitPlan partitions a route plan into processing- and output-layer
// targets. Input-layer targets are dropped: the input layer already ran by
// the time a plan exists.
func (c *Coordinator) splitPlan(plan []router.Target) (processing, output []router.Target) {
	for _, target := range plan {
		if target.ModuleID == "" {
			continue
		}
		_, desc, ok := c.registry.Resolve(target.ModuleID)
		if !ok {
			// Unregistered targets stay in the processing set and surface
			// as NoTarget at invocation time.
			processing = append(processing, target)
			continue
		}
		switch LayerOf(desc) {
		case LayerProcessing:
			processing = append(processing, target)
		case LayerOutput:
			output = append(output, target)
		}
	}
	return processing, output
}

func (c *Coordinator) payloadFor(target router.Target, intent router.Intent, rctx router.RouteContext, data map[string]any) map[string]any {
	payload := c.router.PrepareArgs(target, intent, rctx)
	for _, key := range []string{"memory_context", "results", "session_id", "cycle_index"} {
		if v, ok := data[key]; ok {
			payload[key] = v
		}
	}
	return payload
}

func (c *Coordinator) bestOutputModule() (modregistry.Descriptor, bool) {
	descs := c.registry.ByCapability(modregistry.CapSpeechSynthesis)
	if len(descs) == 0 {
		return modregistry.Descriptor{}, false
	}
	return descs[0], true
}

func (c *Coordinator) setOutputTargets(sessionID string, cycle int, targets []router.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.cycles[sessionID]
	if !ok || cs.index != cycle {
		return
	}
	cs.outputTargets = targets
}

func (c *Coordinator) mergeResult(sessionID string, cycle int, moduleID string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.cycles[sessionID]
	if !ok || cs.index != cycle {
		return
	}
	cs.data[moduleID] = output
	for _, key := range []string{"text", "emotion", "sys_action", "results", "memory_context"} {
		if v, ok := output[key]; ok {
			cs.data[key] = v
		}
	}
}

func (c *Coordinator) completeCycle(ctx context.Context, sessionID string, cycle int, status string) {
	c.mu.Lock()
	cs, ok := c.cycles[sessionID]
	if ok && cs.index == cycle {
		cs.phase = CycleIdle
	}
	c.mu.Unlock()

	c.releaseKeys(sessionID, cycle)
	c.logger.Info(ctx, "cycle finished", "session_id", sessionID, "cycle", cycle, "status", status)
	c.metrics.IncCounter("pipeline_cycles_finished_total", 1, "status", status)
	c.publish(ctx, events.NewCycleCompletedEvent(sessionID, cycle, status))
}

func (c *Coordinator) failCycle(ctx context.Context, sessionID string, cycle int, reason string) {
	c.logger.Error(ctx, "cycle failed", "session_id", sessionID, "cycle", cycle, "reason", reason)
	c.completeCycle(ctx, sessionID, cycle, CycleStatusFailed)
}

// rememberLocked adds a flow key, halving the set from the oldest end when
// the cap is exceeded. Callers hold c.mu.
func (c *Coordinator) rememberLocked(key flowKey) {
	c.seen[key] = struct{}{}
	c.seenList = append(c.seenList, key)
	if len(c.seenList) <= c.dedupeCap {
		return
	}
	cut := c.dedupeCap / 2
	for _, old := range c.seenList[:cut] {
		delete(c.seen, old)
	}
	c.seenList = append([]flowKey(nil), c.seenList[cut:]...)
}

func (c *Coordinator) releaseKeys(sessionID string, cycle int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.seenList[:0]
	for _, key := range c.seenList {
		if key.SessionID == sessionID && key.Cycle == cycle {
			delete(c.seen, key)
			continue
		}
		kept = append(kept, key)
	}
	c.seenList = kept
}

func (c *Coordinator) releaseSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.seenList[:0]
	for _, key := range c.seenList {
		if key.SessionID == sessionID {
			delete(c.seen, key)
			continue
		}
		kept = append(kept, key)
	}
	c.seenList = kept
	delete(c.cycles, sessionID)
}

func (c *Coordinator) limiterFor(desc modregistry.Descriptor) *rate.Limiter {
	if desc.RatePerSec <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	limiter, ok := c.limiters[desc.ID]
	if !ok {
		burst := desc.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(desc.RatePerSec), burst)
		c.limiters[desc.ID] = limiter
	}
	return limiter
}

// record appends a history entry and updates stats. NoTarget responses never
// reach here.
func (c *Coordinator) record(resp Response, req Request) {
	rec := Record{
		Module:    resp.TargetID,
		Layer:     resp.Layer,
		Status:    resp.Status,
		SessionID: req.SessionID,
		Cycle:     req.Cycle,
		Err:       resp.Err,
		Elapsed:   resp.Elapsed,
		At:        time.Now().UTC(),
	}

	c.mu.Lock()
	c.history = append(c.history, rec)
	if len(c.history) > c.historyCap {
		c.history = append([]Record(nil), c.history[len(c.history)-c.historyTrim:]...)
	}
	ms, ok := c.stats[resp.TargetID]
	if !ok {
		ms = &moduleStats{}
		c.stats[resp.TargetID] = ms
	}
	ms.invocations++
	ms.elapsed += resp.Elapsed
	c.totals.total++
	switch resp.Status {
	case StatusSuccess:
		ms.successes++
		c.totals.successes++
	case StatusFailed:
		ms.failures++
		c.totals.failures++
	case StatusSkipped:
		c.totals.skipped++
	}
	c.mu.Unlock()

	c.metrics.IncCounter("module_invocations_total", 1, "module", resp.TargetID, "status", string(resp.Status))
	c.metrics.RecordTimer("module_invocation_duration", resp.Elapsed, "module", resp.TargetID)
}

func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn(ctx, "publish pipeline event failed", "event", string(event.Type()), "err", err)
	}
}

func stringFrom(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
