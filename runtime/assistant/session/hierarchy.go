package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

type (
	// ConversationDefaults seed new conversation sessions.
	ConversationDefaults struct {
		// MaxTurns bounds the conversation; zero means 50.
		MaxTurns int
		// ContextWindow is how many recent turns feed the language model;
		// zero means 10.
		ContextWindow int
		// SnapshotInterval is the memory-snapshot period in turns; zero
		// means 20.
		SnapshotInterval int
	}

	// TaskDefaults seed new task sessions.
	TaskDefaults struct {
		// MaxSteps bounds the workflow; zero means 50.
		MaxSteps int
		// IdleTimeout sets the rolling deadline a task must advance within;
		// zero means 5 minutes, negative disables expiry.
		IdleTimeout time.Duration
	}

	// Options configure a Hierarchy. The zero value is usable: nil
	// collaborators degrade to no-ops and bounds take their defaults.
	Options struct {
		// Store, when set, receives finished interactions and records.
		Store Store
		// Events receives session lifecycle events.
		Events events.Publisher
		// Logger receives structured logs. Defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics receives counters. Defaults to noop metrics.
		Metrics telemetry.Metrics
		// HistoryCap bounds the retained finished interactions; zero means 10.
		HistoryCap int
		// RecordCap bounds the retained summary records; zero means 100.
		RecordCap int
		// Conversation supplies conversation session defaults.
		Conversation ConversationDefaults
		// Task supplies task session defaults.
		Task TaskDefaults
	}

	// Hierarchy coordinates the live session tree: interactions at the top,
	// at most one conversation or task child per interaction. All methods are
	// safe for concurrent use and return defensive snapshots.
	Hierarchy struct {
		store   Store
		events  events.Publisher
		logger  telemetry.Logger
		metrics telemetry.Metrics

		historyCap int
		recordCap  int
		convDefs   ConversationDefaults
		taskDefs   TaskDefaults

		mu            sync.Mutex
		interactions  map[string]*Interaction
		conversations map[string]*Conversation
		tasks         map[string]*Task
		// current is the interaction new input is attributed to.
		current string
		// carried is the preserved payload for the next interaction.
		carried Preserved
		history []Interaction
		records []Record
	}
)

const (
	defaultHistoryCap       = 10
	defaultRecordCap        = 100
	defaultMaxTurns         = 50
	defaultContextWindow    = 10
	defaultSnapshotInterval = 20
	defaultMaxSteps         = 50
	defaultTaskIdleTimeout  = 5 * time.Minute
)

// New returns a Hierarchy ready for use.
func New(opts Options) *Hierarchy {
	h := &Hierarchy{
		store:         opts.Store,
		events:        opts.Events,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		historyCap:    opts.HistoryCap,
		recordCap:     opts.RecordCap,
		convDefs:      opts.Conversation,
		taskDefs:      opts.Task,
		interactions:  make(map[string]*Interaction),
		conversations: make(map[string]*Conversation),
		tasks:         make(map[string]*Task),
	}
	if h.logger == nil {
		h.logger = telemetry.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = telemetry.NoopMetrics{}
	}
	if h.historyCap <= 0 {
		h.historyCap = defaultHistoryCap
	}
	if h.recordCap <= 0 {
		h.recordCap = defaultRecordCap
	}
	if h.convDefs.MaxTurns <= 0 {
		h.convDefs.MaxTurns = defaultMaxTurns
	}
	if h.convDefs.ContextWindow <= 0 {
		h.convDefs.ContextWindow = defaultContextWindow
	}
	if h.convDefs.SnapshotInterval <= 0 {
		h.convDefs.SnapshotInterval = defaultSnapshotInterval
	}
	if h.taskDefs.MaxSteps <= 0 {
		h.taskDefs.MaxSteps = defaultMaxSteps
	}
	if h.taskDefs.IdleTimeout == 0 {
		h.taskDefs.IdleTimeout = defaultTaskIdleTimeout
	}
	return h
}

// StartInteraction opens a new top-level interaction session and makes it
// current. The previous interaction's preserved data is inherited. An
// already-current live interaction is left untouched; callers that want to
// reuse it should consult Current first.
func (h *Hierarchy) StartInteraction(ctx context.Context, trigger TriggerType) (Interaction, error) {
	if trigger == "" {
		return Interaction{}, errors.New("trigger type is required")
	}

	h.mu.Lock()
	now := time.Now().UTC()
	in := &Interaction{
		ID:        "is-" + uuid.NewString(),
		Trigger:   trigger,
		Status:    InteractionInitializing,
		Preserved: cloneWithDefaults(h.carried),
		CreatedAt: now,
	}
	in.Status = InteractionActive
	h.interactions[in.ID] = in
	h.current = in.ID
	snap := cloneInteraction(in)
	h.mu.Unlock()

	h.logger.Info(ctx, "interaction started", "interaction_id", snap.ID, "trigger", string(trigger))
	h.metrics.IncCounter("sessions_started_total", 1, "kind", "interaction")
	h.publish(ctx, events.NewSessionStartedEvent(snap.ID, "interaction", "", string(trigger)))
	return snap, nil
}

// Current returns the interaction new input is attributed to, if any live
// one exists.
func (h *Hierarchy) Current() (Interaction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	in, ok := h.interactions[h.current]
	if !ok || in.Status.Terminal() {
		return Interaction{}, false
	}
	return cloneInteraction(in), true
}

// Interaction returns a snapshot of the identified live interaction.
func (h *Hierarchy) Interaction(id string) (Interaction, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	in, ok := h.interactions[id]
	if !ok {
		return Interaction{}, false
	}
	return cloneInteraction(in), true
}

// AddOutput appends an artifact to the interaction's outputs. Trivial replies
// that need no child session land here directly.
func (h *Hierarchy) AddOutput(ctx context.Context, interactionID string, out Output) error {
	h.mu.Lock()
	in, ok := h.interactions[interactionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	if in.Status.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", interactionID, ErrInteractionEnded)
	}
	if out.At.IsZero() {
		out.At = time.Now().UTC()
	}
	in.Outputs = append(in.Outputs, out)
	h.mu.Unlock()

	h.publish(ctx, events.NewOutputProducedEvent(interactionID, out.Kind, "interaction"))
	return nil
}

// BumpCycle increments and returns the interaction's pipeline cycle index.
func (h *Hierarchy) BumpCycle(interactionID string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	in, ok := h.interactions[interactionID]
	if !ok {
		return 0, fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	if in.Status.Terminal() {
		return 0, fmt.Errorf("%s: %w", interactionID, ErrInteractionEnded)
	}
	in.CycleIndex++
	return in.CycleIndex, nil
}

// AttachConversation spawns a conversation child under the interaction and
// moves the interaction to Processing. At most one child may be active;
// attaching while one is registered fails with ErrChildActive.
func (h *Hierarchy) AttachConversation(ctx context.Context, interactionID, seed string) (Conversation, error) {
	h.mu.Lock()
	in, ok := h.interactions[interactionID]
	if !ok {
		h.mu.Unlock()
		return Conversation{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	if in.Status.Terminal() {
		h.mu.Unlock()
		return Conversation{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionEnded)
	}
	if in.ChildKind != ChildNone {
		h.mu.Unlock()
		return Conversation{}, fmt.Errorf("%s: %w", interactionID, ErrChildActive)
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:               "conv-" + uuid.NewString(),
		ParentID:         interactionID,
		Status:           ConversationActive,
		Seed:             seed,
		MemoryToken:      "mem-" + uuid.NewString(),
		MaxTurns:         h.convDefs.MaxTurns,
		ContextWindow:    h.convDefs.ContextWindow,
		SnapshotInterval: h.convDefs.SnapshotInterval,
		CreatedAt:        now,
	}
	h.conversations[conv.ID] = conv
	in.ChildKind = ChildConversation
	in.ChildID = conv.ID
	in.Status = InteractionProcessing
	snap := cloneConversation(conv)
	h.mu.Unlock()

	h.logger.Info(ctx, "conversation started",
		"conversation_id", snap.ID, "interaction_id", interactionID, "memory_token", snap.MemoryToken)
	h.metrics.IncCounter("sessions_started_total", 1, "kind", "conversation")
	h.publish(ctx, events.NewSessionStartedEvent(snap.ID, string(ChildConversation), interactionID, seed))
	return snap, nil
}

// AttachTask spawns a task child under the interaction and moves the
// interaction to Processing. At most one child may be active; attaching while
// one is registered fails with ErrChildActive.
func (h *Hierarchy) AttachTask(ctx context.Context, interactionID, command, workflowType string) (Task, error) {
	h.mu.Lock()
	in, ok := h.interactions[interactionID]
	if !ok {
		h.mu.Unlock()
		return Task{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	if in.Status.Terminal() {
		h.mu.Unlock()
		return Task{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionEnded)
	}
	if in.ChildKind != ChildNone {
		h.mu.Unlock()
		return Task{}, fmt.Errorf("%s: %w", interactionID, ErrChildActive)
	}

	if workflowType == "" {
		workflowType = WorkflowCustomTask
	}
	now := time.Now().UTC()
	task := &Task{
		ID:           "task-" + uuid.NewString(),
		ParentID:     interactionID,
		WorkflowType: workflowType,
		Command:      command,
		MaxSteps:     h.taskDefs.MaxSteps,
		Status:       TaskActive,
		Data:         map[string]any{"command": command},
		CreatedAt:    now,
	}
	if h.taskDefs.IdleTimeout > 0 {
		task.Deadline = now.Add(h.taskDefs.IdleTimeout)
	}
	h.tasks[task.ID] = task
	in.ChildKind = ChildTask
	in.ChildID = task.ID
	in.Status = InteractionProcessing
	snap := cloneTask(task)
	h.mu.Unlock()

	h.logger.Info(ctx, "task started",
		"task_id", snap.ID, "interaction_id", interactionID, "workflow_type", workflowType)
	h.metrics.IncCounter("sessions_started_total", 1, "kind", "task")
	h.publish(ctx, events.NewSessionStartedEvent(snap.ID, string(ChildTask), interactionID, command))
	return snap, nil
}

// Conversation returns a snapshot of the identified conversation.
func (h *Hierarchy) Conversation(id string) (Conversation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv, ok := h.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return cloneConversation(conv), true
}

// Task returns a snapshot of the identified task.
func (h *Hierarchy) Task(id string) (Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(task), true
}

// AddTurn appends one exchange to the conversation and reports whether a
// memory snapshot is due, which is the case every SnapshotInterval turns.
func (h *Hierarchy) AddTurn(ctx context.Context, conversationID string, turn Turn) (bool, error) {
	h.mu.Lock()
	conv, ok := h.conversations[conversationID]
	if !ok {
		h.mu.Unlock()
		return false, fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}
	if conv.Status != ConversationActive {
		h.mu.Unlock()
		return false, fmt.Errorf("%s: %w", conversationID, ErrConversationInactive)
	}
	if conv.TurnCounter >= conv.MaxTurns {
		h.mu.Unlock()
		return false, fmt.Errorf("%s: %w", conversationID, ErrMaxTurns)
	}

	conv.TurnCounter++
	turn.Index = conv.TurnCounter
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	conv.Turns = append(conv.Turns, turn)
	due := conv.SnapshotInterval > 0 && conv.TurnCounter%conv.SnapshotInterval == 0
	counter := conv.TurnCounter
	h.mu.Unlock()

	h.logger.Debug(ctx, "turn recorded", "conversation_id", conversationID, "turn", counter, "snapshot_due", due)
	h.metrics.IncCounter("conversation_turns_total", 1)
	return due, nil
}

// RecentTurns returns the newest n turns oldest-first. n <= 0 means the
// conversation's context window.
func (h *Hierarchy) RecentTurns(conversationID string, n int) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv, ok := h.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}
	if n <= 0 {
		n = conv.ContextWindow
	}
	if n > len(conv.Turns) {
		n = len(conv.Turns)
	}
	out := make([]Turn, n)
	copy(out, conv.Turns[len(conv.Turns)-n:])
	return out, nil
}

// PauseConversation suspends turn taking until ResumeConversation.
func (h *Hierarchy) PauseConversation(conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv, ok := h.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}
	if conv.Status.Terminal() {
		return fmt.Errorf("%s: %w", conversationID, ErrConversationInactive)
	}
	conv.Status = ConversationPaused
	return nil
}

// ResumeConversation reactivates a paused conversation.
func (h *Hierarchy) ResumeConversation(conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conv, ok := h.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%s: %w", conversationID, ErrConversationNotFound)
	}
	if conv.Status != ConversationPaused {
		return fmt.Errorf("%s: %w", conversationID, ErrConversationInactive)
	}
	conv.Status = ConversationActive
	return nil
}

// AdvanceStep moves the task forward one step. A pending cancel request is
// honored before advancing: the task flips to Cancelled and the returned
// snapshot reflects that without an error. Reaching MaxSteps auto-completes
// the task. Each advance pushes the idle deadline forward.
func (h *Hierarchy) AdvanceStep(ctx context.Context, taskID, name string, detail map[string]any) (Task, error) {
	h.mu.Lock()
	task, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return Task{}, fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		h.mu.Unlock()
		return Task{}, fmt.Errorf("%s: %w", taskID, ErrTaskFinished)
	}
	if task.Status == TaskPaused {
		h.mu.Unlock()
		return Task{}, fmt.Errorf("%s: %w", taskID, ErrTaskPaused)
	}

	now := time.Now().UTC()
	if task.CancelRequested {
		task.Status = TaskCancelled
		task.History = append(task.History, StepEvent{
			Step:   task.CurrentStep,
			Name:   name,
			Status: "cancelled",
			At:     now,
		})
		snap := cloneTask(task)
		h.mu.Unlock()

		h.logger.Info(ctx, "task cancelled", "task_id", taskID, "step", snap.CurrentStep)
		h.metrics.IncCounter("task_steps_total", 1, "status", "cancelled")
		return snap, nil
	}

	task.CurrentStep++
	task.History = append(task.History, StepEvent{
		Step:   task.CurrentStep,
		Name:   name,
		Status: "completed",
		Detail: detail,
		At:     now,
	})
	if h.taskDefs.IdleTimeout > 0 {
		task.Deadline = now.Add(h.taskDefs.IdleTimeout)
	}
	completed := task.CurrentStep >= task.MaxSteps
	if completed {
		task.Status = TaskCompleted
	}
	snap := cloneTask(task)
	h.mu.Unlock()

	h.logger.Debug(ctx, "task step advanced", "task_id", taskID, "step", snap.CurrentStep, "name", name)
	h.metrics.IncCounter("task_steps_total", 1, "status", "completed")
	if completed {
		h.logger.Info(ctx, "task completed", "task_id", taskID, "steps", snap.CurrentStep)
	}
	return snap, nil
}

// CompleteTask marks the task finished successfully.
func (h *Hierarchy) CompleteTask(ctx context.Context, taskID string, detail map[string]any) error {
	return h.finishTask(ctx, taskID, TaskCompleted, "completed", detail)
}

// FailTask marks the task finished with an error.
func (h *Hierarchy) FailTask(ctx context.Context, taskID, reason string) error {
	return h.finishTask(ctx, taskID, TaskFailed, reason, nil)
}

// CancelTask requests cooperative cancellation. The task keeps its current
// status; the next AdvanceStep observes the request and flips to Cancelled.
func (h *Hierarchy) CancelTask(taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.tasks[taskID]
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%s: %w", taskID, ErrTaskFinished)
	}
	task.CancelRequested = true
	return nil
}

// PauseTask suspends step advances until ResumeTask.
func (h *Hierarchy) PauseTask(taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.tasks[taskID]
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%s: %w", taskID, ErrTaskFinished)
	}
	task.Status = TaskPaused
	return nil
}

// ResumeTask reactivates a paused task.
func (h *Hierarchy) ResumeTask(taskID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.tasks[taskID]
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status != TaskPaused {
		return fmt.Errorf("%s: %w", taskID, ErrTaskFinished)
	}
	task.Status = TaskActive
	return nil
}

// SweepExpired marks live tasks whose idle deadline passed as Expired and
// returns how many were swept. Expired tasks stay attached until EndChild
// folds their summary.
func (h *Hierarchy) SweepExpired(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	swept := 0
	for _, task := range h.tasks {
		if task.Status.Terminal() || task.Deadline.IsZero() || !now.After(task.Deadline) {
			continue
		}
		task.Status = TaskExpired
		task.History = append(task.History, StepEvent{
			Step:   task.CurrentStep,
			Status: "expired",
			At:     now.UTC(),
		})
		swept++
	}
	return swept
}

// EndChild ends whichever child the interaction owns, folds the child's
// summary into the interaction's outputs, detaches it and returns the
// interaction to Active. An unfinished task is cancelled; an unfinished
// conversation is completed.
func (h *Hierarchy) EndChild(ctx context.Context, interactionID, reason string) error {
	h.mu.Lock()
	in, ok := h.interactions[interactionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	if in.ChildKind == ChildNone {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", interactionID, ErrNoActiveChild)
	}

	now := time.Now().UTC()
	var (
		childID = in.ChildID
		kind    = in.ChildKind
		summary Output
	)
	switch kind {
	case ChildConversation:
		conv, ok := h.conversations[childID]
		if ok {
			if !conv.Status.Terminal() {
				conv.Status = ConversationCompleted
			}
			summary = Output{
				Kind: "conversation_summary",
				Payload: map[string]any{
					"conversation_id": conv.ID,
					"status":          string(conv.Status),
					"turns":           conv.TurnCounter,
					"memory_token":    conv.MemoryToken,
					"reason":          reason,
				},
				At: now,
			}
			delete(h.conversations, childID)
		}
	case ChildTask:
		task, ok := h.tasks[childID]
		if ok {
			if !task.Status.Terminal() {
				task.Status = TaskCancelled
			}
			summary = Output{
				Kind: "task_summary",
				Payload: map[string]any{
					"task_id":         task.ID,
					"workflow_type":   task.WorkflowType,
					"command":         task.Command,
					"status":          string(task.Status),
					"steps_completed": task.CurrentStep,
					"max_steps":       task.MaxSteps,
					"reason":          reason,
				},
				At: now,
			}
			delete(h.tasks, childID)
		}
	}
	if summary.Kind != "" {
		in.Outputs = append(in.Outputs, summary)
	}
	in.ChildKind = ChildNone
	in.ChildID = ""
	if in.Status == InteractionProcessing {
		in.Status = InteractionActive
	}
	h.mu.Unlock()

	h.logger.Info(ctx, "child session ended",
		"interaction_id", interactionID, "child_id", childID, "kind", string(kind), "reason", reason)
	h.metrics.IncCounter("sessions_ended_total", 1, "kind", string(kind))
	h.publish(ctx, events.NewSessionEndedEvent(childID, string(kind), reason, summary.Kind))
	return nil
}

// EndInteraction finalizes the interaction: any child is ended first, the
// optional final output is appended, preserved data is prepared for the next
// interaction, and the finished interaction is recorded, persisted and
// detached.
func (h *Hierarchy) EndInteraction(ctx context.Context, interactionID string, final map[string]any) (Interaction, error) {
	h.mu.Lock()
	in, ok := h.interactions[interactionID]
	if !ok {
		h.mu.Unlock()
		return Interaction{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	if in.Status.Terminal() {
		h.mu.Unlock()
		return Interaction{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionEnded)
	}
	childKind := in.ChildKind
	h.mu.Unlock()

	if childKind != ChildNone {
		if err := h.EndChild(ctx, interactionID, "interaction_ended"); err != nil && !errors.Is(err, ErrNoActiveChild) {
			return Interaction{}, err
		}
	}

	h.mu.Lock()
	in, ok = h.interactions[interactionID]
	if !ok {
		h.mu.Unlock()
		return Interaction{}, fmt.Errorf("%s: %w", interactionID, ErrInteractionNotFound)
	}
	now := time.Now().UTC()
	if final != nil {
		in.Outputs = append(in.Outputs, Output{Kind: "final", Payload: final, At: now})
	}
	in.Status = InteractionCompleted
	in.EndedAt = &now
	h.carried = carryForward(in, h.carried)

	snap := cloneInteraction(in)
	rec := Record{
		InteractionID: in.ID,
		Trigger:       in.Trigger,
		Status:        in.Status,
		ChildKind:     childKind,
		Outputs:       len(in.Outputs),
		StartedAt:     in.CreatedAt,
		EndedAt:       now,
	}
	h.history = append(h.history, snap)
	if len(h.history) > h.historyCap {
		h.history = h.history[len(h.history)-h.historyCap:]
	}
	h.records = append(h.records, rec)
	if len(h.records) > h.recordCap {
		h.records = h.records[len(h.records)-h.recordCap:]
	}
	delete(h.interactions, interactionID)
	if h.current == interactionID {
		h.current = ""
	}
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SaveInteraction(ctx, snap); err != nil {
			h.logger.Warn(ctx, "persist interaction failed", "interaction_id", interactionID, "err", err)
		}
		if err := h.store.AppendRecord(ctx, rec); err != nil {
			h.logger.Warn(ctx, "persist record failed", "interaction_id", interactionID, "err", err)
		}
	}
	h.logger.Info(ctx, "interaction ended", "interaction_id", interactionID, "outputs", len(snap.Outputs))
	h.metrics.IncCounter("sessions_ended_total", 1, "kind", "interaction")
	h.publish(ctx, events.NewSessionEndedEvent(interactionID, "interaction", "completed", ""))
	return snap, nil
}

// Counts reports live session totals for state reconciliation.
func (h *Hierarchy) Counts() Counts {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := Counts{Conversations: len(h.conversations), Tasks: len(h.tasks)}
	for _, in := range h.interactions {
		if !in.Status.Terminal() {
			c.Interactions++
		}
	}
	return c
}

// History returns the retained finished interactions, oldest first.
func (h *Hierarchy) History() []Interaction {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Interaction, len(h.history))
	copy(out, h.history)
	return out
}

// Records returns the retained summary records, oldest first.
func (h *Hierarchy) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

func (h *Hierarchy) finishTask(ctx context.Context, taskID string, status TaskStatus, note string, detail map[string]any) error {
	h.mu.Lock()
	task, ok := h.tasks[taskID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("%s: %w", taskID, ErrTaskFinished)
	}
	task.Status = status
	task.History = append(task.History, StepEvent{
		Step:   task.CurrentStep,
		Name:   note,
		Status: string(status),
		Detail: detail,
		At:     time.Now().UTC(),
	})
	h.mu.Unlock()

	h.logger.Info(ctx, "task finished", "task_id", taskID, "status", string(status))
	h.metrics.IncCounter("task_steps_total", 1, "status", string(status))
	return nil
}

func (h *Hierarchy) publish(ctx context.Context, event events.Event) {
	if h.events == nil {
		return
	}
	if err := h.events.Publish(ctx, event); err != nil {
		h.logger.Warn(ctx, "publish session event failed", "event", string(event.Type()), "err", err)
	}
}

// carryForward derives the preserved payload for the next interaction from a
// finished one.
func carryForward(in *Interaction, prev Preserved) Preserved {
	next := Preserved{
		UserContext:        make(map[string]any),
		SystemState:        make(map[string]any),
		ConversationMemory: make(map[string]any),
	}
	if n := len(in.Outputs); n > 0 {
		last := in.Outputs[n-1]
		next.UserContext["last_output_kind"] = last.Kind
		if token, ok := last.Payload["memory_token"].(string); ok && token != "" {
			next.ConversationMemory[in.ID] = token
		}
	}
	next.SystemState["last_interaction_id"] = in.ID
	count, _ := prev.SystemState["interaction_count"].(int)
	next.SystemState["interaction_count"] = count + 1
	for k, v := range prev.ConversationMemory {
		if _, ok := next.ConversationMemory[k]; !ok {
			next.ConversationMemory[k] = v
		}
	}
	next.ActiveIdentities = append(next.ActiveIdentities, prev.ActiveIdentities...)
	return next
}

func cloneWithDefaults(p Preserved) Preserved {
	out := Preserved{
		UserContext:        make(map[string]any, len(p.UserContext)),
		SystemState:        make(map[string]any, len(p.SystemState)),
		ConversationMemory: make(map[string]any, len(p.ConversationMemory)),
	}
	for k, v := range p.UserContext {
		out.UserContext[k] = v
	}
	for k, v := range p.SystemState {
		out.SystemState[k] = v
	}
	for k, v := range p.ConversationMemory {
		out.ConversationMemory[k] = v
	}
	if len(p.ActiveIdentities) > 0 {
		out.ActiveIdentities = append([]string(nil), p.ActiveIdentities...)
	}
	return out
}

func cloneInteraction(in *Interaction) Interaction {
	out := *in
	out.Outputs = make([]Output, len(in.Outputs))
	copy(out.Outputs, in.Outputs)
	out.Preserved = cloneWithDefaults(in.Preserved)
	if in.EndedAt != nil {
		at := *in.EndedAt
		out.EndedAt = &at
	}
	return out
}

func cloneConversation(conv *Conversation) Conversation {
	out := *conv
	out.Turns = make([]Turn, len(conv.Turns))
	copy(out.Turns, conv.Turns)
	return out
}

func cloneTask(task *Task) Task {
	out := *task
	out.History = make([]StepEvent, len(task.History))
	copy(out.History, task.History)
	out.Data = make(map[string]any, len(task.Data))
	for k, v := range task.Data {
		out.Data[k] = v
	}
	return out
}
