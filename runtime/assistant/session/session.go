// Package session implements the three-level session hierarchy that frames
// every exchange with the assistant.
//
// An Interaction is the top-level session: it spans one external trigger's
// full input-to-output cycle and owns at most one child session at a time.
// The two child kinds are Conversation (multi-turn dialogue with memory
// snapshots) and Task (a linear workflow bounded by a step budget). Ending a
// child folds its summary into the parent's outputs; ending an interaction
// ends the child first, then carries a small amount of preserved data forward
// into the next interaction.
//
// Hierarchy is the mutex-guarded coordinator over all live sessions. Store
// abstracts persistence of finished interactions and their summary records;
// inmem provides the in-memory implementation.
package session

import (
	"context"
	"errors"
	"time"
)

type (
	// TriggerType identifies what started an interaction.
	TriggerType string

	// InteractionStatus is the lifecycle phase of an interaction session.
	InteractionStatus string

	// ChildKind names which child session an interaction currently owns.
	ChildKind string

	// ConversationStatus is the lifecycle phase of a conversation session.
	ConversationStatus string

	// TaskStatus is the lifecycle phase of a task session.
	TaskStatus string

	// Output is one artifact appended to an interaction, either directly
	// (trivial replies) or by folding in a finished child's summary.
	Output struct {
		// Kind labels the artifact ("reply", "conversation_summary", ...).
		Kind string
		// Payload carries the artifact body.
		Payload map[string]any
		// At is when the output was appended.
		At time.Time
	}

	// Preserved is the small continuity payload carried from one finished
	// interaction into the next one.
	Preserved struct {
		// UserContext holds the last interaction's closing output.
		UserContext map[string]any
		// SystemState tracks bookkeeping such as the running session count.
		SystemState map[string]any
		// ConversationMemory accumulates memory tokens across interactions.
		ConversationMemory map[string]any
		// ActiveIdentities lists identities seen in prior interactions.
		ActiveIdentities []string
	}

	// Interaction is the top-level session for one external trigger.
	Interaction struct {
		ID        string
		Trigger   TriggerType
		Status    InteractionStatus
		ChildKind ChildKind
		ChildID   string
		Outputs   []Output
		// CycleIndex counts pipeline cycles run under this interaction.
		CycleIndex int
		Preserved  Preserved
		CreatedAt  time.Time
		EndedAt    *time.Time
	}

	// Turn is one exchange inside a conversation.
	Turn struct {
		// Index is 1-based and assigned by AddTurn.
		Index int
		// Input is the user utterance.
		Input string
		// Response is the structured module reply.
		Response map[string]any
		// ContextUsed lists the memory fragments consulted for the reply.
		ContextUsed []string
		At          time.Time
		Elapsed     time.Duration
	}

	// Conversation is the dialogue child session.
	Conversation struct {
		ID       string
		ParentID string
		Status   ConversationStatus
		// Seed is the opening topic or utterance the conversation started from.
		Seed        string
		Turns       []Turn
		TurnCounter int
		// MemoryToken keys this conversation's memory across snapshots.
		MemoryToken string
		MaxTurns    int
		// ContextWindow is how many recent turns modules receive as context.
		ContextWindow int
		// SnapshotInterval is the turn period for memory-snapshot saves.
		SnapshotInterval int
		CreatedAt        time.Time
	}

	// StepEvent is one entry in a task's execution history.
	StepEvent struct {
		Step   int
		Name   string
		Status string
		Detail map[string]any
		At     time.Time
	}

	// Task is the workflow child session: a linear step counter bounded by
	// MaxSteps with cooperative cancellation.
	Task struct {
		ID           string
		ParentID     string
		WorkflowType string
		Command      string
		CurrentStep  int
		MaxSteps     int
		Status       TaskStatus
		// Data carries workflow parameters and intermediate results.
		Data    map[string]any
		History []StepEvent
		// Deadline is the idle expiry; activity pushes it forward.
		Deadline time.Time
		// CancelRequested is checked before each advance, never mid-step.
		CancelRequested bool
		CreatedAt       time.Time
	}

	// Record is the compact summary kept after an interaction ends.
	Record struct {
		InteractionID string
		Trigger       TriggerType
		Status        InteractionStatus
		ChildKind     ChildKind
		Outputs       int
		StartedAt     time.Time
		EndedAt       time.Time
	}

	// Counts reports how many sessions of each level are live. The state
	// machine reconciles its mode from these.
	Counts struct {
		Interactions  int
		Conversations int
		Tasks         int
	}

	// Store persists finished interactions and their summary records.
	//
	// Contract:
	//   - SaveInteraction upserts the interaction keyed by ID.
	//   - LoadInteraction returns ErrInteractionNotFound when absent.
	//   - AppendRecord appends one record; implementations may bound retention.
	//   - Records returns newest-first, up to limit (limit <= 0 means all
	//     retained records).
	Store interface {
		SaveInteraction(ctx context.Context, in Interaction) error
		LoadInteraction(ctx context.Context, id string) (Interaction, error)
		AppendRecord(ctx context.Context, rec Record) error
		Records(ctx context.Context, limit int) ([]Record, error)
	}
)

const (
	// TriggerVoiceInput marks an interaction started by transcribed speech.
	TriggerVoiceInput TriggerType = "voice_input"
	// TriggerTextInput marks an interaction started by typed text.
	TriggerTextInput TriggerType = "text_input"
	// TriggerSystemEvent marks an interaction started by an internal event.
	TriggerSystemEvent TriggerType = "system_event"
	// TriggerScheduled marks an interaction started by a timer or schedule.
	TriggerScheduled TriggerType = "scheduled"
	// TriggerContinuation marks an interaction continuing a previous one.
	TriggerContinuation TriggerType = "continuation"
)

const (
	// InteractionInitializing is the transient phase before Active.
	InteractionInitializing InteractionStatus = "initializing"
	// InteractionActive accepts new input and may spawn a child.
	InteractionActive InteractionStatus = "active"
	// InteractionProcessing means a child session owns the input flow.
	InteractionProcessing InteractionStatus = "processing"
	// InteractionCompleted is terminal.
	InteractionCompleted InteractionStatus = "completed"
	// InteractionError is terminal with failure.
	InteractionError InteractionStatus = "session_error"
)

const (
	// ChildNone means the interaction has no child session.
	ChildNone ChildKind = ""
	// ChildConversation marks a conversation child.
	ChildConversation ChildKind = "conversation"
	// ChildTask marks a task child.
	ChildTask ChildKind = "task"
)

const (
	// ConversationActive accepts turns.
	ConversationActive ConversationStatus = "active"
	// ConversationPaused rejects turns until resumed.
	ConversationPaused ConversationStatus = "paused"
	// ConversationCompleted is terminal.
	ConversationCompleted ConversationStatus = "completed"
	// ConversationError is terminal with failure.
	ConversationError ConversationStatus = "conversation_error"
)

const (
	// TaskActive accepts step advances.
	TaskActive TaskStatus = "active"
	// TaskPaused rejects advances until resumed.
	TaskPaused TaskStatus = "paused"
	// TaskCompleted is terminal; reached explicitly or at MaxSteps.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed is terminal with failure.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled is terminal; set when a cancel request is honored.
	TaskCancelled TaskStatus = "cancelled"
	// TaskExpired is terminal; set by the idle-deadline sweep.
	TaskExpired TaskStatus = "expired"
)

// Workflow types a task session may execute.
const (
	WorkflowFileOperation     = "file_operation"
	WorkflowSystemCommand     = "system_command"
	WorkflowModuleIntegration = "module_integration"
	WorkflowAutomation        = "workflow_automation"
	WorkflowCustomTask        = "custom_task"
)

var (
	// ErrInteractionNotFound indicates the interaction id is unknown.
	ErrInteractionNotFound = errors.New("interaction not found")
	// ErrInteractionEnded indicates the interaction already finished.
	ErrInteractionEnded = errors.New("interaction ended")
	// ErrChildActive indicates the interaction already owns a child session.
	ErrChildActive = errors.New("child session already active")
	// ErrNoActiveChild indicates the interaction owns no child session.
	ErrNoActiveChild = errors.New("no active child session")
	// ErrConversationNotFound indicates the conversation id is unknown.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationInactive indicates the conversation is paused or ended.
	ErrConversationInactive = errors.New("conversation not active")
	// ErrMaxTurns indicates the conversation reached its turn budget.
	ErrMaxTurns = errors.New("conversation turn limit reached")
	// ErrTaskNotFound indicates the task id is unknown.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinished indicates the task is in a terminal status.
	ErrTaskFinished = errors.New("task already finished")
	// ErrTaskPaused indicates the task must be resumed before advancing.
	ErrTaskPaused = errors.New("task paused")
)

// Terminal reports whether the status admits no further transitions.
func (s InteractionStatus) Terminal() bool {
	return s == InteractionCompleted || s == InteractionError
}

// Terminal reports whether the status admits no further transitions.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationCompleted || s == ConversationError
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskExpired:
		return true
	}
	return false
}
