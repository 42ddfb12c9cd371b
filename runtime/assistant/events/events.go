// Package events defines the typed runtime events exchanged between the
// engine singletons, the synchronous fan-out Bus, and the asynchronous
// worker-pool Queue that dispatches deferred events to bus subscribers.
package events

import "time"

// EventType identifies an event variant. Subscribers can filter on it without
// type assertions.
type EventType string

const (
	// CycleStarted fires when a pipeline cycle begins for an interaction session.
	CycleStarted EventType = "cycle_started"
	// LayerCompleted fires when a module reports completion of a pipeline layer.
	LayerCompleted EventType = "layer_completed"
	// CycleCompleted fires when a pipeline cycle reaches a terminal status.
	CycleCompleted EventType = "cycle_completed"
	// StateChanged fires when the runtime state machine transitions between modes.
	StateChanged EventType = "state_changed"
	// SessionStarted fires when an interaction, conversation, or task session begins.
	SessionStarted EventType = "session_started"
	// SessionEnded fires when a session ends and its summary folds upward.
	SessionEnded EventType = "session_ended"
	// ModuleRegistered fires when a module joins the registry.
	ModuleRegistered EventType = "module_registered"
	// ContextDecision fires when a working context crosses its threshold and a
	// decision outcome is produced.
	ContextDecision EventType = "context_decision"
	// InquiryRaised fires when a decision needs an external confirmation.
	InquiryRaised EventType = "inquiry_raised"
	// OutputProduced fires when a cycle yields user-facing output.
	OutputProduced EventType = "output_produced"
)

type (
	// Event is the interface all runtime events implement. The engine publishes
	// events through the Queue (deferred) or Bus (synchronous), and subscribers
	// receive them via HandleEvent.
	//
	// Subscribers use type switches to access event-specific fields:
	//
	//	func (s *mySub) HandleEvent(ctx context.Context, evt events.Event) error {
	//	    switch e := evt.(type) {
	//	    case *events.LayerCompletedEvent:
	//	        log.Printf("layer %s done for cycle %d", e.Layer, e.Cycle)
	//	    case *events.StateChangedEvent:
	//	        log.Printf("%s -> %s", e.From, e.To)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant (e.g., LayerCompleted).
		Type() EventType
		// SessionID returns the interaction session this event belongs to.
		// Empty for engine-global events such as state or registry changes.
		SessionID() string
		// At returns the time the event was created, not delivered.
		At() time.Time
	}

	// CycleStartedEvent fires when a pipeline cycle begins.
	CycleStartedEvent struct {
		baseEvent
		// Cycle is the per-session cycle index, starting at zero.
		Cycle int
		// Trigger names what started the cycle (e.g., "voice_input").
		Trigger string
	}

	// LayerCompletedEvent fires when a module reports that it finished its part
	// of a pipeline layer. Only these module-reported notifications advance a
	// cycle; the coordinator never infers completion on its own.
	LayerCompletedEvent struct {
		baseEvent
		// Cycle is the cycle index the completion belongs to.
		Cycle int
		// Layer names the completed layer ("input", "processing", "output").
		Layer string
		// ModuleID identifies the reporting module.
		ModuleID string
		// Data carries the module's layer output, merged into the cycle's
		// accumulated data before the next layer is planned.
		Data map[string]any
	}

	// CycleCompletedEvent fires when a cycle reaches a terminal status.
	CycleCompletedEvent struct {
		baseEvent
		// Cycle is the completed cycle index.
		Cycle int
		// Status is "completed" or "failed".
		Status string
	}

	// StateChangedEvent fires on every state machine transition.
	StateChangedEvent struct {
		baseEvent
		// From is the previous mode name.
		From string
		// To is the new mode name.
		To string
		// Reason summarizes what caused the transition (e.g., "intent:chat",
		// "sync", "error_recovery").
		Reason string
	}

	// SessionStartedEvent fires when a session of any kind begins.
	SessionStartedEvent struct {
		baseEvent
		// Kind is "interaction", "conversation", or "task".
		Kind string
		// ParentID is the owning interaction for child sessions, empty otherwise.
		ParentID string
		// Trigger names the trigger for interaction sessions.
		Trigger string
	}

	// SessionEndedEvent fires when a session ends. For child sessions the
	// summary has already been folded into the parent's outputs.
	SessionEndedEvent struct {
		baseEvent
		// Kind is "interaction", "conversation", or "task".
		Kind string
		// Reason summarizes why the session ended.
		Reason string
		// Summary is the child's folded summary, empty for interactions.
		Summary string
	}

	// ModuleRegisteredEvent fires when a module joins the registry.
	ModuleRegisteredEvent struct {
		baseEvent
		// ModuleID is the registered module identifier.
		ModuleID string
		// Capabilities lists the module's declared capabilities.
		Capabilities []string
	}

	// ContextDecisionEvent fires when a working context crosses its threshold.
	ContextDecisionEvent struct {
		baseEvent
		// ContextID identifies the working context.
		ContextID string
		// ContextType is the context type name (e.g., "speaker_samples").
		ContextType string
		// Outcome is "auto_applied", "needs_confirmation", or "suspended".
		Outcome string
		// SampleCount is the number of accumulated items at decision time.
		SampleCount int
	}

	// InquiryRaisedEvent fires when a decision requires external confirmation.
	InquiryRaisedEvent struct {
		baseEvent
		// ContextID identifies the working context awaiting resolution.
		ContextID string
		// ContextType is the context type name.
		ContextType string
		// Question is the prompt to present to the collaborator.
		Question string
		// Options lists the candidate choices.
		Options []string
	}

	// OutputProducedEvent fires when a cycle yields user-facing output.
	OutputProducedEvent struct {
		baseEvent
		// Content is the output payload, typically reply text.
		Content string
		// Target names the output channel (e.g., "speech", "text").
		Target string
	}

	// baseEvent holds the fields shared by all event types. It is embedded
	// anonymously in each concrete event struct and provides the SessionID and
	// At methods.
	baseEvent struct {
		sessionID string
		at        time.Time
	}
)

// NewCycleStartedEvent constructs a CycleStartedEvent with the current time.
func NewCycleStartedEvent(sessionID string, cycle int, trigger string) *CycleStartedEvent {
	return &CycleStartedEvent{baseEvent: newBaseEvent(sessionID), Cycle: cycle, Trigger: trigger}
}

// NewLayerCompletedEvent constructs a LayerCompletedEvent. Data carries the
// module's layer output and may be nil.
func NewLayerCompletedEvent(sessionID string, cycle int, layer, moduleID string, data map[string]any) *LayerCompletedEvent {
	return &LayerCompletedEvent{
		baseEvent: newBaseEvent(sessionID),
		Cycle:     cycle,
		Layer:     layer,
		ModuleID:  moduleID,
		Data:      data,
	}
}

// NewCycleCompletedEvent constructs a CycleCompletedEvent. Status should be
// "completed" or "failed".
func NewCycleCompletedEvent(sessionID string, cycle int, status string) *CycleCompletedEvent {
	return &CycleCompletedEvent{baseEvent: newBaseEvent(sessionID), Cycle: cycle, Status: status}
}

// NewStateChangedEvent constructs a StateChangedEvent for a mode transition.
func NewStateChangedEvent(from, to, reason string) *StateChangedEvent {
	return &StateChangedEvent{baseEvent: newBaseEvent(""), From: from, To: to, Reason: reason}
}

// NewSessionStartedEvent constructs a SessionStartedEvent.
func NewSessionStartedEvent(sessionID, kind, parentID, trigger string) *SessionStartedEvent {
	return &SessionStartedEvent{baseEvent: newBaseEvent(sessionID), Kind: kind, ParentID: parentID, Trigger: trigger}
}

// NewSessionEndedEvent constructs a SessionEndedEvent.
func NewSessionEndedEvent(sessionID, kind, reason, summary string) *SessionEndedEvent {
	return &SessionEndedEvent{baseEvent: newBaseEvent(sessionID), Kind: kind, Reason: reason, Summary: summary}
}

// NewModuleRegisteredEvent constructs a ModuleRegisteredEvent. The capability
// slice is copied.
func NewModuleRegisteredEvent(moduleID string, capabilities []string) *ModuleRegisteredEvent {
	caps := append([]string(nil), capabilities...)
	return &ModuleRegisteredEvent{baseEvent: newBaseEvent(""), ModuleID: moduleID, Capabilities: caps}
}

// NewContextDecisionEvent constructs a ContextDecisionEvent.
func NewContextDecisionEvent(sessionID, contextID, contextType, outcome string, sampleCount int) *ContextDecisionEvent {
	return &ContextDecisionEvent{
		baseEvent:   newBaseEvent(sessionID),
		ContextID:   contextID,
		ContextType: contextType,
		Outcome:     outcome,
		SampleCount: sampleCount,
	}
}

// NewInquiryRaisedEvent constructs an InquiryRaisedEvent. Options are copied.
func NewInquiryRaisedEvent(sessionID, contextID, contextType, question string, options []string) *InquiryRaisedEvent {
	opts := append([]string(nil), options...)
	return &InquiryRaisedEvent{
		baseEvent:   newBaseEvent(sessionID),
		ContextID:   contextID,
		ContextType: contextType,
		Question:    question,
		Options:     opts,
	}
}

// NewOutputProducedEvent constructs an OutputProducedEvent.
func NewOutputProducedEvent(sessionID, content, target string) *OutputProducedEvent {
	return &OutputProducedEvent{baseEvent: newBaseEvent(sessionID), Content: content, Target: target}
}

// SessionID returns the interaction session the event belongs to.
func (e baseEvent) SessionID() string { return e.sessionID }

// At returns the event creation time.
func (e baseEvent) At() time.Time { return e.at }

// newBaseEvent constructs a baseEvent stamped with the current time.
func newBaseEvent(sessionID string) baseEvent {
	return baseEvent{sessionID: sessionID, at: time.Now()}
}

// Type method implementations

func (e *CycleStartedEvent) Type() EventType     { return CycleStarted }
func (e *LayerCompletedEvent) Type() EventType   { return LayerCompleted }
func (e *CycleCompletedEvent) Type() EventType   { return CycleCompleted }
func (e *StateChangedEvent) Type() EventType     { return StateChanged }
func (e *SessionStartedEvent) Type() EventType   { return SessionStarted }
func (e *SessionEndedEvent) Type() EventType     { return SessionEnded }
func (e *ModuleRegisteredEvent) Type() EventType { return ModuleRegistered }
func (e *ContextDecisionEvent) Type() EventType  { return ContextDecision }
func (e *InquiryRaisedEvent) Type() EventType    { return InquiryRaised }
func (e *OutputProducedEvent) Type() EventType   { return OutputProduced }
