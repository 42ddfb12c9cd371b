// Package workctx implements the working context store: scoped accumulators
// of cross-module data that fire a pluggable decision once a sample threshold
// is reached, plus the unscoped global key/value store shared by every module.
package workctx

import (
	"errors"
	"time"
)

// Type identifies what kind of data a working context accumulates.
type Type string

const (
	// TypeSpeakerSamples accumulates voice samples for speaker enrollment.
	TypeSpeakerSamples Type = "speaker_samples"
	// TypeIdentity tracks the active user identity.
	TypeIdentity Type = "identity"
	// TypeConversation accumulates conversational exchanges.
	TypeConversation Type = "conversation"
	// TypeTaskExecution accumulates task step results.
	TypeTaskExecution Type = "task_execution"
	// TypeCrossModule accumulates data shared between modules within a cycle.
	TypeCrossModule Type = "cross_module"
	// TypeLearning accumulates observations for long-term adaptation.
	TypeLearning Type = "learning"
)

// Scope controls a context's lifetime and sweep eligibility.
type Scope string

const (
	// ScopePerInteraction contexts live for one interaction and are swept on
	// expiry or completion.
	ScopePerInteraction Scope = "per_interaction"
	// ScopeProcessLifetime contexts live for the whole process and are never
	// swept; their item slices are capped instead.
	ScopeProcessLifetime Scope = "process_lifetime"
	// ScopePersisted contexts additionally serialize their metadata to the
	// configured MetadataStore on every successful append.
	ScopePersisted Scope = "persisted"
)

// Status is a context's lifecycle state.
type Status string

const (
	// StatusActive accepts appends and is addressable as the current context
	// of its type.
	StatusActive Status = "active"
	// StatusPendingDecision crossed its threshold and awaits a decision or an
	// external confirmation.
	StatusPendingDecision Status = "pending_decision"
	// StatusSuspended could not be resolved automatically and is parked until
	// an external resolution arrives.
	StatusSuspended Status = "suspended"
	// StatusCompleted finished its decision; items are cleared and the next
	// append of the type starts a fresh context.
	StatusCompleted Status = "completed"
	// StatusExpired exceeded its idle timeout.
	StatusExpired Status = "expired"
)

var (
	// ErrContextNotFound indicates no context exists for the given id.
	ErrContextNotFound = errors.New("context not found")
	// ErrContextActive indicates an explicit Create collided with a live
	// context of the same type.
	ErrContextActive = errors.New("context of this type is already active")
	// ErrNotPending indicates a Resolve call on a context that has no pending
	// decision.
	ErrNotPending = errors.New("context has no pending decision")
	// ErrHandlerRegistered indicates a second handler registration for a type.
	ErrHandlerRegistered = errors.New("decision handler already registered for type")
	// ErrNoHandler indicates no decision handler is registered for a type.
	ErrNoHandler = errors.New("no decision handler registered for type")
)

type (
	// Context is a snapshot of a single working context. Manager methods
	// return copies; mutating a returned Context has no effect on the store.
	Context struct {
		ID           string
		Type         Type
		Scope        Scope
		Status       Status
		Items        []Item
		Metadata     map[string]any
		Threshold    int
		Timeout      time.Duration
		CreatedAt    time.Time
		LastActivity time.Time
	}

	// Item is one accumulated sample.
	Item struct {
		Payload  any
		Metadata map[string]any
		At       time.Time
	}

	// Defaults are the creation parameters used when an append auto-creates a
	// context for a type.
	Defaults struct {
		Threshold int
		Timeout   time.Duration
		Scope     Scope
	}
)

// Count returns the number of accumulated items.
func (c Context) Count() int { return len(c.Items) }

// typeDefaults holds the built-in per-type creation parameters. Speaker
// enrollment needs a full sample batch before a decision is worth making;
// identity updates apply immediately.
var typeDefaults = map[Type]Defaults{
	TypeSpeakerSamples: {Threshold: 15, Timeout: 5 * time.Minute, Scope: ScopeProcessLifetime},
	TypeIdentity:       {Threshold: 1, Timeout: 5 * time.Minute, Scope: ScopePersisted},
	TypeConversation:   {Threshold: 10, Timeout: 5 * time.Minute, Scope: ScopePerInteraction},
	TypeTaskExecution:  {Threshold: 1, Timeout: 5 * time.Minute, Scope: ScopePerInteraction},
	TypeCrossModule:    {Threshold: 5, Timeout: 5 * time.Minute, Scope: ScopePerInteraction},
	TypeLearning:       {Threshold: 20, Timeout: 5 * time.Minute, Scope: ScopeProcessLifetime},
}

// DefaultsFor returns the creation defaults for a context type. Unknown types
// fall back to a 15-sample threshold with a five minute idle timeout, swept
// per interaction.
func DefaultsFor(t Type) Defaults {
	if d, ok := typeDefaults[t]; ok {
		return d
	}
	return Defaults{Threshold: 15, Timeout: 5 * time.Minute, Scope: ScopePerInteraction}
}

// clone deep-copies a context for safe hand-out.
func clone(in *Context) Context {
	out := *in
	if len(in.Items) > 0 {
		out.Items = make([]Item, len(in.Items))
		for i, it := range in.Items {
			out.Items[i] = cloneItem(it)
		}
	} else {
		out.Items = nil
	}
	out.Metadata = cloneMeta(in.Metadata)
	return out
}

func cloneItem(in Item) Item {
	out := in
	out.Metadata = cloneMeta(in.Metadata)
	return out
}

func cloneMeta(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
