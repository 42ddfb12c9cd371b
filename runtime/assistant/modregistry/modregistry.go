// Package modregistry tracks the modules an engine can dispatch to: their
// descriptors (capabilities, priority, rate settings), their lifecycle state,
// and an optional JSON schema their payloads must satisfy.
//
// Modules declare how they are invoked by implementing exactly one of
// SyncModule or DeferredModule alongside the base Module interface. The
// registry enforces that contract at registration; nothing is inferred from
// a module afterwards.
package modregistry

import (
	"context"
	"errors"
	"time"
)

// State is a module's availability in the registry.
type State string

const (
	// StateAvailable means the module can be dispatched to.
	StateAvailable State = "available"
	// StateBusy means the module is handling an invocation.
	StateBusy State = "busy"
	// StateError means the module's last invocation failed; it remains
	// dispatchable and the state resets on the next successful call.
	StateError State = "module_error"
	// StateDisabled means the module is administratively off; invocations
	// are skipped.
	StateDisabled State = "disabled"
)

// Well-known capability names. Modules may declare others; these are the ones
// the router and pipeline key their rules on.
const (
	CapNLP               = "nlp"
	CapMemory            = "memory"
	CapLanguageModel     = "language_model"
	CapSpeechSynthesis   = "speech_synthesis"
	CapSpeechRecognition = "speech_recognition"
	CapSpeakerID         = "speaker_identification"
	CapSystemControl     = "system_control"
	CapEmotionAnalysis   = "emotion_analysis"
	CapPersonalization   = "personalization"
)

var (
	// ErrModuleNotFound is returned when no module with the id is registered.
	ErrModuleNotFound = errors.New("module not found")
	// ErrModuleRegistered is returned when the id is already taken.
	ErrModuleRegistered = errors.New("module already registered")
	// ErrInvalidContract is returned when a module implements neither or
	// both of SyncModule and DeferredModule.
	ErrInvalidContract = errors.New("module must implement exactly one of SyncModule or DeferredModule")
)

type (
	// Descriptor carries a module's registry metadata.
	Descriptor struct {
		// ID is the unique module identifier. Empty falls back to the
		// module's own ID().
		ID string
		// Capabilities the module offers (e.g. "language_model").
		Capabilities []string
		// Dependencies lists module ids this module relies on. Informational.
		Dependencies []string
		// State is the availability; empty defaults to StateAvailable.
		State State
		// Priority orders modules within a capability, higher first.
		Priority int
		// RatePerSec caps invocations per second; zero means unlimited.
		RatePerSec float64
		// Burst is the rate limiter burst; zero defaults to 1 when a rate is
		// set.
		Burst int
		// LastActive is maintained by the registry on state changes.
		LastActive time.Time
	}

	// Module is the base contract every module implements.
	Module interface {
		// ID returns the module's identifier.
		ID() string
		// Init prepares the module for dispatch.
		Init(ctx context.Context) error
		// Shutdown releases the module's resources.
		Shutdown(ctx context.Context) error
	}

	// SyncModule handles an invocation inline and returns its result.
	SyncModule interface {
		Module
		Handle(ctx context.Context, payload map[string]any) (map[string]any, error)
	}

	// Result is the eventual outcome of a deferred submission.
	Result interface {
		Await(ctx context.Context) (map[string]any, error)
	}

	// DeferredModule accepts an invocation and completes it later. Submit
	// returns once the work is accepted.
	DeferredModule interface {
		Module
		Submit(ctx context.Context, payload map[string]any) (Result, error)
	}
)

// HasCapability reports whether the descriptor declares the capability.
func (d Descriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
