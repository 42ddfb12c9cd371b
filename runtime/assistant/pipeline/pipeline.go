// Package pipeline implements the three-layer invocation pipeline that turns
// one classified input into one produced output.
//
// Every module belongs to exactly one layer: Input (speech recognition,
// speaker identification, intent extraction), Processing (memory, language
// model, system command) or Output (speech synthesis). A cycle walks the
// layers in order; layer completions are reported by modules as
// LayerCompletedEvents and consumed from the engine queue — the coordinator
// never infers completion on its own. A flow key (session, cycle, layer)
// deduplicates racing completion notifications so each layer advances at most
// once per cycle.
package pipeline

import (
	"time"

	"github.com/aura-ai/aura/runtime/assistant/modregistry"
)

type (
	// Layer is one of the three pipeline stages.
	Layer string

	// CyclePhase is the per-session FSM position.
	CyclePhase string

	// Status classifies one module invocation outcome.
	Status string

	// Request describes one module invocation.
	Request struct {
		// TargetID is the module to invoke.
		TargetID string
		// Payload is the module input, validated against the module's
		// registered schema before dispatch.
		Payload map[string]any
		// Source names the component that requested the invocation.
		Source string
		// Reason is a short human-readable dispatch rationale.
		Reason string
		// Layer the invocation belongs to.
		Layer Layer
		// SessionID and Cycle locate the invocation in the flow.
		SessionID string
		Cycle     int
		// Timeout bounds the call; zero falls back to the coordinator default.
		Timeout time.Duration
	}

	// Response reports one module invocation outcome.
	Response struct {
		TargetID string
		Status   Status
		Layer    Layer
		// Output is the module result map, nil unless Status is Success.
		Output  map[string]any
		Err     string
		Elapsed time.Duration
	}

	// Record is one bounded-history entry. NoTarget outcomes are never
	// recorded.
	Record struct {
		Module    string
		Layer     Layer
		Status    Status
		SessionID string
		Cycle     int
		Err       string
		Elapsed   time.Duration
		At        time.Time
	}

	// ModuleStats aggregates invocation outcomes for one module.
	ModuleStats struct {
		Invocations int
		Successes   int
		Failures    int
		AvgElapsed  time.Duration
	}

	// Stats is a point-in-time aggregate over all invocations.
	Stats struct {
		Total     int
		Successes int
		Failures  int
		Skipped   int
		// Duplicates counts layer-completion notifications dropped by the
		// flow-key dedup set.
		Duplicates int
		PerModule  map[string]ModuleStats
	}
)

const (
	// LayerInput covers speech and intent extraction.
	LayerInput Layer = "input"
	// LayerProcessing covers memory, language model and system command.
	LayerProcessing Layer = "processing"
	// LayerOutput covers speech synthesis.
	LayerOutput Layer = "output"
)

const (
	// CycleIdle means no cycle is running for the session.
	CycleIdle CyclePhase = "idle"
	// InputRunning means the input layer is collecting and classifying.
	InputRunning CyclePhase = "input_running"
	// ProcessingRunning means processing-layer targets are dispatched.
	ProcessingRunning CyclePhase = "processing_running"
	// OutputRunning means the output layer is rendering the reply.
	OutputRunning CyclePhase = "output_running"
)

const (
	// StatusSuccess means the module returned a result.
	StatusSuccess Status = "success"
	// StatusFailed covers handler errors, panics, schema rejections and
	// timeouts.
	StatusFailed Status = "failed"
	// StatusSkipped means the module is disabled.
	StatusSkipped Status = "skipped"
	// StatusNoTarget means the module id is not registered. Logged only,
	// never recorded in history.
	StatusNoTarget Status = "no_target"
)

// Cycle terminal statuses carried by CycleCompletedEvent.
const (
	CycleStatusCompleted = "completed"
	CycleStatusFailed    = "failed"
)

// LayerOf maps a module descriptor to its pipeline layer by capability.
// Membership is static: input capabilities win over processing ones so a
// module carrying both (an intent extractor with model access) stays in the
// input layer.
func LayerOf(desc modregistry.Descriptor) Layer {
	for _, cap := range []string{
		modregistry.CapSpeechRecognition,
		modregistry.CapSpeakerID,
		modregistry.CapNLP,
	} {
		if desc.HasCapability(cap) {
			return LayerInput
		}
	}
	if desc.HasCapability(modregistry.CapSpeechSynthesis) {
		return LayerOutput
	}
	return LayerProcessing
}
