// Package pulse mirrors engine bus events onto goa.design/pulse streams.
// Services build a Redis client, wrap it in the clients/pulse Client, and
// register the resulting Sink on the engine bus; every event then lands as a
// JSON envelope in a bounded Redis stream where external consumers (dashboards,
// session replay, other processes) can read it without touching the engine.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aura-ai/aura/features/stream/pulse/clients/pulse"
	"github.com/aura-ai/aura/runtime/assistant/events"
)

// defaultStream is the Pulse stream receiving all engine events when no
// StreamID derivation is configured.
const defaultStream = "aura/events"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// Stream names the target stream when StreamID is not set. Defaults
		// to "aura/events".
		Stream string
		// StreamID derives the target stream from an event, for deployments
		// that shard the mirror (e.g. one stream per session).
		StreamID func(events.Event) (string, error)
	}

	// Sink publishes engine events into Pulse streams. It implements
	// events.Subscriber, so registering it on the bus is enough to mirror
	// everything the engine emits. Safe for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(events.Event) (string, error)
	}

	// Envelope is the wire form of a mirrored event. External consumers
	// decode stream entries into this type.
	Envelope struct {
		// Type identifies the event kind (e.g. "cycle_completed").
		Type string `json:"type"`
		// SessionID is empty for engine-global events such as state changes.
		SessionID string `json:"session_id,omitempty"`
		// Timestamp records when the event was created (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific fields, if any.
		Payload map[string]any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.Stream
	if name == "" {
		name = defaultStream
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(events.Event) (string, error) { return name, nil }
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// HandleEvent implements events.Subscriber. It derives the target stream,
// wraps the event in a JSON envelope, and publishes it.
func (s *Sink) HandleEvent(ctx context.Context, evt events.Event) error {
	streamID, err := s.streamID(evt)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(evt.Type()),
		SessionID: evt.SessionID(),
		Timestamp: evt.At().UTC(),
		Payload:   payloadOf(evt),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink by delegating to the Pulse
// client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// payloadOf flattens an event's variant fields into the envelope payload.
// Keys are stable wire names, not Go identifiers.
func payloadOf(evt events.Event) map[string]any {
	switch e := evt.(type) {
	case *events.CycleStartedEvent:
		return map[string]any{"cycle": e.Cycle, "trigger": e.Trigger}
	case *events.LayerCompletedEvent:
		p := map[string]any{"cycle": e.Cycle, "layer": e.Layer, "module_id": e.ModuleID}
		if len(e.Data) > 0 {
			p["data"] = e.Data
		}
		return p
	case *events.CycleCompletedEvent:
		return map[string]any{"cycle": e.Cycle, "status": e.Status}
	case *events.StateChangedEvent:
		return map[string]any{"from": e.From, "to": e.To, "reason": e.Reason}
	case *events.SessionStartedEvent:
		p := map[string]any{"kind": e.Kind, "trigger": e.Trigger}
		if e.ParentID != "" {
			p["parent_id"] = e.ParentID
		}
		return p
	case *events.SessionEndedEvent:
		p := map[string]any{"kind": e.Kind, "reason": e.Reason}
		if e.Summary != "" {
			p["summary"] = e.Summary
		}
		return p
	case *events.ModuleRegisteredEvent:
		return map[string]any{"module_id": e.ModuleID, "capabilities": e.Capabilities}
	case *events.ContextDecisionEvent:
		return map[string]any{
			"context_id":   e.ContextID,
			"context_type": e.ContextType,
			"outcome":      e.Outcome,
			"sample_count": e.SampleCount,
		}
	case *events.InquiryRaisedEvent:
		return map[string]any{
			"context_id":   e.ContextID,
			"context_type": e.ContextType,
			"question":     e.Question,
			"options":      e.Options,
		}
	case *events.OutputProducedEvent:
		return map[string]any{"content": e.Content, "target": e.Target}
	default:
		return nil
	}
}
