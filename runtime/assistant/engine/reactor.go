package engine

import (
	"context"
	"time"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/pipeline"
	"github.com/aura-ai/aura/runtime/assistant/session"
	"github.com/aura-ai/aura/runtime/assistant/state"
)

// react folds pipeline and session outcomes back into the runtime: produced
// outputs become interaction outputs and conversation turns, failed cycles
// push the machine into error mode, and ended sessions trigger bookkeeping.
// Failures here are logged and absorbed so the bus keeps delivering.
func (e *Engine) react(ctx context.Context, event events.Event) error {
	switch evt := event.(type) {
	case *events.OutputProducedEvent:
		// Outputs appended to interactions echo back through the bus with
		// target "interaction"; reacting to those would append forever.
		if evt.Target == "interaction" {
			return nil
		}
		e.foldOutput(ctx, evt)
	case *events.CycleCompletedEvent:
		if evt.Status == pipeline.CycleStatusFailed {
			e.clearPending(evt.SessionID())
			meta := map[string]any{"reason": "cycle_failed"}
			if err := e.Machine.Set(ctx, state.ModeError, meta); err != nil {
				e.logger.Warn(ctx, "enter error mode failed", "err", err.Error())
			}
		}
	case *events.SessionEndedEvent:
		e.sessionEnded(ctx, evt)
	}
	return nil
}

// foldOutput records a produced output on its interaction and, when a
// conversation owns the interaction, pairs it with the stashed input into a
// turn. A turn landing on the snapshot interval saves conversation memory.
func (e *Engine) foldOutput(ctx context.Context, evt *events.OutputProducedEvent) {
	in, ok := e.Sessions.Interaction(evt.SessionID())
	if !ok {
		return
	}
	out := session.Output{
		Kind:    "reply",
		Payload: map[string]any{"text": evt.Content, "target": evt.Target},
	}
	if err := e.Sessions.AddOutput(ctx, in.ID, out); err != nil {
		e.logger.Warn(ctx, "record output failed", "interaction_id", in.ID, "err", err.Error())
		return
	}
	if in.ChildKind != session.ChildConversation {
		return
	}
	stash, ok := e.takePending(in.ID)
	if !ok {
		return
	}
	turn := session.Turn{
		Input:    stash.text,
		Response: map[string]any{"text": evt.Content},
		Elapsed:  time.Since(stash.at),
	}
	due, err := e.Sessions.AddTurn(ctx, in.ChildID, turn)
	if err != nil {
		e.logger.Warn(ctx, "record turn failed", "conversation_id", in.ChildID, "err", err.Error())
		return
	}
	if due {
		e.snapshotMemory(ctx, in, evt.Content)
	}
}

// snapshotMemory asks the first memory-capable module to persist the
// conversation's recent turns under its memory token.
func (e *Engine) snapshotMemory(ctx context.Context, in session.Interaction, lastReply string) {
	descs := e.Registry.ByCapability(modregistry.CapMemory)
	if len(descs) == 0 {
		return
	}
	conv, ok := e.Sessions.Conversation(in.ChildID)
	if !ok {
		return
	}
	turns, err := e.Sessions.RecentTurns(conv.ID, conv.SnapshotInterval)
	if err != nil {
		return
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Input)
	}
	resp := e.Pipeline.Invoke(ctx, pipeline.Request{
		TargetID: descs[0].ID,
		Layer:    pipeline.LayerProcessing,
		Payload: map[string]any{
			"action":       "snapshot",
			"memory_token": conv.MemoryToken,
			"turns":        lines,
			"last_reply":   lastReply,
		},
		Source:    "engine",
		Reason:    "conversation snapshot",
		SessionID: in.ID,
		Cycle:     in.CycleIndex,
	})
	if resp.Status != pipeline.StatusSuccess {
		e.logger.Warn(ctx, "memory snapshot failed",
			"conversation_id", conv.ID, "module_id", descs[0].ID, "status", string(resp.Status))
	}
}

// sessionEnded reconciles after a session closes: an ended interaction is
// recorded with the working-context manager and sweeps its per-interaction
// contexts, and every ending resyncs the mode with the surviving sessions.
func (e *Engine) sessionEnded(ctx context.Context, evt *events.SessionEndedEvent) {
	switch evt.Kind {
	case "interaction":
		e.clearPending(evt.SessionID())
		if err := e.Contexts.RecordInteraction(ctx, evt.SessionID()); err != nil {
			e.logger.Warn(ctx, "record interaction failed",
				"interaction_id", evt.SessionID(), "err", err.Error())
		}
		if swept := e.Contexts.SweepExpired(time.Now()); swept > 0 {
			e.logger.Debug(ctx, "interaction contexts swept", "count", swept)
		}
		e.Machine.Sync(ctx, stateCounts(e.Sessions.Counts()))
	case string(session.ChildConversation), string(session.ChildTask):
		e.Machine.Sync(ctx, stateCounts(e.Sessions.Counts()))
	}
}
