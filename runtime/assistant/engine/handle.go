package engine

import (
	"context"
	"fmt"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/pipeline"
	"github.com/aura-ai/aura/runtime/assistant/router"
	"github.com/aura-ai/aura/runtime/assistant/session"
	"github.com/aura-ai/aura/runtime/assistant/state"
)

type (
	// Input is one user- or system-originated stimulus handed to the engine.
	Input struct {
		// Kind names the input channel: "voice_input", "text_input",
		// "system_event", "scheduled" or "continuation". Unrecognized and
		// empty kinds are treated as voice input.
		Kind string
		// Text is the utterance or command payload.
		Text string
		// Meta carries channel extras. "action" selects a task control verb
		// (pause, resume, cancel, status) when a task owns the interaction;
		// "workflow" names the workflow type for new tasks.
		Meta map[string]any
	}

	// Coordination reports how an input was dispatched. Reply is filled only
	// when the engine answers inline — trivial intents and task control
	// acknowledgements; conversational replies arrive asynchronously as
	// interaction outputs. Cycle is -1 when no pipeline cycle was opened.
	Coordination struct {
		InteractionID string
		ChildKind     session.ChildKind
		Intent        router.IntentKind
		Reply         string
		Mode          state.Mode
		Cycle         int
	}
)

const (
	greetingReply = "你好！我是 Aura，有什麼可以幫助你的嗎？"
	statusReply   = "系統運行正常。"
	ackReply      = "我了解了。"
)

// HandleInput coordinates one input through the runtime. Without a current
// interaction it starts one. An interaction already processing a child
// forwards the input to that child: conversations get a new pipeline cycle,
// tasks advance a step or apply a control action. Otherwise the input is
// classified; trivial intents are answered inline, commands spawn a task and
// everything else a conversation, each opening a pipeline cycle whose reply
// flows back asynchronously.
func (e *Engine) HandleInput(ctx context.Context, in Input) (Coordination, error) {
	if err := e.running(); err != nil {
		return Coordination{}, err
	}
	cur, ok := e.Sessions.Current()
	if !ok {
		var err error
		cur, err = e.Sessions.StartInteraction(ctx, triggerFor(in.Kind))
		if err != nil {
			return Coordination{}, fmt.Errorf("start interaction: %w", err)
		}
	}
	if cur.Status == session.InteractionProcessing && cur.ChildKind != session.ChildNone {
		return e.forwardToChild(ctx, cur, in)
	}

	intent := router.Classify(in.Text)
	switch {
	case intent.Trivial():
		return e.trivial(ctx, cur, intent)
	case intent.Kind == router.IntentCommand:
		return e.startTaskFlow(ctx, cur, intent, in)
	default:
		return e.startChatFlow(ctx, cur, intent, in)
	}
}

// trivial answers greetings and status probes inline without touching the
// mode or spawning a child.
func (e *Engine) trivial(ctx context.Context, cur session.Interaction, intent router.Intent) (Coordination, error) {
	reply := trivialReply(intent.Kind)
	out := session.Output{
		Kind:    "reply",
		Payload: map[string]any{"text": reply, "intent": string(intent.Kind)},
	}
	if err := e.Sessions.AddOutput(ctx, cur.ID, out); err != nil {
		return Coordination{}, fmt.Errorf("append trivial reply: %w", err)
	}
	e.metrics.IncCounter("engine_inputs_total", 1, "intent", string(intent.Kind))
	return Coordination{
		InteractionID: cur.ID,
		ChildKind:     session.ChildNone,
		Intent:        intent.Kind,
		Reply:         reply,
		Mode:          e.Machine.Mode(),
		Cycle:         -1,
	}, nil
}

func trivialReply(kind router.IntentKind) string {
	switch kind {
	case router.IntentGreeting:
		return greetingReply
	case router.IntentStatus:
		return statusReply
	default:
		return ackReply
	}
}

// startChatFlow attaches a conversation, enters chat mode and opens the first
// pipeline cycle for the utterance.
func (e *Engine) startChatFlow(ctx context.Context, cur session.Interaction, intent router.Intent, in Input) (Coordination, error) {
	if _, err := e.Sessions.AttachConversation(ctx, cur.ID, intent.Text); err != nil {
		return Coordination{}, fmt.Errorf("attach conversation: %w", err)
	}
	meta := map[string]any{"reason": "intent:" + string(intent.Kind), "seed": intent.Text}
	if err := e.Machine.Set(ctx, state.ModeChat, meta); err != nil {
		return Coordination{}, err
	}
	cycle, err := e.startCycle(ctx, cur.ID, intent, in)
	if err != nil {
		return Coordination{}, err
	}
	e.metrics.IncCounter("engine_inputs_total", 1, "intent", string(intent.Kind))
	return Coordination{
		InteractionID: cur.ID,
		ChildKind:     session.ChildConversation,
		Intent:        intent.Kind,
		Mode:          e.Machine.Mode(),
		Cycle:         cycle,
	}, nil
}

// startTaskFlow attaches a task, enters work mode and opens a cycle so the
// command is routed through the system-control path.
func (e *Engine) startTaskFlow(ctx context.Context, cur session.Interaction, intent router.Intent, in Input) (Coordination, error) {
	if _, err := e.Sessions.AttachTask(ctx, cur.ID, intent.Text, workflowFor(in.Meta)); err != nil {
		return Coordination{}, fmt.Errorf("attach task: %w", err)
	}
	meta := map[string]any{"reason": "intent:command", "command": intent.Text}
	if err := e.Machine.Set(ctx, state.ModeWork, meta); err != nil {
		return Coordination{}, err
	}
	cycle, err := e.startCycle(ctx, cur.ID, intent, in)
	if err != nil {
		return Coordination{}, err
	}
	e.metrics.IncCounter("engine_inputs_total", 1, "intent", string(intent.Kind))
	return Coordination{
		InteractionID: cur.ID,
		ChildKind:     session.ChildTask,
		Intent:        intent.Kind,
		Mode:          e.Machine.Mode(),
		Cycle:         cycle,
	}, nil
}

// startCycle opens a pipeline cycle for the interaction and feeds it the
// classified input as the input-layer completion. The utterance is stashed so
// the reactor can pair it with the produced output into a conversation turn.
func (e *Engine) startCycle(ctx context.Context, interactionID string, intent router.Intent, in Input) (int, error) {
	seed := map[string]any{"session_id": interactionID}
	cycle, err := e.Pipeline.StartCycle(ctx, interactionID, string(triggerFor(in.Kind)), seed)
	if err != nil {
		return -1, fmt.Errorf("start cycle: %w", err)
	}
	if _, err := e.Sessions.BumpCycle(interactionID); err != nil {
		e.logger.Warn(ctx, "bump cycle failed", "interaction_id", interactionID, "err", err.Error())
	}
	e.stash(interactionID, intent)
	done := events.NewLayerCompletedEvent(interactionID, cycle, string(pipeline.LayerInput), "intent",
		map[string]any{"text": intent.Text, "intent": string(intent.Kind)})
	if err := e.Queue.Publish(ctx, done); err != nil {
		return cycle, fmt.Errorf("publish input completion: %w", err)
	}
	return cycle, nil
}

// forwardToChild routes an input to the interaction's active child.
func (e *Engine) forwardToChild(ctx context.Context, cur session.Interaction, in Input) (Coordination, error) {
	switch cur.ChildKind {
	case session.ChildConversation:
		intent := router.Classify(in.Text)
		cycle, err := e.startCycle(ctx, cur.ID, intent, in)
		if err != nil {
			return Coordination{}, fmt.Errorf("forward to conversation: %w", err)
		}
		return Coordination{
			InteractionID: cur.ID,
			ChildKind:     session.ChildConversation,
			Intent:        intent.Kind,
			Mode:          e.Machine.Mode(),
			Cycle:         cycle,
		}, nil
	case session.ChildTask:
		return e.forwardToTask(ctx, cur, in)
	default:
		return Coordination{}, fmt.Errorf("unknown child kind %q", cur.ChildKind)
	}
}

// forwardToTask applies a control action when one is requested and otherwise
// advances the task one step. A step that finishes the task folds it back
// into the interaction and resyncs the mode.
func (e *Engine) forwardToTask(ctx context.Context, cur session.Interaction, in Input) (Coordination, error) {
	if action, _ := in.Meta["action"].(string); action != "" {
		return e.taskControl(ctx, cur, action)
	}
	task, err := e.Sessions.AdvanceStep(ctx, cur.ChildID, "execute", map[string]any{"input": in.Text})
	if err != nil {
		return Coordination{}, fmt.Errorf("advance task: %w", err)
	}
	co := Coordination{
		InteractionID: cur.ID,
		ChildKind:     session.ChildTask,
		Intent:        router.IntentCommand,
		Reply:         fmt.Sprintf("step %d/%d", task.CurrentStep, task.MaxSteps),
		Cycle:         -1,
	}
	if task.Status.Terminal() {
		if err := e.Sessions.EndChild(ctx, cur.ID, "task_"+string(task.Status)); err != nil {
			return Coordination{}, fmt.Errorf("end task: %w", err)
		}
		co.ChildKind = session.ChildNone
		co.Mode = e.Machine.Sync(ctx, stateCounts(e.Sessions.Counts()))
		return co, nil
	}
	co.Mode = e.Machine.Mode()
	return co, nil
}

// taskControl handles the pause/resume/cancel/status verbs on the
// interaction's task.
func (e *Engine) taskControl(ctx context.Context, cur session.Interaction, action string) (Coordination, error) {
	var (
		reply string
		err   error
	)
	switch action {
	case "pause":
		err = e.Sessions.PauseTask(cur.ChildID)
		reply = "task paused"
	case "resume":
		err = e.Sessions.ResumeTask(cur.ChildID)
		reply = "task resumed"
	case "cancel":
		err = e.Sessions.CancelTask(cur.ChildID)
		reply = "task cancel requested"
	case "status":
		task, ok := e.Sessions.Task(cur.ChildID)
		if !ok {
			err = session.ErrTaskNotFound
		} else {
			reply = fmt.Sprintf("%s: step %d/%d", task.Status, task.CurrentStep, task.MaxSteps)
		}
	default:
		return Coordination{}, fmt.Errorf("unknown task action %q", action)
	}
	if err != nil {
		return Coordination{}, fmt.Errorf("task control %s: %w", action, err)
	}
	return Coordination{
		InteractionID: cur.ID,
		ChildKind:     session.ChildTask,
		Intent:        router.IntentCommand,
		Reply:         reply,
		Mode:          e.Machine.Mode(),
		Cycle:         -1,
	}, nil
}

// triggerFor maps an input kind onto a session trigger. Unknown kinds fall
// back to voice input, the assistant's primary channel.
func triggerFor(kind string) session.TriggerType {
	switch kind {
	case string(session.TriggerTextInput):
		return session.TriggerTextInput
	case string(session.TriggerSystemEvent):
		return session.TriggerSystemEvent
	case string(session.TriggerScheduled):
		return session.TriggerScheduled
	case string(session.TriggerContinuation):
		return session.TriggerContinuation
	default:
		return session.TriggerVoiceInput
	}
}

// workflowFor validates the requested workflow type, defaulting to the custom
// task workflow.
func workflowFor(meta map[string]any) string {
	wf, _ := meta["workflow"].(string)
	switch wf {
	case session.WorkflowFileOperation, session.WorkflowSystemCommand,
		session.WorkflowModuleIntegration, session.WorkflowAutomation,
		session.WorkflowCustomTask:
		return wf
	default:
		return session.WorkflowCustomTask
	}
}
