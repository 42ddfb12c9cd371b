package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-ai/aura/runtime/assistant/modregistry"
)

func TestRouteDirectTable(t *testing.T) {
	r := New(Options{})

	chat, err := r.Route(Intent{Kind: IntentChat, Text: "今天天氣"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, Target{ModuleID: "llm", ArgKey: "text"}, chat.Target)
	require.Equal(t, "今天天氣", chat.Args["text"])
	require.Equal(t, "direct", chat.Planner)
	require.Empty(t, chat.Queued)

	cmd, err := r.Route(Intent{Kind: IntentCommand, Text: "open the blinds"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, Target{ModuleID: "sys", ArgKey: "detail"}, cmd.Target)
	require.Equal(t, "open the blinds", cmd.Args["detail"])
}

func TestRouteUnsupportedIntentFallsBackToChat(t *testing.T) {
	// Strategy mode with no registry degrades to Direct, and an intent
	// outside the table takes the chat route.
	r := New(Options{Mode: ModeStrategy, Strategy: NewPriorityStrategy()})

	got, err := r.Route(Intent{Kind: IntentKind("unknown_xyz"), Text: "zzz"}, RouteContext{})
	require.NoError(t, err)

	direct := New(Options{})
	want, err := direct.Route(Intent{Kind: IntentChat, Text: "zzz"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, want.Target, got.Target)
	require.Equal(t, want.Args["text"], got.Args["text"])
}

func TestRouteRequiresKind(t *testing.T) {
	r := New(Options{})
	_, err := r.Route(Intent{}, RouteContext{})
	require.Error(t, err)
}

func TestRouteStrategyPlansAndQueues(t *testing.T) {
	plan := []Target{
		{ModuleID: "nlp", ArgKey: "text"},
		{ModuleID: "llm", ArgKey: "text"},
		{ModuleID: "tts", ArgKey: "text"},
	}
	r := New(Options{
		Mode:     ModeStrategy,
		Strategy: stubStrategy{name: "scripted", plan: plan},
		Registry: staticModules{},
	})

	got, err := r.Route(Intent{Kind: IntentChat, Text: "hello world how are things"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, plan[0], got.Target)
	require.Equal(t, plan[1:], got.Queued)
	require.Equal(t, "scripted", got.Planner)
}

func TestRouteStrategyEmptyPlanFallsBack(t *testing.T) {
	r := New(Options{
		Mode:     ModeStrategy,
		Strategy: stubStrategy{name: "empty"},
		Registry: staticModules{},
	})
	got, err := r.Route(Intent{Kind: IntentChat, Text: "hi there"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, "direct", got.Planner)
	require.Equal(t, "llm", got.Target.ModuleID)
}

func TestRouteStrategyErrorFallsBack(t *testing.T) {
	r := New(Options{
		Mode:     ModeStrategy,
		Strategy: stubStrategy{name: "broken", err: errors.New("boom")},
		Registry: staticModules{},
	})
	got, err := r.Route(Intent{Kind: IntentChat, Text: "hi there"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, "direct", got.Planner)
}

func TestRouteConditionalFirstMatchWins(t *testing.T) {
	r := New(Options{
		Mode: ModeConditional,
		Rules: []Rule{
			EmergencyBypassRule(),
			WorkflowPriorityRule(),
		},
	})

	// Emergency wins even while a workflow runs.
	got, err := r.Route(Intent{Kind: IntentChat, Text: "x"}, RouteContext{Priority: "emergency", HasActiveSession: true})
	require.NoError(t, err)
	require.Equal(t, "emergency_bypass", got.Planner)
	require.Equal(t, "sys", got.Target.ModuleID)
	require.Empty(t, got.Queued)

	// Workflow rule matches next.
	got, err = r.Route(Intent{Kind: IntentChat, Text: "x"}, RouteContext{Mode: "work"})
	require.NoError(t, err)
	require.Equal(t, "workflow_priority", got.Planner)
	require.Equal(t, "sys", got.Target.ModuleID)
	require.Equal(t, []Target{{ModuleID: "llm", ArgKey: "text"}}, got.Queued)

	// Nothing matches: direct fallback.
	got, err = r.Route(Intent{Kind: IntentChat, Text: "x"}, RouteContext{})
	require.NoError(t, err)
	require.Equal(t, "direct", got.Planner)
}

func TestPrepareArgsLanguageModel(t *testing.T) {
	r := New(Options{})
	target := Target{ModuleID: "llm", ArgKey: "text"}

	args := r.PrepareArgs(target, Intent{Kind: IntentChat, Text: "今天天氣"}, RouteContext{})
	require.Equal(t, "今天天氣", args["text"])
	require.Equal(t, "chat", args["intent"])
	require.Equal(t, false, args["use_memory"])
	require.NotContains(t, args, "recent_turns")

	args = r.PrepareArgs(target, Intent{Kind: IntentChat, Text: "do you remember my birthday"}, RouteContext{})
	require.Equal(t, true, args["use_memory"])

	rctx := RouteContext{RecentTurns: []string{"上次我們聊到天文", "還有呢"}}
	args = r.PrepareArgs(target, Intent{Kind: IntentChat, Text: "continue"}, rctx)
	require.Equal(t, true, args["use_memory"])
	require.Equal(t, rctx.RecentTurns, args["recent_turns"])
}

func TestPrepareArgsNonLanguageModel(t *testing.T) {
	r := New(Options{})
	args := r.PrepareArgs(Target{ModuleID: "sys", ArgKey: "detail"}, Intent{Kind: IntentCommand, Text: "open the door"}, RouteContext{})
	require.Equal(t, "open the door", args["detail"])
	require.NotContains(t, args, "use_memory")
}

func TestPrepareArgsResolvesCapabilityThroughRegistry(t *testing.T) {
	reg := staticModules{{
		ID:           "claude",
		Capabilities: []string{modregistry.CapLanguageModel},
	}}
	r := New(Options{Registry: reg})

	args := r.PrepareArgs(Target{ModuleID: "claude", ArgKey: "text"}, Intent{Kind: IntentChat, Text: "hi there friend"}, RouteContext{})
	require.Contains(t, args, "use_memory")
}

func TestHandleResponseSystemAction(t *testing.T) {
	r := New(Options{})
	resp := map[string]any{
		"text":       "sure, opening it",
		"sys_action": map[string]any{"action": "open_blinds", "params": map[string]any{}},
	}

	fu, err := r.HandleResponse("llm", resp, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpInvoke, fu.Kind)
	require.Equal(t, "sys", fu.Target.ModuleID)
	require.Equal(t, resp["sys_action"], fu.Args["detail"])
}

func TestHandleResponsePlainReply(t *testing.T) {
	r := New(Options{})
	fu, err := r.HandleResponse("llm", map[string]any{"text": "nice weather"}, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpNone, fu.Kind)

	// An empty action map is not a system action.
	fu, err = r.HandleResponse("llm", map[string]any{"sys_action": map[string]any{}}, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpNone, fu.Kind)
}

func TestHandleResponseMemoryEnhancement(t *testing.T) {
	r := New(Options{})
	resp := map[string]any{"success": true, "results": []any{"fact"}}

	fu, err := r.HandleResponse("mem", resp, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpEnhance, fu.Kind)
	require.Equal(t, resp, fu.Data)

	fu, err = r.HandleResponse("mem", map[string]any{"success": false}, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpNone, fu.Kind)
}

func TestHandleResponseSpeechRecognition(t *testing.T) {
	r := New(Options{})

	fu, err := r.HandleResponse("stt", map[string]any{"text": "打開窗戶"}, "idle", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpExtractIntent, fu.Kind)
	require.Equal(t, "打開窗戶", fu.Args["text"])

	fu, err = r.HandleResponse("stt", map[string]any{"text": "   "}, "idle", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpNone, fu.Kind)
}

func TestHandleResponseDefaults(t *testing.T) {
	r := New(Options{})

	fu, err := r.HandleResponse("tts", map[string]any{"ok": true}, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpNone, fu.Kind)

	fu, err = r.HandleResponse("tts", nil, "chat", RouteContext{})
	require.NoError(t, err)
	require.Equal(t, FollowUpNone, fu.Kind)

	_, err = r.HandleResponse("", nil, "chat", RouteContext{})
	require.Error(t, err)
}

type stubStrategy struct {
	name string
	plan []Target
	err  error
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) PlanRoute(Intent, RouteContext, []modregistry.Descriptor) ([]Target, error) {
	return s.plan, s.err
}

type staticModules []modregistry.Descriptor

func (s staticModules) Snapshot() []modregistry.Descriptor {
	return append([]modregistry.Descriptor(nil), s...)
}

var (
	_ RouteStrategy = stubStrategy{}
	_ ModuleSource  = staticModules{}
)
