package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/router"
	"github.com/aura-ai/aura/runtime/assistant/scheduler"
)

func TestStartCycleRejectsConcurrentCycle(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})

	idx, err := rig.coord.StartCycle(context.Background(), "s1", "text_input", nil)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.Equal(t, InputRunning, rig.coord.Phase("s1"))

	_, err = rig.coord.StartCycle(context.Background(), "s1", "text_input", nil)
	require.ErrorIs(t, err, ErrCycleActive)

	// A different session is unaffected.
	idx, err = rig.coord.StartCycle(context.Background(), "s2", "voice_input", nil)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	started := rig.events.byType(events.CycleStarted)
	require.Len(t, started, 2)
	require.Equal(t, "text_input", started[0].(*events.CycleStartedEvent).Trigger)
}

func TestStartCycleRequiresCollaborators(t *testing.T) {
	c := New(Options{})
	_, err := c.StartCycle(context.Background(), "s1", "text_input", nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

// TestCycleWalkThroughAllLayers drives one cycle end to end with the event
// publisher looped straight back into HandleEvent, the way the engine queue
// wires it. A single input completion must cascade through processing and
// output and finish the cycle.
func TestCycleWalkThroughAllLayers(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}, {ModuleID: "tts", ArgKey: "text"}})
	rig.llm.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"text": "晴天，適合出門", "emotion": "cheerful"}, nil
	}
	rig.loop()

	ctx := context.Background()
	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)

	err = rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "今天天氣如何"}))
	require.NoError(t, err)

	require.Equal(t, CycleIdle, rig.coord.Phase("s1"))
	require.Equal(t, 1, rig.llm.invocations())
	require.Equal(t, 1, rig.tts.invocations())

	// The language model sees the classified input, the synthesizer sees the
	// promoted reply.
	llmPayload := rig.llm.lastPayload()
	require.Equal(t, "今天天氣如何", llmPayload["text"])
	require.Equal(t, "chat", llmPayload["intent"])
	ttsPayload := rig.tts.lastPayload()
	require.Equal(t, "晴天，適合出門", ttsPayload["text"])
	require.Equal(t, "cheerful", ttsPayload["emotion"])

	var kinds []events.EventType
	for _, evt := range rig.events.all() {
		kinds = append(kinds, evt.Type())
	}
	require.Equal(t, []events.EventType{
		events.CycleStarted,
		events.LayerCompleted,
		events.OutputProduced,
		events.LayerCompleted,
		events.CycleCompleted,
	}, kinds)

	produced := rig.events.byType(events.OutputProduced)[0].(*events.OutputProducedEvent)
	require.Equal(t, "晴天，適合出門", produced.Content)
	require.Equal(t, "tts", produced.Target)
	done := rig.events.byType(events.CycleCompleted)[0].(*events.CycleCompletedEvent)
	require.Equal(t, CycleStatusCompleted, done.Status)

	// Completion released the flow keys and the next cycle gets index 1.
	require.Equal(t, 0, rig.coord.DedupeSize())
	idx, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

// TestDuplicateLayerCompletionDropped replays the identical processing
// completion twice: the first advances the cycle to the output layer, the
// second hits the flow-key set and must not re-render.
func TestDuplicateLayerCompletionDropped(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}, {ModuleID: "tts", ArgKey: "text"}})
	ctx := context.Background()

	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "hello there"})))
	require.Equal(t, ProcessingRunning, rig.coord.Phase("s1"))

	evt := events.NewLayerCompletedEvent("s1", 0, string(LayerProcessing), "llm", map[string]any{"text": "hi"})
	require.NoError(t, rig.coord.HandleEvent(ctx, evt))
	require.Equal(t, OutputRunning, rig.coord.Phase("s1"))
	require.Equal(t, 1, rig.tts.invocations())

	require.NoError(t, rig.coord.HandleEvent(ctx, evt))
	require.Equal(t, OutputRunning, rig.coord.Phase("s1"))
	require.Equal(t, 1, rig.tts.invocations())
	require.Equal(t, 1, rig.coord.Stats().Duplicates)

	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerOutput), "tts", nil)))
	require.Equal(t, CycleIdle, rig.coord.Phase("s1"))
}

func TestStaleLayerCompletionIgnored(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	ctx := context.Background()

	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)

	// Wrong cycle index and unknown session both drop without side effects.
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 7, string(LayerInput), "stt",
		map[string]any{"text": "late"})))
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("ghost", 0, string(LayerInput), "stt",
		map[string]any{"text": "lost"})))

	require.Equal(t, InputRunning, rig.coord.Phase("s1"))
	require.Equal(t, 0, rig.llm.invocations())
	require.Equal(t, 0, rig.coord.Stats().Duplicates)
}

func TestProcessingAdvancesOnPartialSuccess(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "mem", ArgKey: "query"}, {ModuleID: "llm", ArgKey: "text"}})
	rig.mem.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("store offline")
	}
	ctx := context.Background()

	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "remember the milk"})))

	// Only the surviving module reports its layer completion.
	completions := rig.events.byType(events.LayerCompleted)
	require.Len(t, completions, 1)
	require.Equal(t, "llm", completions[0].(*events.LayerCompletedEvent).ModuleID)

	stats := rig.coord.Stats()
	require.Equal(t, 1, stats.PerModule["mem"].Failures)
	require.Equal(t, 1, stats.PerModule["llm"].Successes)
	require.Equal(t, ProcessingRunning, rig.coord.Phase("s1"))
}

func TestProcessingTotalFailureFailsCycle(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "mem", ArgKey: "query"}, {ModuleID: "llm", ArgKey: "text"}})
	rig.mem.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("store offline")
	}
	rig.llm.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("provider 500")
	}
	ctx := context.Background()

	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "anything"})))

	require.Equal(t, CycleIdle, rig.coord.Phase("s1"))
	require.Equal(t, 0, rig.tts.invocations())
	require.Equal(t, 0, rig.coord.DedupeSize())

	done := rig.events.byType(events.CycleCompleted)
	require.Len(t, done, 1)
	require.Equal(t, CycleStatusFailed, done[0].(*events.CycleCompletedEvent).Status)
}

func TestOutputFailureFailsCycle(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}, {ModuleID: "tts", ArgKey: "text"}})
	rig.tts.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("synth backend down")
	}
	ctx := context.Background()

	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "hello"})))
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerProcessing), "llm",
		map[string]any{"text": "hi"})))

	require.Equal(t, CycleIdle, rig.coord.Phase("s1"))
	done := rig.events.byType(events.CycleCompleted)
	require.Len(t, done, 1)
	require.Equal(t, CycleStatusFailed, done[0].(*events.CycleCompletedEvent).Status)
}

// TestMissingOutputTargetStillCompletes covers the degraded path where no
// synthesizer is registered: the cycle completes and the text output stands
// alone.
func TestMissingOutputTargetStillCompletes(t *testing.T) {
	pool := scheduler.NewPool(nil)
	defer pool.Close()
	reg := modregistry.New(modregistry.Options{})
	llm := newSyncStub("llm")
	mustRegister(t, reg, llm, []string{modregistry.CapLanguageModel}, nil)
	rt := router.New(router.Options{
		Mode:     router.ModeStrategy,
		Strategy: planOf{{ModuleID: "llm", ArgKey: "text"}},
		Registry: reg,
	})
	rec := &capture{}
	c := New(Options{Registry: reg, Router: rt, Scheduler: pool, Events: rec})
	llm.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"text": "just text"}, nil
	}
	ctx := context.Background()

	_, err := c.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.NoError(t, c.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "hello"})))
	require.NoError(t, c.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerProcessing), "llm",
		map[string]any{"text": "just text"})))

	require.Equal(t, CycleIdle, c.Phase("s1"))
	produced := rec.byType(events.OutputProduced)
	require.Len(t, produced, 1)
	require.Equal(t, "none", produced[0].(*events.OutputProducedEvent).Target)
	require.Equal(t, "just text", produced[0].(*events.OutputProducedEvent).Content)
	done := rec.byType(events.CycleCompleted)
	require.Len(t, done, 1)
	require.Equal(t, CycleStatusCompleted, done[0].(*events.CycleCompletedEvent).Status)
}

// TestInvokeNoTargetLeavesNoHistory pins the asymmetry between an absent
// module and a failing one: NoTarget is logged but never recorded, a handler
// error is recorded exactly once.
func TestInvokeNoTargetLeavesNoHistory(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	ctx := context.Background()

	resp := rig.coord.Invoke(ctx, Request{TargetID: "nonexistent", Layer: LayerProcessing})
	require.Equal(t, StatusNoTarget, resp.Status)
	require.Empty(t, rig.coord.History())
	require.Equal(t, 0, rig.coord.Stats().Total)

	rig.llm.handle = func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}
	resp = rig.coord.Invoke(ctx, Request{TargetID: "llm", Layer: LayerProcessing})
	require.Equal(t, StatusFailed, resp.Status)

	history := rig.coord.History()
	require.Len(t, history, 1)
	require.Equal(t, "llm", history[0].Module)
	require.Equal(t, StatusFailed, history[0].Status)
	require.Contains(t, history[0].Err, "boom")
}

func TestInvokeSkipsDisabledModule(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	require.NoError(t, rig.reg.SetState("llm", modregistry.StateDisabled))

	resp := rig.coord.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing})
	require.Equal(t, StatusSkipped, resp.Status)
	require.Equal(t, 0, rig.llm.invocations())

	history := rig.coord.History()
	require.Len(t, history, 1)
	require.Equal(t, StatusSkipped, history[0].Status)
	require.Equal(t, 1, rig.coord.Stats().Skipped)
}

func TestInvokeRejectsInvalidPayload(t *testing.T) {
	pool := scheduler.NewPool(nil)
	defer pool.Close()
	reg := modregistry.New(modregistry.Options{})
	llm := newSyncStub("llm")
	schema := []byte(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`)
	mustRegister(t, reg, llm, []string{modregistry.CapLanguageModel}, schema)
	rt := router.New(router.Options{Registry: reg})
	c := New(Options{Registry: reg, Router: rt, Scheduler: pool})

	resp := c.Invoke(context.Background(), Request{TargetID: "llm", Payload: map[string]any{"bogus": 1}, Layer: LayerProcessing})
	require.Equal(t, StatusFailed, resp.Status)
	require.Contains(t, resp.Err, "llm")
	require.Equal(t, 0, llm.invocations())

	resp = c.Invoke(context.Background(), Request{TargetID: "llm", Payload: map[string]any{"text": "ok"}, Layer: LayerProcessing})
	require.Equal(t, StatusSuccess, resp.Status)
	require.Equal(t, 1, llm.invocations())
}

func TestInvokeTimesOut(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	rig.llm.handle = func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		}
	}

	start := time.Now()
	resp := rig.coord.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing, Timeout: 30 * time.Millisecond})
	require.Equal(t, StatusFailed, resp.Status)
	require.Contains(t, resp.Err, "context deadline exceeded")
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeRecoversPanic(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	rig.llm.handle = func(context.Context, map[string]any) (map[string]any, error) {
		panic("nil deref in provider client")
	}

	resp := rig.coord.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing})
	require.Equal(t, StatusFailed, resp.Status)
	require.Contains(t, resp.Err, "panicked")

	history := rig.coord.History()
	require.Len(t, history, 1)
	require.Equal(t, StatusFailed, history[0].Status)
}

func TestInvokeHoldsBusyDuringDispatch(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	var (
		resolved bool
		during   modregistry.State
	)
	rig.llm.handle = func(context.Context, map[string]any) (map[string]any, error) {
		_, desc, ok := rig.reg.Resolve("llm")
		resolved = ok
		during = desc.State
		return map[string]any{}, nil
	}

	resp := rig.coord.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing})
	require.Equal(t, StatusSuccess, resp.Status)
	require.True(t, resolved)
	require.Equal(t, modregistry.StateBusy, during)

	_, desc, ok := rig.reg.Resolve("llm")
	require.True(t, ok)
	require.Equal(t, modregistry.StateAvailable, desc.State)
}

func TestInvokeAppliesRateLimit(t *testing.T) {
	pool := scheduler.NewPool(nil)
	defer pool.Close()
	reg := modregistry.New(modregistry.Options{})
	llm := newSyncStub("llm")
	desc := modregistry.Descriptor{ID: "llm", Capabilities: []string{modregistry.CapLanguageModel}, RatePerSec: 0.5, Burst: 1}
	require.NoError(t, reg.Register(context.Background(), llm, desc, nil))
	rt := router.New(router.Options{Registry: reg})
	c := New(Options{Registry: reg, Router: rt, Scheduler: pool})

	resp := c.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing})
	require.Equal(t, StatusSuccess, resp.Status)

	// The burst token is spent and the next slot is two seconds out, far past
	// the request deadline.
	resp = c.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing, Timeout: 50 * time.Millisecond})
	require.Equal(t, StatusFailed, resp.Status)
	require.Contains(t, resp.Err, "rate limit")
	require.Equal(t, 1, llm.invocations())
}

func TestInvokeDeferredModule(t *testing.T) {
	pool := scheduler.NewPool(nil)
	defer pool.Close()
	reg := modregistry.New(modregistry.Options{})
	worker := &deferredStub{id: "worker"}
	require.NoError(t, reg.Register(context.Background(), worker,
		modregistry.Descriptor{ID: "worker", Capabilities: []string{modregistry.CapSystemControl}}, nil))
	rt := router.New(router.Options{Registry: reg})
	c := New(Options{Registry: reg, Router: rt, Scheduler: pool})

	resp := c.Invoke(context.Background(), Request{TargetID: "worker", Layer: LayerProcessing})
	require.Equal(t, StatusSuccess, resp.Status)
	require.Equal(t, true, resp.Output["queued"])
	require.Equal(t, 1, worker.submissions())
}

func TestInvocationHistoryTrimsAtCap(t *testing.T) {
	pool := scheduler.NewPool(nil)
	defer pool.Close()
	reg := modregistry.New(modregistry.Options{})
	llm := newSyncStub("llm")
	mustRegister(t, reg, llm, []string{modregistry.CapLanguageModel}, nil)
	rt := router.New(router.Options{Registry: reg})
	c := New(Options{Registry: reg, Router: rt, Scheduler: pool, HistoryCap: 6, HistoryTrim: 3})

	for i := 0; i < 7; i++ {
		resp := c.Invoke(context.Background(), Request{TargetID: "llm", Layer: LayerProcessing, Cycle: i})
		require.Equal(t, StatusSuccess, resp.Status)
	}

	history := c.History()
	require.Len(t, history, 3)
	require.Equal(t, 4, history[0].Cycle)
	require.Equal(t, 6, history[2].Cycle)

	// Stats keep counting past the trim.
	stats := c.Stats()
	require.Equal(t, 7, stats.Total)
	require.Equal(t, 7, stats.PerModule["llm"].Invocations)
	require.Positive(t, stats.PerModule["llm"].AvgElapsed)
}

// TestDedupeSetEvictsOldestHalf fills the flow-key set past its cap and
// checks both the halving eviction and that an evicted key cannot re-advance
// its layer: the phase machine still refuses the replay.
func TestDedupeSetEvictsOldestHalf(t *testing.T) {
	pool := scheduler.NewPool(nil)
	defer pool.Close()
	reg := modregistry.New(modregistry.Options{})
	llm := newSyncStub("llm")
	mustRegister(t, reg, llm, []string{modregistry.CapLanguageModel}, nil)
	rt := router.New(router.Options{
		Mode:     router.ModeStrategy,
		Strategy: planOf{{ModuleID: "llm", ArgKey: "text"}},
		Registry: reg,
	})
	c := New(Options{Registry: reg, Router: rt, Scheduler: pool, DedupeCap: 4})
	ctx := context.Background()

	sessions := []string{"s0", "s1", "s2", "s3", "s4"}
	for _, sid := range sessions {
		_, err := c.StartCycle(ctx, sid, "text_input", nil)
		require.NoError(t, err)
		require.NoError(t, c.HandleEvent(ctx, events.NewLayerCompletedEvent(sid, 0, string(LayerInput), "stt",
			map[string]any{"text": "hello"})))
	}
	require.Equal(t, 3, c.DedupeSize())
	require.Equal(t, 5, llm.invocations())

	// s4's key survived: the replay is a duplicate. s0's key was evicted,
	// but its cycle is past the input phase, so the replay still drops.
	require.NoError(t, c.HandleEvent(ctx, events.NewLayerCompletedEvent("s4", 0, string(LayerInput), "stt",
		map[string]any{"text": "hello"})))
	require.Equal(t, 1, c.Stats().Duplicates)
	require.NoError(t, c.HandleEvent(ctx, events.NewLayerCompletedEvent("s0", 0, string(LayerInput), "stt",
		map[string]any{"text": "hello"})))
	require.Equal(t, 1, c.Stats().Duplicates)
	require.Equal(t, 5, llm.invocations())
}

func TestSessionEndReleasesCycleState(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}, {ModuleID: "tts", ArgKey: "text"}})
	ctx := context.Background()

	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", nil)
	require.NoError(t, err)
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "hello"})))
	require.Equal(t, ProcessingRunning, rig.coord.Phase("s1"))
	require.Equal(t, 1, rig.coord.DedupeSize())

	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewSessionEndedEvent("s1", "interaction", "completed", "")))
	require.Equal(t, CycleIdle, rig.coord.Phase("s1"))
	require.Equal(t, 0, rig.coord.DedupeSize())

	// Late completions for the torn-down session are stale.
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerProcessing), "llm",
		map[string]any{"text": "hi"})))
	require.Equal(t, 0, rig.tts.invocations())
}

func TestSeedDataFlowsIntoProcessingPayload(t *testing.T) {
	rig := newRig(t, planOf{{ModuleID: "llm", ArgKey: "text"}})
	ctx := context.Background()

	seed := map[string]any{"memory_context": []string{"prefers tea"}, "session_id": "is-1"}
	_, err := rig.coord.StartCycle(ctx, "s1", "text_input", seed)
	require.NoError(t, err)
	require.NoError(t, rig.coord.HandleEvent(ctx, events.NewLayerCompletedEvent("s1", 0, string(LayerInput), "stt",
		map[string]any{"text": "what do I drink"})))

	payload := rig.llm.lastPayload()
	require.Equal(t, []string{"prefers tea"}, payload["memory_context"])
	require.Equal(t, "is-1", payload["session_id"])
}

func TestLayerOfClassifiesByCapability(t *testing.T) {
	cases := []struct {
		caps []string
		want Layer
	}{
		{[]string{modregistry.CapSpeechRecognition}, LayerInput},
		{[]string{modregistry.CapNLP}, LayerInput},
		{[]string{modregistry.CapSpeakerID}, LayerInput},
		{[]string{modregistry.CapMemory}, LayerProcessing},
		{[]string{modregistry.CapLanguageModel}, LayerProcessing},
		{[]string{modregistry.CapSystemControl}, LayerProcessing},
		{[]string{modregistry.CapSpeechSynthesis}, LayerOutput},
		// Dual-capability modules sit in the earliest layer they serve.
		{[]string{modregistry.CapSpeechSynthesis, modregistry.CapSpeechRecognition}, LayerInput},
		{nil, LayerProcessing},
	}
	for _, tc := range cases {
		got := LayerOf(modregistry.Descriptor{ID: "m", Capabilities: tc.caps})
		require.Equal(t, tc.want, got, "capabilities %v", tc.caps)
	}
}

// --- helpers ---

type rig struct {
	coord  *Coordinator
	reg    *modregistry.Registry
	pool   *scheduler.Pool
	events *capture
	llm    *syncStub
	mem    *syncStub
	tts    *syncStub
}

// newRig assembles a coordinator over real collaborators with three scripted
// modules (mem, llm, tts) and the given strategy plan. Events are captured;
// call loop to also redeliver them into HandleEvent.
func newRig(t *testing.T, plan planOf) *rig {
	t.Helper()
	pool := scheduler.NewPool(nil)
	t.Cleanup(pool.Close)

	reg := modregistry.New(modregistry.Options{})
	r := &rig{
		reg:    reg,
		pool:   pool,
		events: &capture{},
		llm:    newSyncStub("llm"),
		mem:    newSyncStub("mem"),
		tts:    newSyncStub("tts"),
	}
	mustRegister(t, reg, r.llm, []string{modregistry.CapLanguageModel}, nil)
	mustRegister(t, reg, r.mem, []string{modregistry.CapMemory}, nil)
	mustRegister(t, reg, r.tts, []string{modregistry.CapSpeechSynthesis}, nil)

	rt := router.New(router.Options{Mode: router.ModeStrategy, Strategy: plan, Registry: reg})
	r.coord = New(Options{Registry: reg, Router: rt, Scheduler: pool, Events: r.events})
	return r
}

// loop swaps the rig's publisher for one that redelivers every event back
// into the coordinator, mirroring the engine queue wiring.
func (r *rig) loop() {
	r.coord.events = &loopback{rec: r.events, c: r.coord}
}

func mustRegister(t *testing.T, reg *modregistry.Registry, mod *syncStub, caps []string, schema []byte) {
	t.Helper()
	desc := modregistry.Descriptor{ID: mod.id, Capabilities: caps}
	require.NoError(t, reg.Register(context.Background(), mod, desc, schema))
}

// syncStub is a scripted synchronous module. The zero handle echoes the
// module id.
type syncStub struct {
	id     string
	handle func(ctx context.Context, payload map[string]any) (map[string]any, error)

	mu       sync.Mutex
	calls    int
	payloads []map[string]any
}

func newSyncStub(id string) *syncStub {
	return &syncStub{id: id}
}

func (s *syncStub) ID() string                     { return s.id }
func (s *syncStub) Init(context.Context) error     { return nil }
func (s *syncStub) Shutdown(context.Context) error { return nil }

func (s *syncStub) Handle(ctx context.Context, payload map[string]any) (map[string]any, error) {
	s.mu.Lock()
	s.calls++
	s.payloads = append(s.payloads, payload)
	s.mu.Unlock()
	if s.handle != nil {
		return s.handle(ctx, payload)
	}
	return map[string]any{"handled_by": s.id}, nil
}

func (s *syncStub) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *syncStub) lastPayload() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.payloads) == 0 {
		return nil
	}
	return s.payloads[len(s.payloads)-1]
}

// deferredStub accepts submissions and resolves them immediately.
type deferredStub struct {
	id string

	mu    sync.Mutex
	count int
}

func (d *deferredStub) ID() string                     { return d.id }
func (d *deferredStub) Init(context.Context) error     { return nil }
func (d *deferredStub) Shutdown(context.Context) error { return nil }

func (d *deferredStub) Submit(context.Context, map[string]any) (modregistry.Result, error) {
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	return immediateResult{out: map[string]any{"queued": true}}, nil
}

func (d *deferredStub) submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

type immediateResult struct {
	out map[string]any
	err error
}

func (r immediateResult) Await(context.Context) (map[string]any, error) { return r.out, r.err }

// capture is a thread-safe event recorder.
type capture struct {
	mu   sync.Mutex
	evts []events.Event
}

func (p *capture) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evts = append(p.evts, evt)
	return nil
}

func (p *capture) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.evts...)
}

func (p *capture) byType(kind events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, evt := range p.evts {
		if evt.Type() == kind {
			out = append(out, evt)
		}
	}
	return out
}

// loopback records every event and immediately redelivers it to the
// coordinator.
type loopback struct {
	rec *capture
	c   *Coordinator
}

func (p *loopback) Publish(ctx context.Context, evt events.Event) error {
	if err := p.rec.Publish(ctx, evt); err != nil {
		return err
	}
	return p.c.HandleEvent(ctx, evt)
}

// planOf is a RouteStrategy returning a fixed plan.
type planOf []router.Target

func (p planOf) Name() string { return "scripted" }

func (p planOf) PlanRoute(router.Intent, router.RouteContext, []modregistry.Descriptor) ([]router.Target, error) {
	return append([]router.Target(nil), p...), nil
}

var (
	_ modregistry.SyncModule     = (*syncStub)(nil)
	_ modregistry.DeferredModule = (*deferredStub)(nil)
	_ events.Publisher           = (*capture)(nil)
	_ events.Publisher           = (*loopback)(nil)
	_ router.RouteStrategy       = planOf(nil)
)
