package router

import (
	"context"
	"errors"
	"strings"

	"github.com/aura-ai/aura/runtime/assistant/modregistry"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

// Mode selects how the router plans targets.
type Mode string

const (
	// ModeDirect uses the static intent table.
	ModeDirect Mode = "direct"
	// ModeStrategy delegates planning to a RouteStrategy.
	ModeStrategy Mode = "strategy"
	// ModeConditional evaluates ordered predicate rules.
	ModeConditional Mode = "conditional"
)

type (
	// Target names a module and the payload field carrying its primary
	// input.
	Target struct {
		ModuleID string
		ArgKey   string
	}

	// RouteContext carries the situational inputs strategies and heuristics
	// read.
	RouteContext struct {
		// Mode is the state machine's current mode name.
		Mode string
		// Priority escalates routing ("high", "emergency").
		Priority string
		// HasWorkingContext is true when a live working context exists.
		HasWorkingContext bool
		// HasActiveSession is true when an interaction owns a child session.
		HasActiveSession bool
		// RecentTurns holds the latest conversation inputs, oldest first.
		RecentTurns []string
	}

	// Decision is a planned invocation: the first target with its prepared
	// arguments, plus the strategy's remaining targets for the caller to
	// dispatch next.
	Decision struct {
		Target  Target
		Args    map[string]any
		Queued  []Target
		Planner string
	}

	// Rule is one conditional route: first rule whose predicate matches
	// wins.
	Rule struct {
		Name  string
		When  func(intent Intent, rctx RouteContext, modules []modregistry.Descriptor) bool
		Route []Target
	}

	// FollowUpKind classifies what a module response asks for next.
	FollowUpKind string

	// FollowUp is the router's verdict on a module response.
	FollowUp struct {
		Kind FollowUpKind
		// Target and Args describe the next invocation for FollowUpInvoke
		// and FollowUpExtractIntent.
		Target Target
		Args   map[string]any
		// Data carries the enhancement payload for FollowUpEnhance.
		Data map[string]any
	}

	// ModuleSource supplies descriptor snapshots; satisfied by
	// modregistry.Registry.
	ModuleSource interface {
		Snapshot() []modregistry.Descriptor
	}

	// Options configures a Router.
	Options struct {
		// Mode defaults to ModeDirect.
		Mode Mode
		// Strategy plans routes in ModeStrategy.
		Strategy RouteStrategy
		// Rules are evaluated in order in ModeConditional.
		Rules []Rule
		// Registry supplies available modules. Nil forces Direct planning.
		Registry ModuleSource
		// Direct overrides entries of the built-in intent table.
		Direct map[IntentKind]Target
		// Logger receives fallback decisions. Nil selects no-op.
		Logger telemetry.Logger
	}

	// Router plans module invocations. Safe for concurrent use; all state is
	// set at construction.
	Router struct {
		mode     Mode
		strategy RouteStrategy
		rules    []Rule
		registry ModuleSource
		direct   map[IntentKind]Target
		logger   telemetry.Logger
	}
)

const (
	// FollowUpNone means the response needs nothing further.
	FollowUpNone FollowUpKind = "none"
	// FollowUpInvoke asks for another module invocation.
	FollowUpInvoke FollowUpKind = "invoke"
	// FollowUpEnhance asks the caller to fold the response into the working
	// context.
	FollowUpEnhance FollowUpKind = "enhance_context"
	// FollowUpExtractIntent asks for intent classification of recognized
	// text.
	FollowUpExtractIntent FollowUpKind = "extract_intent"
)

// Conventional module ids used when no registry is available to resolve
// capabilities.
const (
	defaultLanguageModelID = "llm"
	defaultSystemID        = "sys"
	defaultMemoryID        = "mem"
	defaultSpeechRecogID   = "stt"
)

// chatFallback is the route every unsupported intent degrades to.
var chatFallback = Target{ModuleID: defaultLanguageModelID, ArgKey: "text"}

// New constructs a Router.
func New(opts Options) *Router {
	mode := opts.Mode
	if mode == "" {
		mode = ModeDirect
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	direct := map[IntentKind]Target{
		IntentChat:    chatFallback,
		IntentCommand: {ModuleID: defaultSystemID, ArgKey: "detail"},
	}
	for k, v := range opts.Direct {
		direct[k] = v
	}
	return &Router{
		mode:     mode,
		strategy: opts.Strategy,
		rules:    opts.Rules,
		registry: opts.Registry,
		direct:   direct,
		logger:   logger,
	}
}

// Route plans the invocation for an intent. The decision's Target is the
// only module the router commits to; Queued carries the strategy's remaining
// order for the caller.
func (r *Router) Route(intent Intent, rctx RouteContext) (Decision, error) {
	if intent.Kind == "" {
		return Decision{}, errors.New("intent kind is required")
	}

	switch r.mode {
	case ModeStrategy:
		if r.strategy == nil || r.registry == nil {
			return r.directDecision(intent, rctx), nil
		}
		plan, err := r.strategy.PlanRoute(intent, rctx, r.registry.Snapshot())
		if err != nil {
			r.logger.Warn(context.Background(), "route strategy failed, using direct fallback", "strategy", r.strategy.Name(), "err", err.Error())
			return r.directDecision(intent, rctx), nil
		}
		if len(plan) == 0 {
			return r.directDecision(intent, rctx), nil
		}
		return r.decisionFromPlan(plan, r.strategy.Name(), intent, rctx), nil

	case ModeConditional:
		var modules []modregistry.Descriptor
		if r.registry != nil {
			modules = r.registry.Snapshot()
		}
		for _, rule := range r.rules {
			if rule.When == nil || len(rule.Route) == 0 {
				continue
			}
			if rule.When(intent, rctx, modules) {
				return r.decisionFromPlan(rule.Route, rule.Name, intent, rctx), nil
			}
		}
		return r.directDecision(intent, rctx), nil

	default:
		return r.directDecision(intent, rctx), nil
	}
}

// PrepareArgs builds the payload for a target. Every payload carries the
// intent text under the target's argument key; language-model targets also
// get the memory-retrieval flag and the recent turns.
func (r *Router) PrepareArgs(target Target, intent Intent, rctx RouteContext) map[string]any {
	key := target.ArgKey
	if key == "" {
		key = "text"
	}
	args := map[string]any{key: intent.Text}
	args["intent"] = string(intent.Kind)

	if r.isLanguageModel(target.ModuleID) {
		args["use_memory"] = wantsMemory(intent.Text, rctx.RecentTurns)
		if len(rctx.RecentTurns) > 0 {
			args["recent_turns"] = append([]string(nil), rctx.RecentTurns...)
		}
	}
	return args
}

// HandleResponse inspects a module's output and proposes the follow-up: a
// language-model reply embedding a system action routes to the system module,
// a successful memory query becomes a context enhancement, recognized speech
// goes back through intent extraction. Anything else needs nothing.
func (r *Router) HandleResponse(moduleID string, response map[string]any, mode string, rctx RouteContext) (FollowUp, error) {
	if moduleID == "" {
		return FollowUp{}, errors.New("module id is required")
	}
	if response == nil {
		return FollowUp{Kind: FollowUpNone}, nil
	}

	if r.isLanguageModel(moduleID) {
		if action, ok := response["sys_action"].(map[string]any); ok && len(action) > 0 {
			return FollowUp{
				Kind:   FollowUpInvoke,
				Target: r.direct[IntentCommand],
				Args:   map[string]any{"detail": action},
			}, nil
		}
		return FollowUp{Kind: FollowUpNone}, nil
	}

	if r.hasCapability(moduleID, modregistry.CapMemory, defaultMemoryID) {
		if success, ok := response["success"].(bool); ok && success {
			return FollowUp{Kind: FollowUpEnhance, Data: response}, nil
		}
		if _, ok := response["results"]; ok {
			return FollowUp{Kind: FollowUpEnhance, Data: response}, nil
		}
		return FollowUp{Kind: FollowUpNone}, nil
	}

	if r.hasCapability(moduleID, modregistry.CapSpeechRecognition, defaultSpeechRecogID) {
		if text, ok := response["text"].(string); ok && strings.TrimSpace(text) != "" {
			return FollowUp{
				Kind: FollowUpExtractIntent,
				Args: map[string]any{"text": text},
			}, nil
		}
	}

	return FollowUp{Kind: FollowUpNone}, nil
}

// EmergencyBypassRule routes emergencies straight to the system module.
func EmergencyBypassRule() Rule {
	return Rule{
		Name: "emergency_bypass",
		When: func(_ Intent, rctx RouteContext, _ []modregistry.Descriptor) bool {
			return rctx.Priority == "emergency" || rctx.Mode == "mode_error"
		},
		Route: []Target{{ModuleID: defaultSystemID, ArgKey: "detail"}},
	}
}

// WorkflowPriorityRule prefers the system module while a workflow runs.
func WorkflowPriorityRule() Rule {
	return Rule{
		Name: "workflow_priority",
		When: func(_ Intent, rctx RouteContext, _ []modregistry.Descriptor) bool {
			return rctx.HasActiveSession || rctx.Mode == "work"
		},
		Route: []Target{
			{ModuleID: defaultSystemID, ArgKey: "detail"},
			{ModuleID: defaultLanguageModelID, ArgKey: "text"},
		},
	}
}

func (r *Router) directDecision(intent Intent, rctx RouteContext) Decision {
	target, ok := r.direct[intent.Kind]
	if !ok {
		target = r.direct[IntentChat]
	}
	return Decision{
		Target:  target,
		Args:    r.PrepareArgs(target, intent, rctx),
		Planner: "direct",
	}
}

func (r *Router) decisionFromPlan(plan []Target, planner string, intent Intent, rctx RouteContext) Decision {
	return Decision{
		Target:  plan[0],
		Args:    r.PrepareArgs(plan[0], intent, rctx),
		Queued:  append([]Target(nil), plan[1:]...),
		Planner: planner,
	}
}

// isLanguageModel resolves through the registry when available, otherwise
// falls back to the conventional id.
func (r *Router) isLanguageModel(moduleID string) bool {
	return r.hasCapability(moduleID, modregistry.CapLanguageModel, defaultLanguageModelID)
}

func (r *Router) hasCapability(moduleID, cap, conventionalID string) bool {
	if r.registry != nil {
		for _, d := range r.registry.Snapshot() {
			if d.ID == moduleID {
				return d.HasCapability(cap)
			}
		}
	}
	return moduleID == conventionalID
}

// Memory-retrieval keywords: explicit recall phrasing in either language.
var memoryWords = []string{
	"remember", "recall", "last time", "earlier", "you said", "we talked",
	"記得", "上次", "之前", "說過",
}

// wantsMemory applies the keyword heuristics on the input text plus the
// recent turns.
func wantsMemory(text string, recentTurns []string) bool {
	if matchesAny(strings.ToLower(text), memoryWords) {
		return true
	}
	for _, turn := range recentTurns {
		if matchesAny(strings.ToLower(turn), memoryWords) {
			return true
		}
	}
	return false
}
