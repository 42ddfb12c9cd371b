package router

import (
	"sort"

	"github.com/aura-ai/aura/runtime/assistant/modregistry"
)

type (
	// RouteStrategy plans an ordered module sequence for an intent. The
	// strategy owns ordering; the Router acts on the first target and queues
	// the rest. Returning an empty plan (or an error) sends the Router to
	// its Direct fallback.
	RouteStrategy interface {
		Name() string
		PlanRoute(intent Intent, rctx RouteContext, modules []modregistry.Descriptor) ([]Target, error)
	}

	// CapabilityStrategy routes through a per-intent capability rule table:
	// each required capability resolves, in rule order, to the
	// highest-priority module declaring it; a missing required capability
	// empties the plan. Context then extends the plan: Work mode appends an
	// optional system-control module, and a live working context inserts an
	// optional memory module before the final target.
	CapabilityStrategy struct {
		rules map[IntentKind]capabilityRule
	}

	capabilityRule struct {
		required []string
		optional []string
	}

	// PriorityStrategy routes to the modules relevant to the intent, highest
	// descriptor priority first, capped at three targets.
	PriorityStrategy struct{}
)

// NewCapabilityStrategy constructs the strategy with the built-in rule table
// for chat and command intents.
func NewCapabilityStrategy() *CapabilityStrategy {
	return &CapabilityStrategy{
		rules: map[IntentKind]capabilityRule{
			IntentChat: {
				required: []string{modregistry.CapNLP, modregistry.CapMemory, modregistry.CapLanguageModel, modregistry.CapSpeechSynthesis},
				optional: []string{modregistry.CapEmotionAnalysis, modregistry.CapPersonalization},
			},
			IntentCommand: {
				required: []string{modregistry.CapNLP, modregistry.CapLanguageModel, modregistry.CapSystemControl},
				optional: []string{modregistry.CapMemory, modregistry.CapSpeechSynthesis},
			},
		},
	}
}

// Name implements RouteStrategy.
func (s *CapabilityStrategy) Name() string { return "capability" }

// PlanRoute implements RouteStrategy.
func (s *CapabilityStrategy) PlanRoute(intent Intent, rctx RouteContext, modules []modregistry.Descriptor) ([]Target, error) {
	rule, ok := s.rules[intent.Kind]
	if !ok {
		// Unknown intent: fall back to the language model alone.
		if d, found := bestByCapability(modules, modregistry.CapLanguageModel); found {
			return []Target{targetFor(d, modregistry.CapLanguageModel)}, nil
		}
		return nil, nil
	}

	plan := make([]Target, 0, len(rule.required))
	seen := make(map[string]bool)
	for _, cap := range rule.required {
		d, found := bestByCapability(modules, cap)
		if !found {
			// A missing required capability voids the whole plan.
			return nil, nil
		}
		if !seen[d.ID] {
			plan = append(plan, targetFor(d, cap))
			seen[d.ID] = true
		}
	}

	// Optional modules are resolved through the rule's optional capability
	// list; a resolved module joins the plan when it also carries the
	// capability the context asks for.
	addOptional := func(want string, beforeLast bool) {
		for _, cap := range rule.optional {
			d, found := bestByCapability(modules, cap)
			if !found || seen[d.ID] || !d.HasCapability(want) {
				continue
			}
			if beforeLast && len(plan) > 0 {
				tail := plan[len(plan)-1]
				plan = append(plan[:len(plan)-1], targetFor(d, want), tail)
			} else {
				plan = append(plan, targetFor(d, want))
			}
			seen[d.ID] = true
		}
	}
	if rctx.Mode == "work" {
		addOptional(modregistry.CapSystemControl, false)
	}
	if rctx.HasWorkingContext {
		addOptional(modregistry.CapMemory, true)
	}
	return plan, nil
}

// NewPriorityStrategy constructs the priority strategy.
func NewPriorityStrategy() *PriorityStrategy { return &PriorityStrategy{} }

// Name implements RouteStrategy.
func (s *PriorityStrategy) Name() string { return "priority" }

// PlanRoute implements RouteStrategy.
func (s *PriorityStrategy) PlanRoute(intent Intent, rctx RouteContext, modules []modregistry.Descriptor) ([]Target, error) {
	sorted := append([]modregistry.Descriptor(nil), modules...)
	sort.Slice(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })

	plan := make([]Target, 0, 3)
	for _, d := range sorted {
		if !relevant(intent.Kind, d) {
			continue
		}
		plan = append(plan, targetFor(d, primaryCapability(d)))
		if len(plan) == 3 {
			break
		}
	}
	return plan, nil
}

func less(a, b modregistry.Descriptor) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

func relevant(kind IntentKind, d modregistry.Descriptor) bool {
	switch kind {
	case IntentChat:
		return hasAnyCapability(d, modregistry.CapNLP, modregistry.CapLanguageModel, modregistry.CapSpeechSynthesis)
	case IntentCommand:
		return hasAnyCapability(d, modregistry.CapNLP, modregistry.CapLanguageModel, modregistry.CapSystemControl)
	}
	return true
}

func hasAnyCapability(d modregistry.Descriptor, caps ...string) bool {
	for _, c := range caps {
		if d.HasCapability(c) {
			return true
		}
	}
	return false
}

// bestByCapability picks the highest-priority dispatchable module declaring
// the capability.
func bestByCapability(modules []modregistry.Descriptor, cap string) (modregistry.Descriptor, bool) {
	var best modregistry.Descriptor
	found := false
	for _, d := range modules {
		if d.State == modregistry.StateDisabled || !d.HasCapability(cap) {
			continue
		}
		if !found || d.Priority > best.Priority || (d.Priority == best.Priority && d.ID < best.ID) {
			best = d
			found = true
		}
	}
	return best, found
}

// primaryCapability picks the capability that determines a module's argument
// key, preferring the ones the pipeline dispatches on.
func primaryCapability(d modregistry.Descriptor) string {
	for _, cap := range []string{
		modregistry.CapLanguageModel,
		modregistry.CapSystemControl,
		modregistry.CapMemory,
		modregistry.CapSpeechSynthesis,
		modregistry.CapSpeechRecognition,
		modregistry.CapNLP,
	} {
		if d.HasCapability(cap) {
			return cap
		}
	}
	if len(d.Capabilities) > 0 {
		return d.Capabilities[0]
	}
	return ""
}

// targetFor binds a module to the argument key its capability implies.
func targetFor(d modregistry.Descriptor, cap string) Target {
	return Target{ModuleID: d.ID, ArgKey: argKeyFor(cap)}
}

func argKeyFor(cap string) string {
	switch cap {
	case modregistry.CapSystemControl:
		return "detail"
	case modregistry.CapMemory:
		return "query"
	case modregistry.CapSpeechRecognition:
		return "audio"
	default:
		return "text"
	}
}
