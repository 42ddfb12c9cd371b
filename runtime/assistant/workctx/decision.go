package workctx

import (
	"context"
	"sync"
)

// DecisionKind is the explicit three-way outcome of a threshold decision.
type DecisionKind string

const (
	// DecisionAutoApplied means the handler resolved and applied the decision
	// without external help.
	DecisionAutoApplied DecisionKind = "auto_applied"
	// DecisionNeedsConfirmation means the handler needs an external
	// collaborator to pick among Options before the decision can apply.
	DecisionNeedsConfirmation DecisionKind = "needs_confirmation"
	// DecisionSuspended means the decision cannot proceed; the context is
	// parked.
	DecisionSuspended DecisionKind = "suspended"
)

type (
	// Decision is a handler's verdict on a threshold-reached context.
	Decision struct {
		// Kind selects the outcome path.
		Kind DecisionKind
		// ResultID identifies what the decision produced or chose (e.g., a
		// speaker profile id). Set for AutoApplied outcomes and for resolved
		// confirmations.
		ResultID string
		// Message is a human-readable explanation, surfaced in inquiries.
		Message string
		// Options lists the candidate choices for NeedsConfirmation.
		Options []string
	}

	// Snapshot is the immutable data package a handler decides over. Items
	// and Metadata are copies; handlers may not mutate store state through it.
	Snapshot struct {
		ContextID string
		Type      Type
		Items     []Item
		Metadata  map[string]any
		Threshold int
		Count     int
	}

	// Handler makes and applies decisions for one context type. Handlers are
	// registered once per type; Decide and Apply run outside the store lock
	// and may call back into the Manager. Panics are recovered and treated as
	// errors, leaving the context suspended.
	Handler interface {
		// CanHandle reports whether the handler accepts the given type.
		CanHandle(t Type) bool
		// Decide inspects the snapshot and returns the outcome. An error
		// suspends the context.
		Decide(ctx context.Context, snap Snapshot) (Decision, error)
		// Apply commits a decision. For NeedsConfirmation outcomes Apply runs
		// later, when Resolve supplies the chosen option in d.ResultID. An
		// error routes to the inquiry path (from Decide) or suspends the
		// context (from Resolve).
		Apply(ctx context.Context, snap Snapshot, d Decision) error
	}

	// Inquiry asks an external collaborator (UI, language model) to resolve a
	// decision the handler could not make alone.
	Inquiry struct {
		ContextID   string
		ContextType Type
		// Reason explains why confirmation is needed (handler message, or
		// "no_handler" when no handler is registered for the type).
		Reason string
		// Options lists the candidate choices, possibly empty.
		Options []string
		// Count is the number of accumulated items at inquiry time.
		Count int
	}

	// InquirySubscriber receives inquiries. Subscribers are typed observers;
	// any number may be registered and each receives every inquiry.
	InquirySubscriber interface {
		HandleInquiry(ctx context.Context, inq Inquiry) error
	}

	// InquirySubscriberFunc adapts a function to InquirySubscriber.
	InquirySubscriberFunc func(ctx context.Context, inq Inquiry) error

	// Subscription detaches an inquiry subscriber. Close is idempotent.
	Subscription interface {
		Close() error
	}

	inquirySub struct {
		m    *Manager
		fn   InquirySubscriber
		once sync.Once
	}
)

// HandleInquiry calls the wrapped function.
func (f InquirySubscriberFunc) HandleInquiry(ctx context.Context, inq Inquiry) error {
	return f(ctx, inq)
}

func (s *inquirySub) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		for i, cur := range s.m.inquirySubs {
			if cur == s {
				s.m.inquirySubs = append(s.m.inquirySubs[:i], s.m.inquirySubs[i+1:]...)
				break
			}
		}
		s.m.mu.Unlock()
	})
	return nil
}
