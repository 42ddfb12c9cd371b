package workctx

import (
	"context"
	"time"
)

type (
	// ContextMeta is the durable projection of a persisted context: its
	// metadata and counters, never the raw items.
	ContextMeta struct {
		ID           string
		Type         Type
		Scope        Scope
		Threshold    int
		Timeout      time.Duration
		SampleCount  int
		Metadata     map[string]any
		CreatedAt    time.Time
		LastActivity time.Time
	}

	// MetadataStore persists context metadata. The whole document is
	// rewritten on every qualifying mutation; implementations decide the
	// medium (YAML file, MongoDB).
	MetadataStore interface {
		// Save replaces the stored document with the given persisted-context
		// metas and the bounded rolling list of recent interaction ids.
		Save(ctx context.Context, metas []ContextMeta, recentInteractions []string) error
		// Load returns the stored document. A missing document yields empty
		// slices, not an error.
		Load(ctx context.Context) ([]ContextMeta, []string, error)
	}
)
