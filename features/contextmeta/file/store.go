// Package file persists working-context metadata as a single YAML document
// on local disk. Every save rewrites the whole document through a temp file
// and rename so a crash never leaves a partial snapshot behind.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

// documentVersion tags the snapshot layout so later revisions can migrate
// older files.
const documentVersion = 1

// Store implements workctx.MetadataStore on a fixed file path.
type Store struct {
	path string
}

// NewStore returns a store writing its snapshot to path. Parent directories
// are created on first save.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	return &Store{path: path}, nil
}

// Save replaces the snapshot with the given context metas and recent
// interaction ids.
func (s *Store) Save(_ context.Context, metas []workctx.ContextMeta, recentInteractions []string) error {
	doc := document{
		Version:            documentVersion,
		Contexts:           make([]contextDoc, 0, len(metas)),
		RecentInteractions: recentInteractions,
	}
	for _, m := range metas {
		doc.Contexts = append(doc.Contexts, toContextDoc(m))
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode context metadata: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields empty slices, not an error.
func (s *Store) Load(_ context.Context) ([]workctx.ContextMeta, []string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	metas := make([]workctx.ContextMeta, 0, len(doc.Contexts))
	for _, c := range doc.Contexts {
		m, err := c.toMeta()
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
		metas = append(metas, m)
	}
	return metas, doc.RecentInteractions, nil
}

type document struct {
	Version            int          `yaml:"version"`
	Contexts           []contextDoc `yaml:"contexts"`
	RecentInteractions []string     `yaml:"recent_interactions"`
}

// contextDoc is the YAML form of one context's metadata. Timeout is a string
// in Go duration syntax so the document stays hand-editable.
type contextDoc struct {
	ID           string         `yaml:"id"`
	Type         string         `yaml:"type"`
	Scope        string         `yaml:"scope"`
	Threshold    int            `yaml:"threshold"`
	Timeout      string         `yaml:"timeout"`
	SampleCount  int            `yaml:"sample_count"`
	Metadata     map[string]any `yaml:"metadata,omitempty"`
	CreatedAt    time.Time      `yaml:"created_at"`
	LastActivity time.Time      `yaml:"last_activity"`
}

func toContextDoc(m workctx.ContextMeta) contextDoc {
	return contextDoc{
		ID:           m.ID,
		Type:         string(m.Type),
		Scope:        string(m.Scope),
		Threshold:    m.Threshold,
		Timeout:      m.Timeout.String(),
		SampleCount:  m.SampleCount,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
		LastActivity: m.LastActivity,
	}
}

func (d contextDoc) toMeta() (workctx.ContextMeta, error) {
	var timeout time.Duration
	if d.Timeout != "" {
		var err error
		if timeout, err = time.ParseDuration(d.Timeout); err != nil {
			return workctx.ContextMeta{}, fmt.Errorf("context %s: timeout: %w", d.ID, err)
		}
	}
	return workctx.ContextMeta{
		ID:           d.ID,
		Type:         workctx.Type(d.Type),
		Scope:        workctx.Scope(d.Scope),
		Threshold:    d.Threshold,
		Timeout:      timeout,
		SampleCount:  d.SampleCount,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		LastActivity: d.LastActivity,
	}, nil
}
