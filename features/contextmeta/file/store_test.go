package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

func TestNewStoreRequiresPath(t *testing.T) {
	_, err := NewStore("")
	require.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.yaml")
	s, err := NewStore(path)
	require.NoError(t, err)

	created := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	metas := []workctx.ContextMeta{
		{
			ID:           "ctx-identity-1",
			Type:         workctx.TypeIdentity,
			Scope:        workctx.ScopePersisted,
			Threshold:    1,
			Timeout:      5 * time.Minute,
			SampleCount:  2,
			Metadata:     map[string]any{"identity": "黃小明"},
			CreatedAt:    created,
			LastActivity: created.Add(2 * time.Minute),
		},
		{
			ID:           "ctx-learning-1",
			Type:         workctx.TypeLearning,
			Scope:        workctx.ScopeProcessLifetime,
			Threshold:    20,
			Timeout:      time.Hour,
			CreatedAt:    created,
			LastActivity: created,
		},
	}
	recent := []string{"int-1", "int-2"}
	require.NoError(t, s.Save(context.Background(), metas, recent))

	gotMetas, gotRecent, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, metas, gotMetas)
	require.Equal(t, recent, gotRecent)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	metas, recent, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, metas)
	require.Empty(t, recent)
}

func TestSaveReplacesDocument(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "contexts.yaml"))
	require.NoError(t, err)

	now := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	first := []workctx.ContextMeta{{
		ID: "ctx-a", Type: workctx.TypeIdentity, Scope: workctx.ScopePersisted,
		Threshold: 1, CreatedAt: now, LastActivity: now,
	}}
	require.NoError(t, s.Save(context.Background(), first, []string{"int-1"}))

	second := []workctx.ContextMeta{{
		ID: "ctx-b", Type: workctx.TypeLearning, Scope: workctx.ScopePersisted,
		Threshold: 20, CreatedAt: now, LastActivity: now,
	}}
	require.NoError(t, s.Save(context.Background(), second, []string{"int-2", "int-3"}))

	metas, recent, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, "ctx-b", metas[0].ID)
	require.Equal(t, []string{"int-2", "int-3"}, recent)

	// The rename leaves no temp files behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "contexts.yaml", entries[0].Name())
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "state", "aura", "contexts.yaml"))
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), nil, nil))

	metas, recent, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, metas)
	require.Empty(t, recent)
}

func TestLoadParsesHandWrittenDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.yaml")
	doc := `version: 1
contexts:
  - id: ctx-conv-1
    type: conversation
    scope: per_interaction
    threshold: 10
    timeout: 5m
    sample_count: 3
    created_at: 2026-08-20T09:30:00Z
    last_activity: 2026-08-20T09:31:00Z
recent_interactions:
  - int-9
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := NewStore(path)
	require.NoError(t, err)
	metas, recent, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, workctx.TypeConversation, metas[0].Type)
	require.Equal(t, 5*time.Minute, metas[0].Timeout)
	require.Equal(t, 3, metas[0].SampleCount)
	require.Equal(t, []string{"int-9"}, recent)
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("contexts: [unclosed"), 0o644))

	s, err := NewStore(path)
	require.NoError(t, err)
	_, _, err = s.Load(context.Background())
	require.ErrorContains(t, err, "parse")
}
