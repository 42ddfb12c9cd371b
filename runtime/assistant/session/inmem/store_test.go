package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-ai/aura/runtime/assistant/session"
)

func TestSaveAndLoadInteraction(t *testing.T) {
	store := New()
	ctx := context.Background()

	in := session.Interaction{
		ID:        "is-1",
		Trigger:   session.TriggerTextInput,
		Status:    session.InteractionCompleted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveInteraction(ctx, in))

	got, err := store.LoadInteraction(ctx, "is-1")
	require.NoError(t, err)
	require.Equal(t, in, got)

	_, err = store.LoadInteraction(ctx, "is-missing")
	require.ErrorIs(t, err, session.ErrInteractionNotFound)

	require.Error(t, store.SaveInteraction(ctx, session.Interaction{}))
	_, err = store.LoadInteraction(ctx, "")
	require.Error(t, err)
}

func TestRecordsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i, id := range []string{"is-1", "is-2", "is-3"} {
		rec := session.Record{
			InteractionID: id,
			Trigger:       session.TriggerVoiceInput,
			Status:        session.InteractionCompleted,
			StartedAt:     time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.AppendRecord(ctx, rec))
	}

	all, err := store.Records(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "is-3", all[0].InteractionID)
	require.Equal(t, "is-1", all[2].InteractionID)

	two, err := store.Records(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	require.Equal(t, "is-3", two[0].InteractionID)
	require.Equal(t, "is-2", two[1].InteractionID)
}

func TestRecordCapDropsOldest(t *testing.T) {
	store := New(WithRecordCap(2))
	ctx := context.Background()

	for _, id := range []string{"is-1", "is-2", "is-3"} {
		require.NoError(t, store.AppendRecord(ctx, session.Record{InteractionID: id}))
	}

	all, err := store.Records(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "is-3", all[0].InteractionID)
	require.Equal(t, "is-2", all[1].InteractionID)

	require.Error(t, store.AppendRecord(ctx, session.Record{}))
}
