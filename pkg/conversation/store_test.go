package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwade/parley/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(store.NewMemory(), time.Hour)
}

func TestStore_EnsureCreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.Ensure(ctx, "c1", "owner-1", FlowStructured)
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, StepWelcome, conv.Step)
	assert.Empty(t, conv.Turns)

	again, err := s.Ensure(ctx, "c1", "owner-1", FlowStructured)
	require.NoError(t, err)
	assert.Equal(t, conv.CreatedAt.Unix(), again.CreatedAt.Unix())
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendTurnAssignsSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowOpenEnded)
	require.NoError(t, err)

	version, err := s.AppendTurn(ctx, "c1", Turn{ID: "t1", Role: RoleUser, Content: "hi", Completed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	version, err = s.AppendTurn(ctx, "c1", Turn{ID: "t2", Role: RoleAgent, Content: "hello", Completed: true})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	conv, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 2)
	assert.Equal(t, 1, conv.Turns[0].Seq)
	assert.Equal(t, 2, conv.Turns[1].Seq)
}

func TestStore_AppendTurnReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowOpenEnded)
	require.NoError(t, err)

	_, err = s.AppendTurn(ctx, "c1", Turn{ID: "t1", Role: RoleUser, Content: "hi", Completed: true})
	require.NoError(t, err)

	version, err := s.AppendTurn(ctx, "c1", Turn{ID: "t1", Role: RoleUser, Content: "hi", Completed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, version, "replaying a turn id must not duplicate history")

	conv, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, conv.Turns, 1)
}

func TestStore_CheckpointWritesExchangeAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowOpenEnded)
	require.NoError(t, err)

	version, err := s.Checkpoint(ctx, "c1",
		Turn{ID: "u1", Role: RoleUser, Content: "question", Completed: true},
		Turn{ID: "a1", Role: RoleAgent, Content: "answer", Completed: true},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// Replaying the whole checkpoint is also a no-op.
	version, err = s.Checkpoint(ctx, "c1",
		Turn{ID: "u1", Role: RoleUser, Content: "question", Completed: true},
		Turn{ID: "a1", Role: RoleAgent, Content: "answer", Completed: true},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestStore_LoadDiscardsIncompleteTrailingTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowOpenEnded)
	require.NoError(t, err)

	_, err = s.Checkpoint(ctx, "c1",
		Turn{ID: "u1", Role: RoleUser, Content: "question", Completed: true},
		Turn{ID: "a1", Role: RoleAgent, Content: "", Completed: false},
	)
	require.NoError(t, err)

	conv, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1, "incomplete trailing turn is discarded")
	assert.Equal(t, "u1", conv.Turns[0].ID)
	require.NotNil(t, conv.DiscardedTurn)
	assert.Equal(t, "a1", conv.DiscardedTurn.ID)

	// The next successful checkpoint does not resurrect the discarded turn.
	_, err = s.Checkpoint(ctx, "c1",
		Turn{ID: "u2", Role: RoleUser, Content: "again", Completed: true},
		Turn{ID: "a2", Role: RoleAgent, Content: "answer", Completed: true},
	)
	require.NoError(t, err)

	conv, err = s.Load(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 3)
	for _, turn := range conv.Turns {
		assert.NotEqual(t, "a1", turn.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, []int{conv.Turns[0].Seq, conv.Turns[1].Seq, conv.Turns[2].Seq})
}

func TestStore_SetStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowStructured)
	require.NoError(t, err)

	require.NoError(t, s.SetStep(ctx, "c1", StepCollectName))

	conv, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StepCollectName, conv.Step)

	assert.Error(t, s.SetStep(ctx, "c1", Step("bogus")))
}

func TestStore_SetStepRejectsOpenEnded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowOpenEnded)
	require.NoError(t, err)

	assert.Error(t, s.SetStep(ctx, "c1", StepCollectName))
}

func TestStore_CorruptStateIsFatalForConversation(t *testing.T) {
	kv := store.NewMemory()
	s := NewStore(kv, time.Hour)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "conv:c1", []byte("not json"), 0))

	_, err := s.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrStateCorrupt)

	// Out-of-sequence history is corruption too, never silently repaired.
	require.NoError(t, kv.Set(ctx, "conv:c2", []byte(`{"id":"c2","flow":"open_ended","turns":[{"id":"t1","seq":5,"role":"user","content":"x","completed":true,"timestamp":"2026-01-01T00:00:00Z"}],"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","expires_at":"2099-01-01T00:00:00Z"}`), 0))

	_, err = s.Load(ctx, "c2")
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestStore_SoftExpiry(t *testing.T) {
	kv := store.NewMemory()
	s := NewStore(kv, 20*time.Millisecond)
	ctx := context.Background()

	_, err := s.Ensure(ctx, "c1", "owner-1", FlowOpenEnded)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = s.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound, "expired conversations become inaccessible")
}
