package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateIsIdempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()

	first, err := store.Create(ctx, "s1", now)
	require.NoError(t, err)
	require.Equal(t, StatusUninitialized, first.Status)

	second, err := store.Create(ctx, "s1", now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreateAfterTerminateFails(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()
	_, err := store.Create(ctx, "s1", now)
	require.NoError(t, err)
	require.NoError(t, store.Terminate(ctx, "s1", now))

	_, err = store.Create(ctx, "s1", now)
	require.ErrorIs(t, err, ErrAlreadyTerminated)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store := NewInMemoryStore()
	_, err := store.Load(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInitializeTransitionsStatus(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx, "s1"))

	sess, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StatusInitialized, sess.Status)
}

func TestSetViewThenClearView(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", time.Now())
	require.NoError(t, err)

	require.NoError(t, store.SetView(ctx, "s1", View{PhotonID: "p1", ItemID: "i1"}))
	sess, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.True(t, sess.HasView)
	require.Equal(t, View{PhotonID: "p1", ItemID: "i1"}, sess.View)

	require.NoError(t, store.ClearView(ctx, "s1"))
	sess, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	require.False(t, sess.HasView)
}

func TestNextEventIDIsMonotonic(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "s1", time.Now())
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := store.NextEventID(ctx, "s1")
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
}

func TestIdleSinceExcludesTerminatedAndFreshSessions(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	_, err := store.Create(ctx, "idle", old)
	require.NoError(t, err)
	require.NoError(t, store.Touch(ctx, "idle", old))

	_, err = store.Create(ctx, "fresh", time.Now())
	require.NoError(t, err)

	_, err = store.Create(ctx, "gone", old)
	require.NoError(t, err)
	require.NoError(t, store.Terminate(ctx, "gone", old))

	ids, err := store.IdleSince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"idle"}, ids)
}
