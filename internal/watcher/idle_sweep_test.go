package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portel-dev/photonctl/internal/session"
	"github.com/portel-dev/photonctl/internal/subscription"
)

func TestSweepTerminatesIdleSessionsAndReleasesViews(t *testing.T) {
	store := session.NewInMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	_, err := store.Create(ctx, "idle", old)
	require.NoError(t, err)
	require.NoError(t, store.Touch(ctx, "idle", old))

	backend := subscription.NewInprocBackend(8, false)
	subs := subscription.NewManager(backend, func(string, subscription.Event) {}, func(string, subscription.Key) {})
	key := subscription.Key{PhotonID: "p1", ItemID: "main"}
	require.NoError(t, subs.Observe("idle", key, 0, false))
	require.Equal(t, 1, subs.RefCount(key))

	sweeper := NewIdleSweeper(store, subs, 30*time.Minute)
	sweeper.sweep(ctx)

	require.Equal(t, 0, subs.RefCount(key))
	sess, err := store.Load(ctx, "idle")
	require.NoError(t, err)
	require.Equal(t, session.StatusTerminated, sess.Status)
}

func TestSweepLeavesFreshSessionsAlone(t *testing.T) {
	store := session.NewInMemoryStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "fresh", time.Now())
	require.NoError(t, err)

	backend := subscription.NewInprocBackend(8, false)
	subs := subscription.NewManager(backend, func(string, subscription.Event) {}, func(string, subscription.Key) {})

	sweeper := NewIdleSweeper(store, subs, 30*time.Minute)
	sweeper.sweep(ctx)

	sess, err := store.Load(ctx, "fresh")
	require.NoError(t, err)
	require.NotEqual(t, session.StatusTerminated, sess.Status)
}
