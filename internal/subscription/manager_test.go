package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager() (*Manager, map[string][]Event) {
	delivered := map[string][]Event{}
	backend := NewInprocBackend(16, false)
	send := func(sessionID string, e Event) { delivered[sessionID] = append(delivered[sessionID], e) }
	refreshed := map[string]int{}
	refresh := func(sessionID string, _ Key) { refreshed[sessionID]++ }
	_ = refreshed
	return NewManager(backend, send, refresh), delivered
}

func TestRefCountCorrectness(t *testing.T) {
	m, _ := newTestManager()
	key := Key{PhotonID: "p1", ItemID: "main"}

	require.NoError(t, m.Observe("s1", key, 0, false))
	require.Equal(t, 1, m.RefCount(key))

	require.NoError(t, m.Observe("s2", key, 0, false))
	require.Equal(t, 2, m.RefCount(key))

	m.Release("s1")
	require.Equal(t, 1, m.RefCount(key))

	m.Release("s2")
	require.Equal(t, 0, m.RefCount(key))
}

func TestReplayBoundary(t *testing.T) {
	m, delivered := newTestManager()
	key := Key{PhotonID: "p1", ItemID: "main"}

	require.NoError(t, m.Observe("viewer", key, 0, false))
	for i := 0; i < 5; i++ {
		m.Publish(key, "progress", map[string]any{"i": i}, "inproc")
	}

	// Same session reconnects (e.g. SSE stream dropped and reopened) with
	// Last-Event-ID: 3, without ever releasing its view.
	delivered["viewer"] = nil
	require.NoError(t, m.Observe("viewer", key, 3, true))
	require.Len(t, delivered["viewer"], 2)
	require.Equal(t, uint64(4), delivered["viewer"][0].ID)
	require.Equal(t, uint64(5), delivered["viewer"][1].ID)
}

func TestReplayRefreshWhenWindowExceeded(t *testing.T) {
	refreshedKeys := []Key{}
	backend := NewInprocBackend(16, false)
	delivered := map[string][]Event{}
	send := func(sessionID string, e Event) { delivered[sessionID] = append(delivered[sessionID], e) }
	refresh := func(_ string, key Key) { refreshedKeys = append(refreshedKeys, key) }
	m := NewManager(backend, send, refresh)

	key := Key{PhotonID: "p1", ItemID: "main"}
	require.NoError(t, m.Observe("viewer", key, 0, false))
	for i := 0; i < 40; i++ {
		m.Publish(key, "progress", nil, "inproc")
	}

	delivered["viewer"] = nil
	require.NoError(t, m.Observe("viewer", key, 5, true))
	require.Len(t, refreshedKeys, 1)
	require.Empty(t, delivered["viewer"])
}

func TestCompactRingsDropsZeroRefChannels(t *testing.T) {
	m, _ := newTestManager()
	key := Key{PhotonID: "p1", ItemID: "orphan"}

	// Publish before anyone ever Observes the channel (no viewers hold a
	// reference, so Release is never called for it).
	m.Publish(key, "progress", nil, "inproc")
	require.Equal(t, 0, m.RefCount(key))

	compacted := m.CompactRings()
	require.Equal(t, 1, compacted)

	m.mu.Lock()
	_, exists := m.channels[key.String()]
	m.mu.Unlock()
	require.False(t, exists)
}

func TestCompactRingsLeavesLiveChannelsAlone(t *testing.T) {
	m, _ := newTestManager()
	key := Key{PhotonID: "p1", ItemID: "main"}
	require.NoError(t, m.Observe("viewer", key, 0, false))

	compacted := m.CompactRings()
	require.Equal(t, 0, compacted)
	require.Equal(t, 1, m.RefCount(key))
}

func TestRingBound(t *testing.T) {
	m, _ := newTestManager()
	key := Key{PhotonID: "p1", ItemID: "main"}
	require.NoError(t, m.Observe("viewer", key, 0, false))
	for i := 0; i < 100; i++ {
		m.Publish(key, "progress", nil, "inproc")
	}
	m.mu.Lock()
	ch := m.channels[key.String()]
	count := len(ch.ring.events)
	m.mu.Unlock()
	require.LessOrEqual(t, count, RingBound)
}
