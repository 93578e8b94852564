package subscription

import (
	"fmt"
	"sync"
	"time"
)

// SendToSession delivers a channel-event notification to a specific session
// over its SSE stream. The transport package supplies this; the manager
// stays agnostic of session/transport internals, mirroring how the registry
// is decoupled from its Emitter.
type SendToSession func(sessionID string, event Event)

// RefreshNeeded notifies a session that its replay window was exceeded and
// it should requery state instead of receiving a partial replay.
type RefreshNeeded func(sessionID string, key Key)

// Manager implements Observe/Release/Publish per spec.md §4.3.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channel
	viewOf   map[string]Key // session id -> current view, for Release-on-switch

	backend Backend

	send    SendToSession
	refresh RefreshNeeded
}

// NewManager constructs a subscription Manager backed by backend.
func NewManager(backend Backend, send SendToSession, refresh RefreshNeeded) *Manager {
	return &Manager{
		channels: map[string]*channel{},
		viewOf:   map[string]Key{},
		backend:  backend,
		send:     send,
		refresh:  refresh,
	}
}

// Observe implements spec.md §4.3's Observe operation.
func (m *Manager) Observe(sessionID string, key Key, lastEventID uint64, hasLastEventID bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.viewOf[sessionID]; ok {
		if prev == key {
			// Same view re-observed; still honor a replay request.
			m.replayOrRefreshLocked(sessionID, key, lastEventID, hasLastEventID)
			return nil
		}
		m.releaseLocked(sessionID, prev)
	}

	ch, ok := m.channels[key.String()]
	if !ok {
		ch = newChannel(key)
		m.channels[key.String()] = ch
	}
	ch.refCount++
	ch.viewers[sessionID] = struct{}{}
	m.viewOf[sessionID] = key

	if ch.refCount == 1 {
		unsub, err := m.backend.Subscribe(key.PhotonID, key, func(method string, params map[string]any) {
			m.onBackendMessage(key, method, params)
		})
		if err != nil {
			return fmt.Errorf("subscribe backend: %w", err)
		}
		ch.unsub = unsub
	}

	m.replayOrRefreshLocked(sessionID, key, lastEventID, hasLastEventID)
	return nil
}

// replayOrRefreshLocked implements the replay-or-refresh decision from
// spec.md §4.3 and Property 5. Must be called with m.mu held.
func (m *Manager) replayOrRefreshLocked(sessionID string, key Key, lastEventID uint64, hasLastEventID bool) {
	if !hasLastEventID {
		return
	}
	ch, ok := m.channels[key.String()]
	if !ok {
		return
	}
	oldest, hasAny := ch.ring.oldestID()
	if hasAny && oldest > lastEventID {
		if m.refresh != nil {
			m.refresh(sessionID, key)
		}
		return
	}
	for _, e := range ch.ring.since(lastEventID) {
		if m.send != nil {
			m.send(sessionID, e)
		}
	}
}

// Release implements spec.md §4.3's Release operation.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key, ok := m.viewOf[sessionID]; ok {
		m.releaseLocked(sessionID, key)
		delete(m.viewOf, sessionID)
	}
}

func (m *Manager) releaseLocked(sessionID string, key Key) {
	ch, ok := m.channels[key.String()]
	if !ok {
		return
	}
	delete(ch.viewers, sessionID)
	ch.refCount--
	if ch.refCount <= 0 {
		if ch.unsub != nil {
			ch.unsub()
		}
		// The ring is discarded immediately rather than retained for a
		// grace period: spec.md §4.3 permits either choice, and discarding
		// keeps ref-count-zero channels from leaking memory indefinitely.
		delete(m.channels, key.String())
	}
}

// Publish implements spec.md §4.3's Publish operation: assign the next id,
// append to the ring (trimming to RingBound), and broadcast to every
// session whose view equals key. Publish must complete before the caller's
// producing operation returns (spec.md §5 ordering guarantee).
func (m *Manager) Publish(key Key, method string, params map[string]any, backendTag string) Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[key.String()]
	if !ok {
		ch = newChannel(key)
		m.channels[key.String()] = ch
	}
	ch.nextID++
	ev := Event{ID: ch.nextID, Method: method, Params: params, Timestamp: time.Now(), Backend: backendTag}
	ch.ring.append(ev)

	for sessionID := range ch.viewers {
		if m.send != nil {
			m.send(sessionID, ev)
		}
	}
	return ev
}

func (m *Manager) onBackendMessage(key Key, method string, params map[string]any) {
	m.Publish(key, method, params, "pulse")
}

// CompactRings drops every channel with zero viewers, reclaiming rings
// left behind by Publish calls that created a channel before any session
// ever Observed it (a publish-before-subscribe race that Release alone
// never cleans up, since Release only runs for channels a session held a
// reference to). Intended to run periodically from the watcher pipeline's
// idle-sweep cron job, distinct from the session idle timeout.
func (m *Manager) CompactRings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	compacted := 0
	for k, ch := range m.channels {
		if ch.refCount <= 0 {
			if ch.unsub != nil {
				ch.unsub()
			}
			delete(m.channels, k)
			compacted++
		}
	}
	return compacted
}

// RefCount returns the current reference count for key, for tests
// (Property 4: ref-count correctness).
func (m *Manager) RefCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[key.String()]; ok {
		return ch.refCount
	}
	return 0
}
