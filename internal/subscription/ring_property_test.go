package subscription

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRingBoundProperty verifies Property 6 (Ring bound): no channel ring
// exceeds RingBound events regardless of how many are published.
func TestRingBoundProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ring never exceeds the bound", prop.ForAll(
		func(publishCount int) bool {
			m, _ := newTestManager()
			key := Key{PhotonID: "p", ItemID: "i"}
			if err := m.Observe("viewer", key, 0, false); err != nil {
				return false
			}
			for i := 0; i < publishCount; i++ {
				m.Publish(key, "progress", nil, "inproc")
			}
			m.mu.Lock()
			ch := m.channels[key.String()]
			n := len(ch.ring.events)
			m.mu.Unlock()
			return n <= RingBound
		},
		gen.IntRange(0, 500),
	))

	properties.TestingRun(t)
}

// TestMonotonicEventIDsProperty verifies that event ids assigned within a
// channel are non-zero and strictly increase.
func TestMonotonicEventIDsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("event ids strictly increase within a channel", prop.ForAll(
		func(publishCount int) bool {
			m, delivered := newTestManager()
			key := Key{PhotonID: "p", ItemID: "i"}
			if err := m.Observe("viewer", key, 0, false); err != nil {
				return false
			}
			for i := 0; i < publishCount; i++ {
				m.Publish(key, "progress", nil, "inproc")
			}
			events := delivered["viewer"]
			var last uint64
			for _, e := range events {
				if e.ID == 0 || e.ID <= last {
					return false
				}
				last = e.ID
			}
			return true
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
