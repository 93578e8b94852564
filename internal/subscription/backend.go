package subscription

// OnMessage is invoked by a Backend for every upstream message on a
// subscribed channel. method/params mirror the shape Publish accepts.
type OnMessage func(method string, params map[string]any)

// Backend is the single interface hiding whether channel events originate
// in-process or cross-process (spec.md §4.3/§9). The default backend wires
// an in-process emitter directly; an alternative backend connects to an
// external daemon (Pulse/Redis) over IPC.
type Backend interface {
	// Subscribe registers interest in photonName's channel and returns an
	// unsubscribe func. on is invoked for every message the backend
	// observes for that channel until Unsubscribe is called.
	Subscribe(photonName string, key Key, on OnMessage) (unsubscribe func(), err error)
}
