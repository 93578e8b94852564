// Package transport implements the streamable endpoint: a single HTTP path
// accepting POST (JSON-RPC request/response) and GET (a resumable SSE
// stream), session lifecycle, method dispatch to the registry and
// federation layer, and the plumbing that ties the subscription manager's
// fan-out and the elicitation round-trip to specific sessions.
//
// Routing follows the teacher-adjacent Aureuma-si ReleaseParty server's
// chi.Router shape (internal/api/server.go): one constructor, one Router()
// method building routes with chi.NewRouter, handlers as Server methods.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/portel-dev/photonctl/internal/federation"
	"github.com/portel-dev/photonctl/internal/photon"
	"github.com/portel-dev/photonctl/internal/session"
	"github.com/portel-dev/photonctl/internal/subscription"
	"github.com/portel-dev/photonctl/internal/taskqueue"
	"github.com/portel-dev/photonctl/internal/telemetry"
)

// SessionHeader carries the session id on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

// DefaultCallRate and DefaultCallBurst throttle tools/call and related
// invocation methods per session, protecting the single cooperative task
// queue from an overeager client (SPEC_FULL.md §4.2).
const (
	DefaultCallRate  rate.Limit = 20
	DefaultCallBurst            = 5
)

// Server wires the registry, federation catalog, subscription manager, and
// session store to the wire protocol. All registry/federation/session
// mutations that must observe consistent state run through queue, the
// single-goroutine task queue (internal/taskqueue).
type Server struct {
	registry *photon.Registry
	catalog  *federation.Catalog
	subs     *subscription.Manager
	sessions session.Store
	queue    *taskqueue.Queue

	log     telemetry.Logger
	metrics telemetry.Metrics

	callRate  rate.Limit
	callBurst int

	mu       sync.Mutex
	streams  map[string]*sseStream
	limiters map[string]*rate.Limiter

	inflightMu sync.Mutex
	inflight   map[string]*invocation // "<sessionID>:<requestID>" -> invocation

	elicitMu sync.Mutex
	elicits  map[string]chan elicitReply // elicitation request id -> reply channel

	// currentFederationSession records which session is presently
	// mid-invocation against a given external server, so an asynchronous
	// server-initiated elicitation/create (arriving on the catalog's
	// elicitation handler) can be relayed to the right SSE stream. Safe
	// as a single map without per-call locking races because every
	// invocation — local or federated — runs serialized on queue.
	currentFederationSession map[string]string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics overrides the default no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithCallRate overrides the per-session invocation rate limit.
func WithCallRate(limit rate.Limit, burst int) Option {
	return func(s *Server) { s.callRate = limit; s.callBurst = burst }
}

// NewServer constructs a Server. Its ElicitationHandler method should be
// wired into catalog via catalog.SetElicitationHandler once both exist.
func NewServer(registry *photon.Registry, catalog *federation.Catalog, subs *subscription.Manager, sessions session.Store, queue *taskqueue.Queue, opts ...Option) *Server {
	s := &Server{
		registry:                 registry,
		catalog:                  catalog,
		subs:                     subs,
		sessions:                 sessions,
		queue:                    queue,
		log:                      telemetry.NewNoopLogger(),
		metrics:                  telemetry.NewNoopMetrics(),
		callRate:                 DefaultCallRate,
		callBurst:                DefaultCallBurst,
		streams:                  make(map[string]*sseStream),
		limiters:                 make(map[string]*rate.Limiter),
		inflight:                 make(map[string]*invocation),
		elicits:                  make(map[string]chan elicitReply),
		currentFederationSession: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router: /healthz, /mcp (POST+GET), and a /metrics
// mount left to the caller via WithMetricsHandler-equivalent wiring at the
// cmd/photond layer (it owns the Prometheus registry).
func (s *Server) Router(metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/mcp", func(r chi.Router) {
		r.Post("/", s.handlePost)
		r.Get("/", s.handleStream)
	})

	return r
}

func (s *Server) limiterFor(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(s.callRate, s.callBurst)
		s.limiters[sessionID] = l
	}
	return l
}

func (s *Server) forgetSession(sessionID string) {
	s.dropSessionState(sessionID)
	s.subs.Release(sessionID)
}

// dropSessionState clears the stream and limiter this session owns, without
// touching subscription state. Exported as DropSessionState for
// internal/watcher's IdleSweeper, which already calls subs.Release itself
// before terminating the session.
func (s *Server) dropSessionState(sessionID string) {
	s.mu.Lock()
	delete(s.streams, sessionID)
	delete(s.limiters, sessionID)
	s.mu.Unlock()
}

// DropSessionState implements the callback shape watcher.WithSweepTerminated
// expects.
func (s *Server) DropSessionState(sessionID string) { s.dropSessionState(sessionID) }

func (s *Server) streamFor(sessionID string) (*sseStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[sessionID]
	return st, ok
}

func (s *Server) setStream(sessionID string, st *sseStream) {
	s.mu.Lock()
	s.streams[sessionID] = st
	s.mu.Unlock()
}

func (s *Server) clearStream(sessionID string, st *sseStream) {
	s.mu.Lock()
	if s.streams[sessionID] == st {
		delete(s.streams, sessionID)
	}
	s.mu.Unlock()
}

// send implements subscription.SendToSession: frame a channel event onto
// the session's open SSE stream, if any.
func (s *Server) send(sessionID string, ev subscription.Event) {
	st, ok := s.streamFor(sessionID)
	if !ok {
		return
	}
	if err := st.event(ev.ID, "channel-event", map[string]any{
		"method":  ev.Method,
		"params":  ev.Params,
		"backend": ev.Backend,
	}); err != nil {
		s.log.Warn(context.Background(), "sse write failed", "session", sessionID, "error", err.Error())
	}
}

// Send implements subscription.SendToSession, exported so cmd/photond can
// bind it into subscription.NewManager before the Server itself exists
// (Manager needs the callback at construction; Server needs the Manager).
func (s *Server) Send(sessionID string, ev subscription.Event) { s.send(sessionID, ev) }

// Refresh implements subscription.RefreshNeeded, exported for the same
// forward-reference reason as Send.
func (s *Server) Refresh(sessionID string, key subscription.Key) { s.refresh(sessionID, key) }

// refresh implements subscription.RefreshNeeded.
func (s *Server) refresh(sessionID string, key subscription.Key) {
	st, ok := s.streamFor(sessionID)
	if !ok {
		return
	}
	_ = st.notify("refresh-needed", map[string]any{"photonId": key.PhotonID, "itemId": key.ItemID})
}

// broadcastListChanged implements photon.Emitter's list-changed half,
// pushing notifications/tools/list_changed to every open SSE stream.
func (s *Server) broadcastListChanged() {
	s.mu.Lock()
	streams := make([]*sseStream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	for _, st := range streams {
		_ = st.notify("notifications/tools/list_changed", nil)
	}
}

// PublishListChanged implements photon.Emitter.
func (s *Server) PublishListChanged() { s.broadcastListChanged() }

// PublishLoadError implements photon.Emitter, surfacing a load failure as a
// list-changed notification; clients discover the errored descriptor on
// their next tools/list.
func (s *Server) PublishLoadError(photonID, message string) {
	s.log.Warn(context.Background(), "photon load error", "photon", photonID, "error", message)
	s.broadcastListChanged()
}

var _ photon.Emitter = (*Server)(nil)

type elicitReply struct {
	result []byte
	err    *elicitErr
}

type elicitErr struct {
	message string
}

func (e *elicitErr) Error() string { return e.message }

// invocation tracks one in-flight tools/call for $/cancelRequest.
type invocation struct {
	cancel func()
}

func inflightKey(sessionID, requestID string) string { return sessionID + ":" + requestID }

func (s *Server) registerInflight(sessionID, requestID string, cancel func()) {
	s.inflightMu.Lock()
	s.inflight[inflightKey(sessionID, requestID)] = &invocation{cancel: cancel}
	s.inflightMu.Unlock()
}

func (s *Server) clearInflight(sessionID, requestID string) {
	s.inflightMu.Lock()
	delete(s.inflight, inflightKey(sessionID, requestID))
	s.inflightMu.Unlock()
}

// cancelInflight implements $/cancelRequest: interrupt the invocation's
// context, which the bound yield callback observes at its next call and
// aborts from (spec.md §4.2 Cancellation: "interrupted at its next
// cooperative yield point").
func (s *Server) cancelInflight(sessionID, requestID string) {
	s.inflightMu.Lock()
	inv, ok := s.inflight[inflightKey(sessionID, requestID)]
	s.inflightMu.Unlock()
	if ok && inv.cancel != nil {
		inv.cancel()
	}
}

func (s *Server) setFederationSession(server, sessionID string) {
	s.mu.Lock()
	s.currentFederationSession[server] = sessionID
	s.mu.Unlock()
}

func (s *Server) clearFederationSession(server, sessionID string) {
	s.mu.Lock()
	if s.currentFederationSession[server] == sessionID {
		delete(s.currentFederationSession, server)
	}
	s.mu.Unlock()
}

func (s *Server) federationSessionFor(server string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.currentFederationSession[server]
	return id, ok
}

// DefaultIdleSessionTimeout is cmd/photond's default for wiring
// internal/watcher's IdleSweeper; the transport itself does not run the
// sweep (that stays a cron job owned by the watcher pipeline).
const DefaultIdleSessionTimeout = 30 * time.Minute
