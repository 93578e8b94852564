package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/portel-dev/photonctl/internal/session"
	"github.com/portel-dev/photonctl/internal/subscription"
)

// LastEventIDHeader is the standard SSE resume header (spec.md §4.2 step 1).
const LastEventIDHeader = "Last-Event-ID"

// handleStream implements the GET /mcp half of the streamable transport:
// open an SSE stream bound to the session, replay or refresh its current
// view if any, then block until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionHeader, http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Load(r.Context(), sessionID)
	if err != nil {
		if err == session.ErrNotFound {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	st := newSSEStream(w, flusher)
	if err := st.open(); err != nil {
		return
	}
	s.setStream(sessionID, st)
	defer func() {
		s.clearStream(sessionID, st)
		st.markClosed()
	}()

	_ = s.sessions.Touch(r.Context(), sessionID, time.Now())

	if sess.HasView {
		lastEventID, hasLastEventID := parseLastEventID(r.Header.Get(LastEventIDHeader))
		key := subscription.Key{PhotonID: sess.View.PhotonID, ItemID: sess.View.ItemID}
		if err := s.subs.Observe(sessionID, key, lastEventID, hasLastEventID); err != nil {
			s.log.Warn(r.Context(), "observe failed on reconnect", "session", sessionID, "error", err.Error())
		}
	}

	<-r.Context().Done()
}

func parseLastEventID(raw string) (uint64, bool) {
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
