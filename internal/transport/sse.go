package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/portel-dev/photonctl/pkg/jsonrpc"
)

// sseStream frames outbound events onto one session's GET /mcp connection,
// per spec.md §4.2: "id: <event-id>\nevent: message\ndata: <JSON-RPC
// notification>\n\n". Notifications and server requests take ids from a
// per-stream counter, while channel events carry their channel's own event
// id, so the ids on one stream do not form a single monotonic sequence.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool

	nextID atomic.Uint64
}

func newSSEStream(w http.ResponseWriter, flusher http.Flusher) *sseStream {
	return &sseStream{w: w, flusher: flusher}
}

// open writes the retry hint and a stream-open comment, per spec.md §4.2
// step 3.
func (st *sseStream) open() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := fmt.Fprint(st.w, "retry: 2000\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprint(st.w, ": stream open\n\n"); err != nil {
		return err
	}
	st.flusher.Flush()
	return nil
}

// notify frames a server→client notification with no id (list-changed,
// refresh-needed). It assigns the stream's own next counter value as the
// frame id; channel events framed by event do not advance this counter.
func (st *sseStream) notify(method string, params any) error {
	n := jsonrpc.NewNotification(method, params)
	return st.writeFrame(st.nextID.Add(1), n)
}

// event frames a channel-event notification at a caller-supplied id (the
// subscription manager's own per-channel event id), matching the replay
// contract exactly: ids delivered for a channel are the ring's ids, not a
// separately incrementing stream counter.
func (st *sseStream) event(id uint64, method string, params any) error {
	n := jsonrpc.NewNotification(method, params)
	return st.writeFrame(id, n)
}

// request frames a server-initiated JSON-RPC request (elicitation/create),
// which the client answers with a same-id response over POST.
func (st *sseStream) request(id, method string, params any) error {
	idJSON, err := json.Marshal(id)
	if err != nil {
		return err
	}
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  any             `json:"params,omitempty"`
	}{JSONRPC: jsonrpc.Version, ID: idJSON, Method: method, Params: params}
	return st.writeFrame(st.nextID.Add(1), req)
}

func (st *sseStream) writeFrame(id uint64, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return fmt.Errorf("sse stream closed")
	}
	if _, err := fmt.Fprintf(st.w, "id: %d\nevent: message\ndata: %s\n\n", id, data); err != nil {
		st.closed = true
		return err
	}
	st.flusher.Flush()
	return nil
}

func (st *sseStream) markClosed() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
}
