package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/portel-dev/photonctl/internal/federation"
	"github.com/portel-dev/photonctl/internal/photon"
	"github.com/portel-dev/photonctl/internal/subscription"
	"github.com/portel-dev/photonctl/internal/taskqueue"
	"github.com/portel-dev/photonctl/pkg/jsonrpc"
)

// cancelledError is the sentinel a yield callback panics with once it
// observes its invocation's context is done; runInvocation recovers it
// on the task queue goroutine and reports Cancelled rather than crashing
// the whole queue (spec.md §4.2 Cancellation).
type cancelledError struct{}

func (cancelledError) Error() string { return "invocation cancelled" }

var errElicitationUnavailable = errors.New("no stream bound to this session")

func splitQualified(name string) (target, method string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// toolsCall implements tools/call: route by "<photon-or-mcp-name>.<method>"
// to the registry or the federation catalog, stream progress to the
// invoking session and its channel ring, and honor $/cancelRequest at
// cooperative yield points.
func (s *Server) toolsCall(ctx context.Context, sessionID, requestID string, params json.RawMessage) (any, *jsonrpc.Error) {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	target, method, ok := splitQualified(req.Name)
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: `name must be "<target>.<method>"`}
	}

	if !s.limiterFor(sessionID).Allow() {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: "invocation rate limit exceeded"}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registerInflight(sessionID, requestID, cancel)
	defer s.clearInflight(sessionID, requestID)

	if id, ok := s.registry.IDForName(target); ok {
		return s.invokeLocal(callCtx, sessionID, id, method, req.Arguments)
	}
	if _, ok := s.catalog.Get(target); ok {
		return s.invokeFederated(callCtx, sessionID, target, method, req.Arguments)
	}
	return nil, &jsonrpc.Error{
		Code: jsonrpc.CodeMethodNotFound, Message: fmt.Sprintf("unknown target %q", target),
		Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound},
	}
}

// channelKeyFor resolves the channel a photon invocation's yields belong
// to: the session's current view when it matches the invoked photon,
// otherwise that photon's default "main" item.
func (s *Server) channelKeyFor(sessionID, photonID string) subscription.Key {
	sess, err := s.sessions.Load(context.Background(), sessionID)
	if err == nil && sess.HasView && sess.View.PhotonID == photonID {
		return subscription.Key{PhotonID: sess.View.PhotonID, ItemID: sess.View.ItemID}
	}
	return subscription.Key{PhotonID: photonID, ItemID: "main"}
}

func (s *Server) invokeLocal(ctx context.Context, sessionID, photonID, method string, args map[string]any) (any, *jsonrpc.Error) {
	key := s.channelKeyFor(sessionID, photonID)

	yield := func(yieldMethod string, params map[string]any) {
		if ctx.Err() != nil {
			panic(cancelledError{})
		}
		ev := s.subs.Publish(key, yieldMethod, params, "inproc")
		// Also forward directly to the invoking session's own stream: it
		// may not itself be a viewer of this channel (it never called
		// Observe), and the invocation's own client always expects to see
		// its progress regardless of subscription state.
		if st, ok := s.streamFor(sessionID); ok {
			_ = st.event(ev.ID, "channel-event", map[string]any{"method": yieldMethod, "params": params})
		}
	}
	ask := func(askCtx context.Context, prompt map[string]any) (map[string]any, error) {
		return s.awaitElicitation(askCtx, sessionID, prompt)
	}

	result, err := s.runInvocation(func() (any, error) {
		return s.registry.Invoke(ctx, photonID, method, args, yield, ask)
	})
	if err != nil {
		return nil, mapInvocationError(err)
	}
	return result, nil
}

func (s *Server) invokeFederated(ctx context.Context, sessionID, server, method string, args map[string]any) (any, *jsonrpc.Error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}

	s.setFederationSession(server, sessionID)
	defer s.clearFederationSession(server, sessionID)

	result, err := s.runInvocation(func() (any, error) {
		return s.catalog.Invoke(ctx, server, federation.CallRequest{Method: method, Payload: payload})
	})
	if err != nil {
		return nil, &jsonrpc.Error{
			Code: jsonrpc.CodeServerError, Message: err.Error(),
			Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindFederated},
		}
	}

	resp := result.(federation.CallResponse)
	var decoded any
	switch {
	case len(resp.Structured) > 0:
		_ = json.Unmarshal(resp.Structured, &decoded)
	case len(resp.Result) > 0:
		_ = json.Unmarshal(resp.Result, &decoded)
	}
	return decoded, nil
}

// runInvocation serializes fn onto the task queue — the cooperative,
// single-goroutine scheduling model internal/taskqueue documents — and
// recovers a cancellation panic raised from within a yield callback.
func (s *Server) runInvocation(fn func() (any, error)) (any, error) {
	res := taskqueue.Call(s.queue, func() (res invocationResult) {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(cancelledError); ok {
					res = invocationResult{err: cancelledError{}}
					return
				}
				res = invocationResult{err: fmt.Errorf("invocation panic: %v", r)}
			}
		}()
		v, err := fn()
		return invocationResult{value: v, err: err}
	})
	return res.value, res.err
}

type invocationResult struct {
	value any
	err   error
}

// mapInvocationError classifies an error from a local invocation into
// spec.md §7's error-kind taxonomy.
func mapInvocationError(err error) *jsonrpc.Error {
	var cancelled cancelledError
	if errors.As(err, &cancelled) || errors.Is(err, context.Canceled) {
		return &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: "invocation cancelled", Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindCancelled}}
	}
	if errors.Is(err, errElicitationUnavailable) {
		return &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: err.Error(), Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindElicitationUnavailable}}
	}
	if errors.Is(err, photon.ErrNotFound) {
		return &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: err.Error(), Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound}}
	}
	var unconfigured photon.ErrUnconfigured
	if errors.As(err, &unconfigured) {
		return &jsonrpc.Error{
			Code: jsonrpc.CodeServerError, Message: err.Error(),
			Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindUnconfigured, Missing: unconfigured.Missing},
		}
	}
	return &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: err.Error(), Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindInvocationError}}
}

// awaitElicitation sends elicitation/create over the invoking session's
// stream and blocks until the client's correlated POST response arrives or
// ctx is cancelled.
func (s *Server) awaitElicitation(ctx context.Context, sessionID string, prompt map[string]any) (map[string]any, error) {
	st, ok := s.streamFor(sessionID)
	if !ok {
		return nil, errElicitationUnavailable
	}
	id := uuid.NewString()
	reply := make(chan elicitReply, 1)
	s.elicitMu.Lock()
	s.elicits[id] = reply
	s.elicitMu.Unlock()
	defer func() {
		s.elicitMu.Lock()
		delete(s.elicits, id)
		s.elicitMu.Unlock()
	}()

	if err := st.request(id, "elicitation/create", prompt); err != nil {
		return nil, err
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.result) == 0 {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal(r.result, &out); err != nil {
			return nil, err
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ElicitationHandler adapts the transport's session-bound elicitation
// round-trip into a federation.ElicitationHandler, for
// catalog.SetElicitationHandler(server.ElicitationHandler()).
func (s *Server) ElicitationHandler() federation.ElicitationHandler {
	return func(ctx context.Context, req federation.ElicitationRequest) (json.RawMessage, error) {
		sessionID, ok := s.federationSessionFor(req.Server)
		if !ok {
			return nil, fmt.Errorf("federation: no invoking session for server %q", req.Server)
		}
		st, ok := s.streamFor(sessionID)
		if !ok {
			return nil, errElicitationUnavailable
		}
		reply := make(chan elicitReply, 1)
		s.elicitMu.Lock()
		s.elicits[req.ID] = reply
		s.elicitMu.Unlock()
		defer func() {
			s.elicitMu.Lock()
			delete(s.elicits, req.ID)
			s.elicitMu.Unlock()
		}()

		if err := st.request(req.ID, "elicitation/create", json.RawMessage(req.Params)); err != nil {
			return nil, err
		}

		select {
		case r := <-reply:
			if r.err != nil {
				return nil, r.err
			}
			return r.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
