package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/portel-dev/photonctl/internal/photon"
	"github.com/portel-dev/photonctl/internal/taskqueue"
	"github.com/portel-dev/photonctl/pkg/jsonrpc"
)

const protocolVersion = "2024-11-05"

// wireMessage decodes loosely enough to tell a client→server request or
// notification (has "method") apart from a client's response to a
// server-initiated elicitation/create (has "id" but no "method").
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

// handlePost implements the POST half of the streamable transport: decode
// one JSON-RPC message and either dispatch it as a request/notification or,
// if it carries no method, treat it as the client's reply to a
// server-initiated elicitation/create.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "failed reading body", http.StatusBadRequest)
		return
	}
	var msg wireMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(nil, jsonrpc.CodeParseError, err.Error(), jsonrpc.KindTransport))
		return
	}

	if msg.Method == "" {
		s.handleElicitationReply(w, msg)
		return
	}

	if msg.Method == "initialize" {
		s.handleInitialize(w, r, msg)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidRequest, "missing "+SessionHeader, jsonrpc.KindTransport))
		return
	}
	if _, err := s.sessions.Load(r.Context(), sessionID); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(msg.ID, jsonrpc.CodeInvalidRequest, "unknown session", jsonrpc.KindNotFound))
		return
	}
	_ = s.sessions.Touch(r.Context(), sessionID, time.Now())

	if msg.Method == "$/cancelRequest" {
		s.handleCancelRequest(sessionID, msg.Params)
		if !msg.IsNotificationLike() {
			writeJSON(w, http.StatusOK, jsonrpc.NewResult(msg.ID, nil))
		} else {
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}

	result, rpcErr := s.dispatch(r, sessionID, msg)
	if msg.IsNotificationLike() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: msg.ID, Error: rpcErr})
		return
	}
	writeJSON(w, http.StatusOK, jsonrpc.NewResult(msg.ID, result))
}

// IsNotificationLike reports whether msg carries no id (a true JSON-RPC
// notification, as opposed to a request awaiting a response).
func (m wireMessage) IsNotificationLike() bool { return len(m.ID) == 0 }

func (s *Server) dispatch(r *http.Request, sessionID string, msg wireMessage) (any, *jsonrpc.Error) {
	switch msg.Method {
	case "tools/list":
		return s.toolsList(), nil
	case "configuration/list":
		return s.configurationList(), nil
	case "configure":
		return s.configure(r, msg.Params)
	case "tools/call":
		return s.toolsCall(r.Context(), sessionID, string(msg.ID), msg.Params)
	case "resources/read":
		return s.resourcesRead(r, msg.Params)
	case "prompts/get":
		return s.promptsGet(r, msg.Params)
	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown method " + msg.Method, Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound}}
	}
}

// handleInitialize establishes a new session and returns its id over the
// session header, per spec.md §6: "Establish session; return session id in
// response header."
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, msg wireMessage) {
	id := uuid.NewString()
	if _, err := s.sessions.Create(r.Context(), id, time.Now()); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, err.Error(), jsonrpc.KindTransport))
		return
	}
	if err := s.sessions.Initialize(r.Context(), id); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, err.Error(), jsonrpc.KindTransport))
		return
	}
	w.Header().Set(SessionHeader, id)
	writeJSON(w, http.StatusOK, jsonrpc.NewResult(msg.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": "photonctl", "version": "dev"},
		"capabilities":    map[string]any{"elicitation": map[string]any{}},
	}))
}

func (s *Server) handleCancelRequest(sessionID string, params json.RawMessage) {
	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return
	}
	s.cancelInflight(sessionID, string(body.ID))
}

// handleElicitationReply correlates a client's response to a
// server-initiated elicitation/create with the waiting invocation.
func (s *Server) handleElicitationReply(w http.ResponseWriter, msg wireMessage) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		id = string(msg.ID)
	}
	s.elicitMu.Lock()
	reply, ok := s.elicits[id]
	s.elicitMu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if msg.Error != nil {
		reply <- elicitReply{err: &elicitErr{message: msg.Error.Message}}
	} else {
		reply <- elicitReply{result: msg.Result}
	}
	w.WriteHeader(http.StatusAccepted)
}

// toolsList aggregates ready registry descriptors and connected federation
// servers into the unified tools catalog (spec.md §4.2 POST dispatch).
func (s *Server) toolsList() map[string]any {
	var tools []map[string]any
	for _, d := range s.registry.List() {
		if d.State != photon.StateReady {
			continue
		}
		for _, m := range d.Methods {
			tools = append(tools, map[string]any{
				"name":        d.Name + "." + m.Name,
				"description": d.Description,
				"inputSchema": m.InputSchema,
			})
		}
	}
	for _, srv := range s.catalog.List() {
		if !srv.Connected {
			continue
		}
		for _, m := range srv.Methods {
			tools = append(tools, map[string]any{
				"name":        srv.Name + "." + m.Name,
				"description": m.Description,
			})
		}
	}
	return map[string]any{"tools": tools}
}

// configurationList surfaces non-ready photons so a machine client can
// drive the configuration flow (spec.md §4.2's "separate configuration/list").
func (s *Server) configurationList() map[string]any {
	var photons []map[string]any
	for _, d := range s.registry.List() {
		if d.State == photon.StateReady {
			continue
		}
		photons = append(photons, descriptorEnvelope(d))
	}
	return map[string]any{"photons": photons}
}

// descriptorEnvelope builds the wire-exposed photon-descriptor shape from
// spec.md §6.
func descriptorEnvelope(d photon.Descriptor) map[string]any {
	env := map[string]any{
		"id":            d.ID,
		"name":          d.Name,
		"configured":    d.State == photon.StateReady,
		"version":       d.Version,
		"author":        d.Author,
		"icon":          d.Icon,
		"label":         d.Label,
		"description":   d.Description,
		"resourceCount": d.ResourceCount,
		"promptCount":   d.PromptCount,
	}
	switch d.State {
	case photon.StateNeedsConfig:
		env["errorReason"] = "missing-config"
		var missing []string
		for _, p := range d.Params {
			if !p.Optional && !p.HasDefault {
				missing = append(missing, p.Name)
			}
		}
		env["requiredParams"] = missing
	case photon.StateErrored:
		env["errorReason"] = "load-error"
		env["errorMessage"] = d.ErrorMessage
	}
	if d.AppEntry != nil {
		env["isApp"] = true
		env["appEntry"] = methodEnvelope(*d.AppEntry)
	}
	methods := make([]map[string]any, 0, len(d.Methods))
	for _, m := range d.Methods {
		methods = append(methods, methodEnvelope(m))
	}
	env["methods"] = methods
	return env
}

func methodEnvelope(m photon.Method) map[string]any {
	return map[string]any{
		"name":        m.Name,
		"inputSchema": m.InputSchema,
		"outputHint":  m.OutputHint,
		"layoutHints": m.LayoutHints,
		"buttonLabel": m.ButtonLabel,
		"icon":        m.Icon,
		"linkedUI":    m.LinkedUI,
		"visibility":  m.Visibility,
		"autorun":     m.Autorun,
		"isTest":      m.IsTest,
		"isTemplate":  m.IsTemplate,
	}
}

// configure implements the S1 scenario's "configure{photon, env}" method:
// merge env vars into the process, then load or reload the named photon.
func (s *Server) configure(r *http.Request, params json.RawMessage) (any, *jsonrpc.Error) {
	var body struct {
		Photon  string            `json:"photon"`
		AbsPath string            `json:"absPath"`
		Env     map[string]string `json:"env"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	absPath := body.AbsPath
	if absPath == "" {
		if id, ok := s.registry.IDForName(body.Photon); ok {
			if d, ok := s.registry.Get(id); ok {
				absPath = d.AbsPath
			}
		}
	}
	if absPath == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "absPath required for a previously unknown photon"}
	}

	result := taskqueue.Call(s.queue, func() invocationResult {
		d, err := s.registry.Configure(r.Context(), body.Photon, absPath, body.Env)
		return invocationResult{value: d, err: err}
	})
	if result.err != nil {
		return nil, mapInvocationError(result.err)
	}
	s.broadcastListChanged()
	return descriptorEnvelope(result.value.(photon.Descriptor)), nil
}

func (s *Server) resourcesRead(r *http.Request, params json.RawMessage) (any, *jsonrpc.Error) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	target, _, ok := splitSchemeTarget(body.URI)
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "uri must be ui://<name>/..."}
	}
	if id, ok := s.registry.IDForName(target); ok {
		d, _ := s.registry.Get(id)
		return map[string]any{"uri": body.URI, "mimeType": "text/html", "text": d.UITemplate}, nil
	}
	if _, ok := s.catalog.Get(target); ok {
		raw, err := s.catalog.ReadResource(r.Context(), target, body.URI)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: err.Error(), Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindFederated}}
		}
		var decoded any
		_ = json.Unmarshal(raw, &decoded)
		return decoded, nil
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown resource target", Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound}}
}

func (s *Server) promptsGet(r *http.Request, params json.RawMessage) (any, *jsonrpc.Error) {
	var body struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
	}
	target, prompt, ok := splitQualified(body.Name)
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: `name must be "<server>.<prompt>"`}
	}
	if _, ok := s.registry.IDForName(target); ok {
		// Local photon prompt content beyond the descriptor's PromptCount
		// is outside the loader's current scope (no prompt registry on
		// Handle yet); only federation prompts/get round-trips for real.
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "photon has no named prompt registry", Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound}}
	}
	if _, ok := s.catalog.Get(target); ok {
		raw, err := s.catalog.GetPrompt(r.Context(), target, prompt, body.Arguments)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: err.Error(), Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindFederated}}
		}
		var decoded any
		_ = json.Unmarshal(raw, &decoded)
		return decoded, nil
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "unknown prompt target", Data: &jsonrpc.ErrorData{Kind: jsonrpc.KindNotFound}}
}

func splitSchemeTarget(uri string) (target, rest string, ok bool) {
	const prefix = "ui://"
	if len(uri) <= len(prefix) || uri[:len(prefix)] != prefix {
		return "", "", false
	}
	trimmed := uri[len(prefix):]
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i+1:], true
		}
	}
	return trimmed, "", true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
