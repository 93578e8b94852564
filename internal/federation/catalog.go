package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ServerConfig describes one external tool server entry in the config
// envelope's mcpServers block.
type ServerConfig struct {
	Name    string
	URL     string
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Method mirrors the photon method-descriptor shape so federated tools
// appear in the same unified catalog (spec.md §4.4 Connect).
type Method struct {
	Name        string
	Description string
}

// Server is the external-server descriptor spec.md §3 names.
type Server struct {
	ID           string
	Name         string
	Connected    bool
	ErrorMessage string
	Methods      []Method
	ResourceCount int
	IsApp        bool
	AppURIs      []string
}

// ElicitationRequest is a server-initiated elicitation/create, relayed to
// the client currently invoking the federated tool.
type ElicitationRequest struct {
	ID     string
	Server string
	Params json.RawMessage
}

// ElicitationHandler relays a server-initiated elicitation request to the
// invoking client and returns once a response id correlates back.
type ElicitationHandler func(ctx context.Context, req ElicitationRequest) (json.RawMessage, error)

type entry struct {
	cfg      ServerConfig
	caller   Caller
	server   Server
	mu       sync.Mutex
	reconnect *rate.Limiter
}

// Catalog maintains the set of connected external tool servers, handling
// connect-with-fallback, reconnect, disconnect, and method invocation
// (spec.md §4.4).
type Catalog struct {
	mu          sync.RWMutex
	servers     map[string]*entry
	elicitation ElicitationHandler
	connectFn   func(ctx context.Context, cfg ServerConfig) (Caller, []Method, int, bool, []string, error)
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithElicitationHandler installs the relay invoked when an external
// server sends elicitation/create mid-invocation.
func WithElicitationHandler(h ElicitationHandler) Option {
	return func(c *Catalog) { c.elicitation = h }
}

// WithConnectFunc overrides how Connect dials a server. Exposed so callers
// outside this package (the watcher pipeline's tests, in particular) can
// exercise Catalog without spawning real processes or making network
// calls.
func WithConnectFunc(fn func(ctx context.Context, cfg ServerConfig) (Caller, []Method, int, bool, []string, error)) Option {
	return func(c *Catalog) { c.connectFn = fn }
}

// SetElicitationHandler installs the relay after construction, for callers
// that must build the Catalog and the handler's own dependency (the
// transport Server) in either order.
func (c *Catalog) SetElicitationHandler(h ElicitationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elicitation = h
}

// NewCatalog builds an empty catalog.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{servers: make(map[string]*entry)}
	c.connectFn = c.connect
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func serverID(name string) string {
	sum := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("external:"+name))
	return sum.String()[:12]
}

// Add registers a server config and connects it, per spec.md §4.4 Connect.
// A connect failure leaves the server in the catalog with
// connected=false/errorMessage set rather than returning an error, so the
// server can be reconnected explicitly later.
func (c *Catalog) Add(ctx context.Context, cfg ServerConfig) Server {
	e := &entry{
		cfg:       cfg,
		reconnect: rate.NewLimiter(rate.Every(5*time.Second), 1),
		server: Server{
			ID:   serverID(cfg.Name),
			Name: cfg.Name,
		},
	}
	c.mu.Lock()
	c.servers[cfg.Name] = e
	c.mu.Unlock()

	c.doConnect(ctx, e)
	return e.snapshot()
}

func (e *entry) snapshot() Server {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.server
}

func (c *Catalog) doConnect(ctx context.Context, e *entry) {
	caller, methods, resourceCount, isApp, appURIs, err := c.connectFn(ctx, e.cfg)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.server.Connected = false
		e.server.ErrorMessage = truncate(err.Error(), 200)
		e.caller = nil
		return
	}
	e.caller = caller
	e.server.Connected = true
	e.server.ErrorMessage = ""
	e.server.Methods = methods
	e.server.ResourceCount = resourceCount
	e.server.IsApp = isApp
	e.server.AppURIs = appURIs
}

// connect implements the streaming-HTTP-then-SSE-fallback / stdio dial,
// and the post-connect tools/list + resources/list catalog build.
func (c *Catalog) connect(ctx context.Context, cfg ServerConfig) (Caller, []Method, int, bool, []string, error) {
	var caller Caller
	switch {
	case cfg.URL != "":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		httpCaller, err := NewHTTPCaller(connectCtx, HTTPOptions{Endpoint: cfg.URL})
		if err != nil {
			sseCaller, sseErr := NewSSECaller(connectCtx, SSEOptions{Endpoint: cfg.URL})
			if sseErr != nil {
				return nil, nil, 0, false, nil, fmt.Errorf("streaming-http: %w; sse fallback: %v", err, sseErr)
			}
			caller = sseCaller
		} else {
			caller = httpCaller
		}
	case cfg.Command != "":
		stdioCaller, err := NewStdioCaller(ctx, StdioOptions{
			Command: cfg.Command, Args: cfg.Args, Env: cfg.Env, Dir: cfg.Dir,
			Elicitation: func(elicitCtx context.Context, params json.RawMessage) (json.RawMessage, error) {
				return c.RelayElicitation(elicitCtx, cfg.Name, params)
			},
		})
		if err != nil {
			return nil, nil, 0, false, nil, err
		}
		caller = stdioCaller
	default:
		return nil, nil, 0, false, nil, errors.New("server config has neither url nor command")
	}

	methods, err := listMethods(ctx, caller)
	if err != nil {
		_ = caller.Close()
		return nil, nil, 0, false, nil, err
	}
	resourceCount, isApp, appURIs, err := listResources(ctx, caller)
	if err != nil {
		// Advertising resources/list is optional; absence is not a connect failure.
		resourceCount, isApp, appURIs = 0, false, nil
	}
	return caller, methods, resourceCount, isApp, appURIs, nil
}

type toolsListResult struct {
	Tools []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"tools"`
}

func listMethods(ctx context.Context, caller Caller) ([]Method, error) {
	resp, err := rawCall(ctx, caller, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	methods := make([]Method, 0, len(result.Tools))
	for _, t := range result.Tools {
		methods = append(methods, Method{Name: t.Name, Description: t.Description})
	}
	return methods, nil
}

const uiResourceMimeType = "application/vnd.mcp.ui+html"

type resourcesListResult struct {
	Resources []struct {
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
	} `json:"resources"`
}

func listResources(ctx context.Context, caller Caller) (count int, isApp bool, appURIs []string, err error) {
	resp, callErr := rawCall(ctx, caller, "resources/list", nil)
	if callErr != nil {
		return 0, false, nil, callErr
	}
	var result resourcesListResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, false, nil, err
	}
	for _, r := range result.Resources {
		if strings.HasPrefix(r.URI, "ui://") || r.MimeType == uiResourceMimeType {
			isApp = true
			appURIs = append(appURIs, r.URI)
		}
	}
	return len(result.Resources), isApp, appURIs, nil
}

// rawCall is a raw JSON-RPC method call that bypasses the tools/call
// envelope used by Caller.Call, for catalog-building calls like
// tools/list and resources/list that return their own result shapes.
func rawCall(ctx context.Context, caller Caller, method string, params any) (json.RawMessage, error) {
	switch typed := caller.(type) {
	case *StdioCaller:
		var raw json.RawMessage
		if err := typed.call(ctx, method, params, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	case *HTTPCaller:
		var raw json.RawMessage
		if err := typed.transport.call(ctx, method, params, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	case *SSECaller:
		var raw json.RawMessage
		if err := typed.call(ctx, method, params, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported caller type %T for raw call", caller)
	}
}

// Invoke forwards a method call to a connected external server.
func (c *Catalog) Invoke(ctx context.Context, name string, req CallRequest) (CallResponse, error) {
	caller, err := c.connectedCaller(name)
	if err != nil {
		return CallResponse{}, err
	}
	return caller.Call(ctx, req)
}

// ReadResource forwards a resources/read call to a connected external
// server, bypassing the tools/call envelope (spec.md §4.2's
// "resources/read, prompts/get → local registry or federation").
func (c *Catalog) ReadResource(ctx context.Context, name, uri string) (json.RawMessage, error) {
	caller, err := c.connectedCaller(name)
	if err != nil {
		return nil, err
	}
	return rawCall(ctx, caller, "resources/read", map[string]any{"uri": uri})
}

// GetPrompt forwards a prompts/get call to a connected external server.
func (c *Catalog) GetPrompt(ctx context.Context, name, prompt string, args map[string]any) (json.RawMessage, error) {
	caller, err := c.connectedCaller(name)
	if err != nil {
		return nil, err
	}
	return rawCall(ctx, caller, "prompts/get", map[string]any{"name": prompt, "arguments": args})
}

func (c *Catalog) connectedCaller(name string) (Caller, error) {
	c.mu.RLock()
	e, ok := c.servers[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("federation: unknown server %q", name)
	}
	e.mu.Lock()
	caller := e.caller
	connected := e.server.Connected
	e.mu.Unlock()
	if !connected || caller == nil {
		return nil, fmt.Errorf("federation: server %q is not connected", name)
	}
	return caller, nil
}

// Reconnect tears down the existing client and reconnects with fresh
// state, updating the descriptor atomically (spec.md §4.4 Reconnect).
// Reconnect attempts are throttled independently of the per-session call
// limiter in the transport layer.
func (c *Catalog) Reconnect(ctx context.Context, name string) (Server, error) {
	c.mu.RLock()
	e, ok := c.servers[name]
	c.mu.RUnlock()
	if !ok {
		return Server{}, fmt.Errorf("federation: unknown server %q", name)
	}
	if !e.reconnect.Allow() {
		return e.snapshot(), fmt.Errorf("federation: reconnect rate limit exceeded for %q", name)
	}

	e.mu.Lock()
	if e.caller != nil {
		_ = e.caller.Close()
		e.caller = nil
	}
	e.mu.Unlock()

	c.doConnect(ctx, e)
	return e.snapshot(), nil
}

// Disconnect closes a server's connection with a 1-second graceful-close
// deadline; errors on close are swallowed (spec.md §4.4 Disconnect).
func (c *Catalog) Disconnect(name string) {
	c.mu.RLock()
	e, ok := c.servers[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	caller := e.caller
	e.caller = nil
	e.server.Connected = false
	e.mu.Unlock()
	if caller == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = caller.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
	}
}

// Remove disconnects and forgets a server entirely (config watcher
// "removed" diff, spec.md §4.5).
func (c *Catalog) Remove(name string) {
	c.Disconnect(name)
	c.mu.Lock()
	delete(c.servers, name)
	c.mu.Unlock()
}

// List returns a snapshot of every server in the catalog.
func (c *Catalog) List() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Server, 0, len(c.servers))
	for _, e := range c.servers {
		out = append(out, e.snapshot())
	}
	return out
}

// Get returns one server's snapshot.
func (c *Catalog) Get(name string) (Server, bool) {
	c.mu.RLock()
	e, ok := c.servers[name]
	c.mu.RUnlock()
	if !ok {
		return Server{}, false
	}
	return e.snapshot(), true
}

// RelayElicitation forwards a server-initiated elicitation/create to the
// invoking client through the installed handler, failing with
// ElicitationUnavailable-equivalent behavior when none is installed
// (spec.md §4.6, §7's ask round-trip).
func (c *Catalog) RelayElicitation(ctx context.Context, server string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.RLock()
	handler := c.elicitation
	c.mu.RUnlock()
	if handler == nil {
		return nil, errors.New("federation: no elicitation handler attached to this session")
	}
	req := ElicitationRequest{ID: uuid.NewString(), Server: server, Params: params}
	return handler(ctx, req)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
