package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultProtocolVersion is the MCP protocol version used when none is
// configured for an external server.
const DefaultProtocolVersion = "2024-11-05"

// HTTPOptions configures the streaming-HTTP federation Caller.
type HTTPOptions struct {
	Endpoint        string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// HTTPCaller implements Caller over JSON-RPC HTTP, adapted from the
// teacher's features/mcp/runtime/httpcaller.go.
type HTTPCaller struct {
	transport *httpTransport
}

// NewHTTPCaller performs the initialize handshake against endpoint with a
// 10-second timeout (spec.md §4.4 Connect) and returns a Caller.
func NewHTTPCaller(ctx context.Context, opts HTTPOptions) (*HTTPCaller, error) {
	if opts.InitTimeout == 0 {
		opts.InitTimeout = 10 * time.Second
	}
	transport, err := newHTTPTransport(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &HTTPCaller{transport: transport}, nil
}

// Call invokes a method over HTTP and normalizes the response.
func (c *HTTPCaller) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{"name": req.Method, "arguments": json.RawMessage(req.Payload)}
	var result toolsCallResult
	if err := c.transport.call(ctx, "tools/call", params, &result); err != nil {
		return CallResponse{}, err
	}
	return normalizeToolResult(result)
}

// Close releases the underlying HTTP client's idle connections.
func (c *HTTPCaller) Close() error {
	c.transport.client.CloseIdleConnections()
	return nil
}

// httpTransport shares JSON-RPC HTTP plumbing between HTTPCaller and the
// legacy-SSE fallback caller.
type httpTransport struct {
	endpoint string
	client   *http.Client
	id       uint64
}

func newHTTPTransport(ctx context.Context, opts HTTPOptions) (*httpTransport, error) {
	endpoint := opts.Endpoint
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	transport := &httpTransport{endpoint: endpoint, client: httpClient}

	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	protocol := opts.ProtocolVersion
	if protocol == "" {
		protocol = DefaultProtocolVersion
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = "photonctl"
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}
	payload := map[string]any{
		"protocolVersion": protocol,
		"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]any{"elicitation": map[string]any{}},
	}
	if err := transport.call(initCtx, "initialize", payload, nil); err != nil {
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	return transport, nil
}

func (t *httpTransport) nextID() uint64 { return atomic.AddUint64(&t.id, 1) }

func (t *httpTransport) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: t.nextID(), Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}
