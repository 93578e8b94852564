package federation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SSEOptions configures the legacy-SSE federation Caller, used as a
// fallback when an external server does not speak streaming HTTP
// (spec.md §4.4 Connect-with-fallback).
type SSEOptions struct {
	Endpoint        string
	Client          *http.Client
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
}

// SSECaller implements Caller over the legacy two-endpoint SSE transport:
// a GET stream delivers responses/notifications, a POST to the endpoint
// the server advertises in its first "endpoint" event carries requests.
// Adapted from the teacher's runtime/mcp/ssecaller.go.
type SSECaller struct {
	client      *http.Client
	postURL     string
	id          uint64
	pending     map[uint64]chan callResult
	pendingMu   sync.Mutex
	closed      chan struct{}
	closeOnce   sync.Once
	streamClose func()
}

// NewSSECaller connects to endpoint's SSE stream, waits for the server's
// "endpoint" event advertising where to POST requests, then performs the
// initialize handshake.
func NewSSECaller(ctx context.Context, opts SSEOptions) (*SSECaller, error) {
	if opts.InitTimeout == 0 {
		opts.InitTimeout = 10 * time.Second
	}
	httpClient := opts.Client
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, opts.Endpoint, nil)
	if err != nil {
		cancelStream()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := httpClient.Do(req)
	if err != nil {
		cancelStream()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancelStream()
		return nil, fmt.Errorf("sse stream status %d", resp.StatusCode)
	}

	caller := &SSECaller{
		client:      httpClient,
		pending:     make(map[uint64]chan callResult),
		closed:      make(chan struct{}),
		streamClose: cancelStream,
	}

	endpointCh := make(chan string, 1)
	go caller.readStream(resp.Body, endpointCh)

	select {
	case postURL, ok := <-endpointCh:
		if !ok {
			return nil, errors.New("sse stream closed before endpoint event")
		}
		caller.postURL = postURL
	case <-time.After(opts.InitTimeout):
		_ = caller.Close()
		return nil, errors.New("timed out waiting for sse endpoint event")
	case <-ctx.Done():
		_ = caller.Close()
		return nil, ctx.Err()
	}

	if err := caller.initialize(ctx, opts); err != nil {
		_ = caller.Close()
		return nil, err
	}
	return caller, nil
}

// Call invokes a method over the legacy SSE transport.
func (c *SSECaller) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{"name": req.Method, "arguments": json.RawMessage(req.Payload)}
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResponse{}, err
	}
	return normalizeToolResult(result)
}

// Close stops the SSE stream and releases the HTTP client.
func (c *SSECaller) Close() error {
	c.closeOnce.Do(func() {
		c.streamClose()
		close(c.closed)
	})
	return nil
}

func (c *SSECaller) initialize(ctx context.Context, opts SSEOptions) error {
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
	initCtx := ctx
	if opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, opts.InitTimeout)
		defer cancel()
	}
	return c.call(initCtx, "initialize", payload, nil)
}

func (c *SSECaller) call(ctx context.Context, method string, params any, result any) error {
	id := atomic.AddUint64(&c.id, 1)
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		c.removePending(id)
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, bytes.NewReader(body))
	if err != nil {
		c.removePending(id)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.removePending(id)
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.removePending(id)
		return fmt.Errorf("sse post status %d", resp.StatusCode)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.callerError()
		}
		if result != nil && res.resp.Result != nil {
			return json.Unmarshal(res.resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return errors.New("sse caller closed")
	}
}

func (c *SSECaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// readStream parses the SSE byte stream, publishing the server's
// "endpoint" event once (the URL to POST requests to) and dispatching
// "message"/"response" events to pending calls by JSON-RPC id.
func (c *SSECaller) readStream(body io.ReadCloser, endpointCh chan<- string) {
	defer body.Close()
	defer close(endpointCh)
	reader := bufio.NewReader(body)
	endpointSent := false
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		switch event {
		case "endpoint":
			if !endpointSent {
				endpointSent = true
				endpointCh <- strings.TrimSpace(data)
			}
		case "message", "response", "":
			var resp rpcResponse
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				continue
			}
			if resp.ID == 0 {
				continue
			}
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- callResult{resp: resp}
				close(ch)
			}
		case "close":
			c.failPending(errors.New("sse stream closed by server"))
			return
		}
	}
}

func (c *SSECaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
}

// readSSEEvent reads one "event: <type>\ndata: <payload>\n\n" frame,
// accumulating multiple data: lines per the SSE spec.
func readSSEEvent(reader *bufio.Reader) (event string, data string, err error) {
	var dataLines []string
	for {
		line, readErr := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if readErr != nil && len(dataLines) == 0 {
				return "", "", readErr
			}
			if len(dataLines) > 0 {
				return event, strings.Join(dataLines, "\n"), nil
			}
			if readErr != nil {
				return "", "", readErr
			}
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}
		if readErr != nil {
			if len(dataLines) > 0 {
				return event, strings.Join(dataLines, "\n"), nil
			}
			return "", "", readErr
		}
	}
}
