package federation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StdioOptions configures the stdio-based federation Caller, adapted from
// the teacher's features/mcp/runtime/stdiocaller.go StdioOptions.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration

	// Elicitation, if set, answers every server-initiated
	// elicitation/create request that carries an id and arrives on the
	// stdio stream (spec.md §4.4 Connect's relay requirement).
	Elicitation func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// StdioCaller implements Caller over Content-Length-framed JSON-RPC on a
// spawned child process's stdio, kept near-verbatim from the teacher.
type StdioCaller struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pending   map[uint64]chan callResult
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	nextID    uint64
	closed    chan struct{}
	closeOnce sync.Once

	closeErr   error
	closeErrMu sync.Mutex

	elicitation func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// inboundFrame is decoded loosely enough to tell a response (has an id the
// caller recognizes) apart from a server-initiated request (has a method).
type inboundFrame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type callResult struct {
	resp rpcResponse
	err  error
}

// NewStdioCaller launches the target command, performs the initialize
// handshake, and returns a Caller that keeps the stdio session alive across
// invocations.
func NewStdioCaller(ctx context.Context, opts StdioOptions) (*StdioCaller, error) {
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	caller := &StdioCaller{
		cmd:         cmd,
		stdin:       stdin,
		pending:     make(map[uint64]chan callResult),
		closed:      make(chan struct{}),
		elicitation: opts.Elicitation,
	}
	go caller.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	if err := caller.initialize(ctx, opts); err != nil {
		_ = caller.Close()
		return nil, err
	}
	return caller, nil
}

// Close terminates the stdio process and releases resources.
func (c *StdioCaller) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

// Call invokes a method over the stdio transport.
func (c *StdioCaller) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	params := map[string]any{
		"name":      req.Method,
		"arguments": json.RawMessage(req.Payload),
	}
	var result toolsCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResponse{}, err
	}
	return normalizeToolResult(result)
}

func (c *StdioCaller) initialize(ctx context.Context, opts StdioOptions) error {
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

func (c *StdioCaller) call(ctx context.Context, method string, params any, result any) error {
	id := c.next()
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
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
		return c.closeError()
	}
}

func (c *StdioCaller) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, header); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *StdioCaller) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var in inboundFrame
		if err := json.Unmarshal(frame, &in); err != nil {
			continue
		}
		if in.Method == "elicitation/create" && in.ID != nil {
			go c.handleElicitation(*in.ID, in.Params)
			continue
		}
		if in.ID == nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[*in.ID]
		if ok {
			delete(c.pending, *in.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: rpcResponse{JSONRPC: "2.0", ID: *in.ID, Result: in.Result, Error: in.Error}}
			close(ch)
		}
	}
}

// handleElicitation answers a server-initiated elicitation/create arriving
// mid-session, writing the reply back over stdin correlated by id.
func (c *StdioCaller) handleElicitation(id uint64, params json.RawMessage) {
	if c.elicitation == nil {
		_ = c.writeReply(id, nil, &rpcError{Code: -32001, Message: "elicitation unavailable"})
		return
	}
	result, err := c.elicitation(context.Background(), params)
	if err != nil {
		_ = c.writeReply(id, nil, &rpcError{Code: -32001, Message: err.Error()})
		return
	}
	_ = c.writeReply(id, result, nil)
}

// writeReply frames a response (not a request) back to the server, reusing
// writeMessage's Content-Length framing with a result- or error-shaped body.
func (c *StdioCaller) writeReply(id uint64, result json.RawMessage, rpcErr *rpcError) error {
	data, err := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, header); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *StdioCaller) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *StdioCaller) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *StdioCaller) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *StdioCaller) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *StdioCaller) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("stdio caller closed")
	}
	return c.closeErr
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
