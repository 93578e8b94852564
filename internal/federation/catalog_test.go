package federation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	closed bool
	calls  []string
}

func (f *fakeCaller) Call(_ context.Context, req CallRequest) (CallResponse, error) {
	f.calls = append(f.calls, req.Method)
	return CallResponse{Result: []byte(`"ok"`)}, nil
}

func (f *fakeCaller) Close() error {
	f.closed = true
	return nil
}

func withFakeConnect(c *Catalog, methods []Method, isApp bool, err error) *fakeCaller {
	fake := &fakeCaller{}
	c.connectFn = func(ctx context.Context, cfg ServerConfig) (Caller, []Method, int, bool, []string, error) {
		if err != nil {
			return nil, nil, 0, false, nil, err
		}
		return fake, methods, 1, isApp, []string{"ui://panel"}, nil
	}
	return fake
}

func TestAddSucceedsAndPopulatesDescriptor(t *testing.T) {
	c := NewCatalog()
	fake := withFakeConnect(c, []Method{{Name: "search"}}, true, nil)
	_ = fake

	server := c.Add(context.Background(), ServerConfig{Name: "docs", Command: "docs-server"})
	require.True(t, server.Connected)
	require.Empty(t, server.ErrorMessage)
	require.Len(t, server.Methods, 1)
	require.True(t, server.IsApp)
	require.Equal(t, 1, server.ResourceCount)
}

func TestAddFailureRetainsServerForManualReconnect(t *testing.T) {
	c := NewCatalog()
	withFakeConnect(c, nil, false, errors.New("dial tcp: connection refused"))

	server := c.Add(context.Background(), ServerConfig{Name: "flaky", URL: "http://127.0.0.1:1"})
	require.False(t, server.Connected)
	require.NotEmpty(t, server.ErrorMessage)

	got, ok := c.Get("flaky")
	require.True(t, ok)
	require.False(t, got.Connected)
}

func TestInvokeForwardsToConnectedServer(t *testing.T) {
	c := NewCatalog()
	fake := withFakeConnect(c, []Method{{Name: "search"}}, false, nil)
	c.Add(context.Background(), ServerConfig{Name: "docs", Command: "docs-server"})

	resp, err := c.Invoke(context.Background(), "docs", CallRequest{Method: "search", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, []byte(`"ok"`), resp.Result)
	require.Equal(t, []string{"search"}, fake.calls)
}

func TestInvokeUnknownServerErrors(t *testing.T) {
	c := NewCatalog()
	_, err := c.Invoke(context.Background(), "missing", CallRequest{Method: "x"})
	require.Error(t, err)
}

func TestDisconnectClosesCallerAndMarksNotConnected(t *testing.T) {
	c := NewCatalog()
	fake := withFakeConnect(c, nil, false, nil)
	c.Add(context.Background(), ServerConfig{Name: "docs", Command: "docs-server"})

	c.Disconnect("docs")
	require.True(t, fake.closed)

	got, ok := c.Get("docs")
	require.True(t, ok)
	require.False(t, got.Connected)
}

func TestReconnectReplacesCallerAndUpdatesDescriptor(t *testing.T) {
	c := NewCatalog()
	first := withFakeConnect(c, []Method{{Name: "a"}}, false, nil)
	c.Add(context.Background(), ServerConfig{Name: "docs", Command: "docs-server"})

	second := &fakeCaller{}
	c.connectFn = func(ctx context.Context, cfg ServerConfig) (Caller, []Method, int, bool, []string, error) {
		return second, []Method{{Name: "a"}, {Name: "b"}}, 0, false, nil, nil
	}

	server, err := c.Reconnect(context.Background(), "docs")
	require.NoError(t, err)
	require.True(t, first.closed)
	require.Len(t, server.Methods, 2)
}

func TestRemoveForgetsServer(t *testing.T) {
	c := NewCatalog()
	withFakeConnect(c, nil, false, nil)
	c.Add(context.Background(), ServerConfig{Name: "docs", Command: "docs-server"})

	c.Remove("docs")
	_, ok := c.Get("docs")
	require.False(t, ok)
}

func TestRelayElicitationWithoutHandlerFails(t *testing.T) {
	c := NewCatalog()
	_, err := c.RelayElicitation(context.Background(), "docs", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestRelayElicitationInvokesHandler(t *testing.T) {
	var gotServer string
	c := NewCatalog(WithElicitationHandler(func(ctx context.Context, req ElicitationRequest) (json.RawMessage, error) {
		gotServer = req.Server
		require.NotEmpty(t, req.ID)
		return json.RawMessage(`{"value":"yes"}`), nil
	}))

	resp, err := c.RelayElicitation(context.Background(), "docs", json.RawMessage(`{"prompt":"confirm?"}`))
	require.NoError(t, err)
	require.Equal(t, "docs", gotServer)
	require.JSONEq(t, `{"value":"yes"}`, string(resp))
}
