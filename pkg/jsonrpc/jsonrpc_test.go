package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestIsNotification(t *testing.T) {
	withID := Request{JSONRPC: Version, ID: json.RawMessage(`1`), Method: "tools/list"}
	require.False(t, withID.IsNotification())

	withoutID := Request{JSONRPC: Version, Method: "$/progress"}
	require.True(t, withoutID.IsNotification())
}

func TestRequestUnmarshalPreservesOpaqueID(t *testing.T) {
	var numeric Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`), &numeric))
	require.JSONEq(t, "7", string(numeric.ID))

	var stringy Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"abc","method":"tools/list"}`), &stringy))
	require.JSONEq(t, `"abc"`, string(stringy.ID))
}

func TestNewResultRoundTrips(t *testing.T) {
	id := json.RawMessage(`5`)
	resp := NewResult(id, map[string]any{"ok": true})
	require.Equal(t, Version, resp.JSONRPC)
	require.Nil(t, resp.Error)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotContains(t, decoded, "error")
	require.Equal(t, map[string]any{"ok": true}, decoded["result"])
}

func TestNewErrorCarriesKindAndMissing(t *testing.T) {
	id := json.RawMessage(`9`)
	resp := NewError(id, CodeServerError, "needs configuration", KindUnconfigured, "token", "workdir")

	require.Nil(t, resp.Result)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeServerError, resp.Error.Code)
	require.Equal(t, KindUnconfigured, resp.Error.Data.Kind)
	require.Equal(t, []string{"token", "workdir"}, resp.Error.Data.Missing)
	require.Equal(t, "needs configuration", resp.Error.Error())
}

func TestNewErrorOmitsMissingWhenEmpty(t *testing.T) {
	resp := NewError(json.RawMessage(`1`), CodeInternalError, "boom", KindInvocationError)
	require.Empty(t, resp.Error.Data.Missing)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.NotContains(t, string(data), "missing")
}

func TestNewNotificationHasNoID(t *testing.T) {
	note := NewNotification("$/progress", map[string]any{"i": 3})
	data, err := json.Marshal(note)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotContains(t, decoded, "id")
	require.Equal(t, "$/progress", decoded["method"])
}

func TestErrorDataOmitsMissingFieldWhenResponseHasNoError(t *testing.T) {
	resp := NewResult(json.RawMessage(`2`), "ok")
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotContains(t, decoded, "error")
}
