package watcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portel-dev/photonctl/internal/config"
	"github.com/portel-dev/photonctl/internal/federation"
	"github.com/portel-dev/photonctl/internal/photon"
)

type recordingEmitter struct{ changed int }

func (e *recordingEmitter) PublishListChanged()           { e.changed++ }
func (e *recordingEmitter) PublishLoadError(string, string) {}

func newTestConfigWatcher(t *testing.T) (*ConfigWatcher, *recordingEmitter) {
	t.Helper()
	catalog := federation.NewCatalog(federation.WithConnectFunc(func(ctx context.Context, cfg federation.ServerConfig) (federation.Caller, []federation.Method, int, bool, []string, error) {
		return &stubCaller{}, nil, 0, false, nil, nil
	}))
	emitter := &recordingEmitter{}
	return &ConfigWatcher{
		catalog: catalog,
		emitter: photon.Emitter(emitter),
		current: map[string]config.ServerConfig{},
	}, emitter
}

type stubCaller struct{ closed bool }

func (s *stubCaller) Call(context.Context, federation.CallRequest) (federation.CallResponse, error) {
	return federation.CallResponse{}, nil
}
func (s *stubCaller) Close() error { s.closed = true; return nil }

func TestApplyConnectsNewServers(t *testing.T) {
	w, emitter := newTestConfigWatcher(t)
	w.apply(context.Background(), map[string]config.ServerConfig{
		"docs": {Command: "docs-server"},
	})
	_, ok := w.catalog.Get("docs")
	require.True(t, ok)
	require.Equal(t, 1, emitter.changed)
}

func TestApplyRemovesDroppedServers(t *testing.T) {
	w, emitter := newTestConfigWatcher(t)
	w.apply(context.Background(), map[string]config.ServerConfig{"docs": {Command: "docs-server"}})
	w.apply(context.Background(), map[string]config.ServerConfig{})

	_, ok := w.catalog.Get("docs")
	require.False(t, ok)
	require.Equal(t, 2, emitter.changed)
}

func TestApplyReconnectsModifiedServers(t *testing.T) {
	w, _ := newTestConfigWatcher(t)
	w.apply(context.Background(), map[string]config.ServerConfig{"docs": {Command: "docs-server"}})
	w.apply(context.Background(), map[string]config.ServerConfig{"docs": {Command: "docs-server", Args: []string{"--verbose"}}})

	server, ok := w.catalog.Get("docs")
	require.True(t, ok)
	require.True(t, server.Connected)
}

func TestApplyWithNoChangeDoesNotNotify(t *testing.T) {
	w, emitter := newTestConfigWatcher(t)
	cfg := map[string]config.ServerConfig{"docs": {Command: "docs-server"}}
	w.apply(context.Background(), cfg)
	w.apply(context.Background(), cfg)
	require.Equal(t, 1, emitter.changed)
}
