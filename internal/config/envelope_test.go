package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyEnvelope(t *testing.T) {
	env, err := Load(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.Empty(t, env.Photons)
	require.Empty(t, env.MCPServers)
}

func TestLegacyMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"apiKey": {"TOKEN": "x"}}`), 0o644))

	env, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"TOKEN": "x"}, env.Photons["apiKey"])
	require.Empty(t, env.MCPServers)

	// Persisted in the nested shape.
	reread, err := Load(path)
	require.NoError(t, err)
	eq, err := Equal(env, reread)
	require.NoError(t, err)
	require.True(t, eq)
}

func TestRoundTripIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	env := NewEnvelope()
	env.Photons["demo"] = map[string]string{"DEMO_TOKEN": "abc"}
	env.MCPServers["git"] = ServerConfig{Command: "git-mcp", Args: []string{"--stdio"}}

	require.NoError(t, Save(path, env))
	first, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, Save(path, first))
	second, err := Load(path)
	require.NoError(t, err)

	eq, err := Equal(first, second)
	require.NoError(t, err)
	require.True(t, eq)
}
