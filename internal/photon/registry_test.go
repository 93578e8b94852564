package photon

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const demoPhotonSource = `
module.exports = class {
  constructor(token) {
    this.token = token;
  }
  greet() {
    if (!this.token) {
      throw new Error("missing token");
    }
    return "hello";
  }
};
`

func writeDemoPhoton(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".photon.ts")
	require.NoError(t, os.WriteFile(path, []byte(demoPhotonSource), 0o644))
	return path
}

func TestIDForIsStableAndDeterministic(t *testing.T) {
	id1 := IDFor("/abs/path/demo.photon.ts")
	id2 := IDFor("/abs/path/demo.photon.ts")
	require.Equal(t, id1, id2)
	require.Len(t, id1, 12)
}

func TestEnvVarNameDeterminism(t *testing.T) {
	require.Equal(t, "GIT_BOX_API_KEY", EnvVarName("git-box", "apiKey"))
	require.Equal(t, "FILESYSTEM_WORKDIR", EnvVarName("filesystem", "workdir"))
}

func TestPreCheckNeedsConfigThenLoad(t *testing.T) {
	dir := t.TempDir()
	// Use a constructor param without a default, matching the heuristic
	// parser's "required" detection.
	src := `
module.exports = class {
  constructor(token) {
    this.token = token;
  }
  greet() { return "hello"; }
};
`
	path := filepath.Join(dir, "demo.photon.ts")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	reg := New()
	d, err := reg.PreCheck(context.Background(), "demo", path)
	require.NoError(t, err)
	require.Equal(t, StateNeedsConfig, d.State)

	require.NoError(t, os.Setenv("DEMO_TOKEN", "abc"))
	defer os.Unsetenv("DEMO_TOKEN")

	d2, err := reg.PreCheck(context.Background(), "demo", path)
	require.NoError(t, err)
	require.Equal(t, StateReady, d2.State)

	result, err := reg.Invoke(context.Background(), d2.ID, "greet", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", result)
}

func TestReloadAtomicityRetainsPriorHandleOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeDemoPhoton(t, dir, "demo2")
	require.NoError(t, os.Setenv("DEMO2_TOKEN", "abc"))
	defer os.Unsetenv("DEMO2_TOKEN")

	reg := New()
	d, err := reg.Load(context.Background(), "demo2", path)
	require.NoError(t, err)
	require.Equal(t, StateReady, d.State)

	// Corrupt the source so the next reload fails.
	require.NoError(t, os.WriteFile(path, []byte("this is not valid javascript {{{"), 0o644))

	failed, err := reg.Reload(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, StateErrored, failed.State)

	// The registry's live entry must still point at the prior, working handle.
	got, ok := reg.Get(d.ID)
	require.True(t, ok)
	require.Equal(t, StateReady, got.State)

	result, err := reg.Invoke(context.Background(), d.ID, "greet", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", result)
}

func TestListRootsUserDirectoryWinsOverBundled(t *testing.T) {
	dir := t.TempDir()
	userPath := writeDemoPhoton(t, dir, "demo")

	roots, err := ListRoots(dir, []string{"/bundled/demo.photon.ts"})
	require.NoError(t, err)
	require.Equal(t, userPath, roots["demo"])
}
