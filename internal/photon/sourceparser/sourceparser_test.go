package sourceparser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicParsesParamsMethodsAndTags(t *testing.T) {
	src := []byte(`
/**
 * @description Greets a user
 * @icon wave
 * @version 1.0.0
 */
class Demo {
  constructor(token, workdir = "/tmp", verbose?: boolean) {}
  greet() { return "hello"; }
  testInternal() {}
}
`)
	d, err := NewHeuristic().Parse(src)
	require.NoError(t, err)

	require.Len(t, d.Params, 3)
	require.Equal(t, "token", d.Params[0].Name)
	require.False(t, d.Params[0].HasDefault)
	require.Equal(t, "workdir", d.Params[1].Name)
	require.True(t, d.Params[1].HasDefault)
	require.Equal(t, "/tmp", d.Params[1].Default)
	require.True(t, d.Params[2].Optional)

	names := map[string]RawMethod{}
	for _, m := range d.Methods {
		names[m.Name] = m
	}
	require.True(t, names["greet"].Name == "greet")
	require.True(t, names["testInternal"].IsTest)

	require.Equal(t, "Greets a user", d.Meta.Description)
	require.Equal(t, "wave", d.Meta.Icon)
	require.Equal(t, "1.0.0", d.Meta.Version)
}
