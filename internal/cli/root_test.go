package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()

	want := []string{
		"run", "run-all", "plan", "list", "deps", "validate",
		"test", "backfill", "runs", "state", "serve", "version", "completion",
	}
	have := make(map[string]bool)
	for _, cmd := range root.Commands() {
		have[cmd.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %s", name)
	}

	assert.True(t, root.SilenceUsage)
	assert.True(t, root.SilenceErrors)
	require.NotNil(t, root.PersistentFlags().Lookup("target"))
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}
