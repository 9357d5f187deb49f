package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["version"])
}

func TestVersionCommand(t *testing.T) {
	SetVersion("9.9.9")
	assert.Equal(t, "9.9.9", GetVersion())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "mcpgate 9.9.9")
}

func TestServeFailsOnMissingConfig(t *testing.T) {
	rootCmd.SetArgs([]string{"serve", "--config", "/nonexistent/config.json"})
	err := rootCmd.Execute()
	require.Error(t, err)
}
