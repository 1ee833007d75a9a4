package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wharfd/wharfd/pkg/version"
)

func TestRootCommand_Help(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"--help"})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "wharfd")
	assert.Contains(t, out.String(), "serve")
}

func TestVersionCommand(t *testing.T) {
	version.Set("1.2.3", "abc1234", "2026-08-25")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "wharfd 1.2.3")
	assert.Contains(t, out.String(), "abc1234")

	out.Reset()
	rootCmd.SetArgs([]string{"version", "--short"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "1.2.3\n", out.String())
}

func TestInitCommand_Hidden(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "init" {
			found = true
			assert.True(t, c.Hidden)
		}
	}
	assert.True(t, found)
}
