package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "flowforge")
	assert.Contains(t, out, Version)
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "server")
	assert.Contains(t, out, "version")
}

func TestServerRejectsUnknownBus(t *testing.T) {
	_, err := execute(t, "server", "--bus", "carrier-pigeon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bus backend")
}
