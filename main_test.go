package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommandRedactsSecrets(t *testing.T) {
	t.Setenv("YTRIM_AUTH_ENABLE", "true")
	t.Setenv("YTRIM_AUTH_KEY", "topsecret")
	t.Setenv("YTRIM_WORK_DIR", t.TempDir())

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config"})
	require.NoError(t, cmd.Execute())

	var printed map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "********", printed["AuthKey"])
	assert.NotContains(t, out.String(), "topsecret")
}

func TestProbeCommandRequiresURL(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"probe"})
	assert.Error(t, cmd.Execute())
}
