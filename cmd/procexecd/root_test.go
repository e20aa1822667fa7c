package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procexec/internal/config"
	"procexec/internal/executor"
)

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["gc"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("env-file"))
}

func TestGCCommandPrintsJSONReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "server:\n  workdir: " + filepath.Join(dir, "work") + "\nstorage:\n  driver: file\n  path: " + filepath.Join(dir, "store") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"gc", "--config", cfgPath, "--json"})
	require.NoError(t, root.Execute())

	var rep executor.CleanReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, 0, rep.Scanned)
}

func TestEnvFileSetsConfigPath(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	want := filepath.Join(dir, "from-env.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte(config.EnvConfigPath+"="+want+"\n"), 0o600))

	// godotenv never overrides variables that are already set.
	t.Setenv(config.EnvConfigPath, "")
	require.NoError(t, os.Unsetenv(config.EnvConfigPath))

	require.NoError(t, loadEnv(envPath))
	assert.Equal(t, want, config.ResolvePath(""))
}

func TestGCCommandMissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"gc", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, root.Execute())
}
