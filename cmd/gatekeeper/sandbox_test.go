//go:build unix

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sandboxYAML = "sandbox:\n  launcher: [\"/bin/sh\"]\n"

func writeModule(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "dist", "plugin.wasm")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestSandboxRunModuleFile(t *testing.T) {
	f := newFixture(t, sandboxYAML)
	module := writeModule(t, t.TempDir(), "cat\n")

	input := filepath.Join(f.dir, "input.json")
	require.NoError(t, os.WriteFile(input, []byte(`{"hello":"world"}`), 0644))

	code, stdout, stderr := runCaptured(t, "sandbox", "run", module, "--config", f.config, "--input", input)
	require.Equal(t, 0, code, stderr)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "world", out["hello"])
}

func TestSandboxRunByPluginID(t *testing.T) {
	f := newFixture(t, sandboxYAML)
	writeModule(t, filepath.Join(f.dir, "plugins", "acme.walls"),
		`cat >/dev/null; echo '{"violations":[{"code":"wall.short","severity":"error","message":"too short"}]}'`)

	code, stdout, stderr := runCaptured(t, "sandbox", "run", "acme.walls", "--config", f.config, "--method", "validate")
	require.Equal(t, 0, code, stderr)

	var out struct {
		Violations []struct {
			Code      string   `json:"code"`
			ObjectIDs []string `json:"object_ids"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out.Violations, 1)
	assert.Equal(t, "wall.short", out.Violations[0].Code)
	assert.NotNil(t, out.Violations[0].ObjectIDs)
}

func TestSandboxRunFailures(t *testing.T) {
	f := newFixture(t, sandboxYAML)
	failing := writeModule(t, t.TempDir(), "echo nope >&2; exit 4\n")

	code, _, stderr := runCaptured(t, "sandbox", "run", failing, "--config", f.config)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "sandbox.exec_failed")
	assert.Contains(t, stderr, "nope")

	code, _, stderr = runCaptured(t, "sandbox", "run", "missing.plugin", "--config", f.config)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Module error")

	code, _, stderr = runCaptured(t, "sandbox", "run", failing, "--config", f.config, "--method", "solve")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown method")
}

func TestSandboxHistory(t *testing.T) {
	f := newFixture(t, sandboxYAML)
	writeModule(t, filepath.Join(f.dir, "plugins", "acme.walls"), "cat\n")

	code, stdout, _ := runCaptured(t, "sandbox", "history", "acme.walls", "--config", f.config)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "no invocations recorded")

	code, _, stderr := runCaptured(t, "sandbox", "run", "acme.walls", "--config", f.config)
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr = runCaptured(t, "sandbox", "history", "acme.walls", "--config", f.config, "--json")
	require.Equal(t, 0, code, stderr)
	var rows []historyRow
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "run", rows[0].Method)
	assert.Equal(t, "sandbox", rows[0].Runtime)
	assert.Equal(t, "ok", rows[0].Status)

	code, _, _ = runCaptured(t, "sandbox", "history", "--config", f.config)
	assert.Equal(t, 1, code)
}
