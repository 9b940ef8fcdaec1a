package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/storage"
	logx "opsagent/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quietConfig = `{
  "logging": {"level": "error", "console": false},
  "agents": {"disabled": ["load_shifter"]}
}`

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "validate", "agents", "execute", "history", "version"} {
		assert.Contains(t, names, want)
	}
	f := root.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)
	assert.Equal(t, defaultConfigPath, f.DefValue)
}

func TestVersion(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "opsagent "+Version)
	assert.Contains(t, out, "Go Version:")
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.json", quietConfig)
	out, err := runCmd(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, good+": ok")

	bad := writeFile(t, dir, "bad.json", `{"scheduler": {"workers": -1}}`)
	_, err = runCmd(t, "validate", bad)
	assert.Error(t, err)

	_, err = runCmd(t, "--config", filepath.Join(dir, "missing.json"), "validate")
	assert.Error(t, err)
}

func TestAgentsListsBuiltins(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "config.json", quietConfig)
	out, err := runCmd(t, "-c", cfg, "agents")
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Regexp(t, `load_shifter\s+false`, out)
	assert.Regexp(t, `cost_watcher\s+true`, out)
	assert.Contains(t, out, "Triages security findings")
}

func TestExecuteSingleAgent(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.json", quietConfig)
	snap := writeFile(t, dir, "context.yaml", `
security:
  findings:
    - id: CVE-1
      severity: critical
      resource: api
`)
	out, err := runCmd(t, "-c", cfg, "execute", "--agent", "security_responder", "--context", snap)
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	require.Contains(t, raw, "security_responder")
	fields := raw["security_responder"]
	for _, key := range []string{"success", "data", "recommendations", "actions", "error_message", "execution_time"} {
		assert.Contains(t, fields, key)
	}
	assert.Nil(t, fields["error_message"])

	var got map[string]agent.Result
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	r := got["security_responder"]
	assert.True(t, r.Success)
	require.NotEmpty(t, r.Recommendations)
	assert.Equal(t, "Urgent Security Findings", r.Recommendations[0].Title)
}

func TestExecuteTextOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "config.json", quietConfig)
	snap := writeFile(t, dir, "context.json", `{"security": {"findings": [{"id": "CVE-2", "severity": "high"}]}}`)
	out, err := runCmd(t, "-c", cfg, "execute", "-a", "security_responder", "--context", snap, "-o", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "== security_responder (ok,")
	assert.Contains(t, out, "**Urgent Security Findings** (HIGH)")

	_, err = runCmd(t, "-c", cfg, "execute", "-o", "yaml")
	assert.Error(t, err)
}

func TestExecuteAllSkipsDisabled(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "config.json", quietConfig)
	out, err := runCmd(t, "-c", cfg, "execute")
	require.NoError(t, err)

	var got map[string]agent.Result
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got, 7)
	assert.NotContains(t, got, "load_shifter")
}

func TestExecuteUnknownAgentFails(t *testing.T) {
	cfg := writeFile(t, t.TempDir(), "config.json", quietConfig)
	out, err := runCmd(t, "-c", cfg, "execute", "-a", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 agents failed")

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))
	fields := raw["nope"]
	assert.Equal(t, false, fields["success"])
	assert.Contains(t, fields["error_message"], "not found")
	assert.NotContains(t, fields, "error")
	assert.Equal(t, []any{}, fields["recommendations"])
}

func TestRunFallsBackToDefaultsWithoutConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "--shutdown-timeout", "5s"})
	assert.NoError(t, root.ExecuteContext(ctx))
}

func TestRunRequiresExplicitConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"run", "-c", filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, root.ExecuteContext(ctx))
}

func TestHistory(t *testing.T) {
	dir := t.TempDir()
	histPath := filepath.Join(dir, "history.jsonl")

	st, err := storage.Open(storage.Config{Driver: "file", Path: histPath}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, st.AppendExecution(ctx, storage.Execution{
		At: at, Kind: storage.KindAgent, Name: "cost_watcher", Status: "ok", Success: true, Duration: 12 * time.Millisecond,
	}))
	require.NoError(t, st.AppendExecution(ctx, storage.Execution{
		At: at.Add(time.Second), Kind: storage.KindJob, Name: "cost_monitoring", Status: "failed", Error: "boom",
	}))
	require.NoError(t, st.Close())

	cfg := writeFile(t, dir, "config.json", `{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": "`+histPath+`"}
}`)

	out, err := runCmd(t, "-c", cfg, "history", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "cost_monitoring")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "cost_watcher")

	out, err = runCmd(t, "-c", cfg, "history", "--json")
	require.NoError(t, err)
	var execs []storage.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &execs))
	require.Len(t, execs, 2)
	assert.Equal(t, "cost_monitoring", execs[0].Name)

	noStore := writeFile(t, dir, "nostore.json", `{"logging": {"level": "error"}}`)
	_, err = runCmd(t, "-c", noStore, "history")
	assert.Error(t, err)
}
