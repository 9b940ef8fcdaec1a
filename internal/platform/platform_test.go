package platform

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/agent/builtin"
	"opsagent/internal/config"
	"opsagent/internal/notifier"
	"opsagent/internal/task/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (r *recordingSink) Send(_ context.Context, a notifier.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Title)
	}
	return out
}

type failingAgent struct{}

func (failingAgent) Name() string        { return "flaky" }
func (failingAgent) Description() string { return "always fails" }
func (failingAgent) Analyze(context.Context, agent.Context) (agent.Result, error) {
	return agent.Result{}, errors.New("upstream down")
}
func (failingAgent) Optimize(context.Context, agent.Context) (agent.Result, error) {
	return agent.Result{Success: true}, nil
}

const baseConfig = `{
  "logging": {"level": "error", "console": true},
  "agents": {"execution_interval": "120s", "disabled": ["load_shifter"]},
  "scheduler": {"dispatch_interval": "50ms", "poll_interval": "50ms"}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestPlatform(t *testing.T, body string, opts ...Option) *Platform {
	t.Helper()
	p, err := New(writeFile(t, "config.json", body), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

// troubledContext yields one saturated service and one critical finding.
func troubledContext() StaticContext {
	return StaticContext{
		agent.KeyInfrastructure: map[string]any{
			"services": []any{map[string]any{"name": "api", "cpu_utilization": 0.97}},
		},
		agent.KeyMetrics: map[string]any{},
		agent.KeySecurity: map[string]any{
			"findings": []any{map[string]any{"id": "CVE-1", "severity": "critical", "resource": "api"}},
		},
	}
}

func TestNewWiresComponents(t *testing.T) {
	p := newTestPlatform(t, baseConfig)

	assert.Len(t, p.Registry().Names(), 8)
	h, ok := p.Registry().Health(builtin.LoadShifter)
	require.True(t, ok)
	assert.False(t, h.Enabled)
	h, _ = p.Registry().Health(builtin.CostWatcher)
	assert.True(t, h.Enabled)

	jobs := p.Scheduler().ListJobs()
	require.Len(t, jobs, 4)
	want := []struct {
		name string
		prio scheduler.Priority
	}{
		{JobAgentHealthCheck, scheduler.Normal},
		{JobCostMonitoring, scheduler.Low},
		{JobInfraHealthCheck, scheduler.High},
		{JobExecutionCycle, scheduler.Normal},
	}
	for i, w := range want {
		assert.Equal(t, w.name, jobs[i].Name)
		assert.Equal(t, w.prio, jobs[i].Priority)
		assert.Equal(t, scheduler.Pending, jobs[i].Status)
		assert.True(t, jobs[i].Recurring)
	}
	assert.Equal(t, 2*time.Minute, jobs[3].NextRun.Sub(jobs[3].CreatedAt))
	assert.Nil(t, p.Store(), "storage is off when the section is omitted")
	assert.True(t, p.Notifier().Enabled(), "notifier defaults to enabled")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(writeFile(t, "config.json", `{"agents": {"timeout": "soon"}}`))
	assert.Error(t, err)
	_, err = New(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestInfrastructureHealthCheckAlerts(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlatform(t, baseConfig, WithSink(sink), WithContextSource(troubledContext()))
	p.Notifier().Start(context.Background())

	out, err := p.infrastructureHealthCheck(context.Background())
	require.NoError(t, err)
	results := out.(map[string]agent.Result)
	assert.True(t, results[builtin.BottleneckScanner].Success)
	assert.True(t, results[builtin.SecurityResponder].Success)

	require.Eventually(t, func() bool { return len(sink.titles()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"api cpu saturation", "Urgent Security Findings"}, sink.titles())
}

func TestRunAgentsSkipsDisabledAgents(t *testing.T) {
	p := newTestPlatform(t, `{"logging": {"level": "error"}, "agents": {"disabled": ["cost_watcher"]}}`)
	_, err := p.costMonitoring(context.Background())
	assert.NoError(t, err)
}

func TestRunAgentsFailsOnContextError(t *testing.T) {
	p := newTestPlatform(t, `{"logging": {"level": "error"}, "context_file": "/nonexistent/ctx.yaml"}`)
	_, err := p.costMonitoring(context.Background())
	assert.Error(t, err)
}

func TestExecutionCycleSummary(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlatform(t, baseConfig, WithSink(sink), WithContextSource(troubledContext()))
	p.Notifier().Start(context.Background())

	out, err := p.executionCycle(context.Background())
	require.NoError(t, err)
	sum := out.(CycleSummary)
	assert.Equal(t, 7, sum.Total, "disabled load_shifter is skipped")
	assert.Equal(t, 0, sum.Failed)
	assert.GreaterOrEqual(t, sum.Alerts, 2)
}

func TestAgentHealthCheckAlertsWhenDegraded(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPlatform(t, baseConfig, WithSink(sink))
	p.Notifier().Start(context.Background())

	out, err := p.agentHealthCheck(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.(HealthSummary).Unhealthy)

	require.NoError(t, p.Registry().Register(failingAgent{}))
	res := p.Registry().Execute(context.Background(), "flaky", emptyPayload())
	require.False(t, res.Success)

	out, err = p.agentHealthCheck(context.Background())
	require.NoError(t, err)
	sum := out.(HealthSummary)
	assert.Equal(t, []string{"flaky"}, sum.Unhealthy)
	assert.Equal(t, sum.Enabled-1, sum.Healthy)
	require.Eventually(t, func() bool { return len(sink.titles()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Agent health degraded", sink.titles()[0])
}

func TestStartStopLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		states []string
	)
	notify := func(s string) bool {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
		return false
	}
	body := `{
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(t.TempDir(), "history.jsonl")) + `"}
}`
	p, err := New(writeFile(t, "config.json", body), WithServiceNotifier(notify), WithContextSource(troubledContext()))
	require.NoError(t, err)
	require.NotNil(t, p.Store())

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start")
	require.NoError(t, p.health())

	p.Registry().Execute(context.Background(), builtin.CostWatcher, emptyPayload())
	require.Eventually(t, func() bool {
		got, err := p.Store().RecentExecutions(context.Background(), 10)
		return err == nil && len(got) == 1 && got[0].Name == builtin.CostWatcher
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{sdReady, sdStopping}, states)
	select {
	case <-p.Done():
	default:
		t.Fatal("supervisor context still alive after Stop")
	}
	assert.Error(t, p.health())
}

func TestApplyReconfiguresComponents(t *testing.T) {
	p := newTestPlatform(t, baseConfig)
	oldCfg := p.Config()
	oldCycle := p.Scheduler().ListJobs()[3]

	newCfg := *oldCfg
	newCfg.Agents.Disabled = []string{builtin.CostWatcher}
	newCfg.Agents.ExecutionInterval = "60s"
	newCfg.Agents.MaxConcurrent = 3
	p.apply(context.Background(), oldCfg, &newCfg)

	h, _ := p.Registry().Health(builtin.CostWatcher)
	assert.False(t, h.Enabled)
	h, _ = p.Registry().Health(builtin.LoadShifter)
	assert.True(t, h.Enabled, "removed from the disabled list")
	assert.Equal(t, 3, p.Registry().Config().MaxConcurrent)

	st, ok := p.Scheduler().Status(oldCycle.ID)
	require.True(t, ok)
	assert.Equal(t, scheduler.Cancelled, st.Status)

	jobs := p.Scheduler().ListJobs()
	require.Len(t, jobs, 5)
	assert.Equal(t, JobExecutionCycle, jobs[4].Name)
	assert.Equal(t, time.Minute, jobs[4].NextRun.Sub(jobs[4].CreatedAt))

	// Same interval again is a no-op.
	p.apply(context.Background(), &newCfg, &newCfg)
	assert.Len(t, p.Scheduler().ListJobs(), 5)
}

func TestHealthReportsAllAgentsDown(t *testing.T) {
	p := newTestPlatform(t, `{"logging": {"level": "error"}, "agents": {"disabled": [
		"anomaly_detector", "auto_scaler_advisor", "bottleneck_scanner", "burst_predictor",
		"capacity_planner", "cost_watcher", "load_shifter", "security_responder"]}}`)
	require.NoError(t, p.health(), "no enabled agents is not a failure")

	require.NoError(t, p.Registry().Register(failingAgent{}))
	p.Registry().Execute(context.Background(), "flaky", emptyPayload())
	assert.EqualError(t, p.health(), "0/1 agents healthy")
}

func TestFileContextSource(t *testing.T) {
	ctx := context.Background()

	p, err := NewFileContextSource("").Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, p[agent.KeyInfrastructure])

	yml := writeFile(t, "ctx.yaml", "infrastructure:\n  services:\n    - name: api\n      cpu_utilization: 0.5\nmetrics:\n  traffic: [1, 2, 3]\n")
	src := NewFileContextSource(yml)
	p, err = src.Load(ctx)
	require.NoError(t, err)
	infra := p[agent.KeyInfrastructure].(map[string]any)
	assert.Len(t, infra["services"], 1)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, p[agent.KeyMetrics].(map[string]any)["traffic"])
	assert.Equal(t, map[string]any{}, p[agent.KeyCost], "missing sections default to empty")

	src.SetPath(writeFile(t, "ctx.json", `{"cost": {"total_cost": 250}}`))
	p, err = src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 250.0, p[agent.KeyCost].(map[string]any)["total_cost"])

	src.SetPath(writeFile(t, "bad.json", `[1,2]`))
	_, err = src.Load(ctx)
	assert.Error(t, err)

	src.SetPath(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = src.Load(ctx)
	assert.Error(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = StaticContext{}.Load(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMapping(t *testing.T) {
	cfg := config.Default()

	_, enabled := mapStorageConfig(cfg)
	assert.False(t, enabled)
	cfg.Storage = &config.StorageConfig{Driver: "OFF"}
	_, enabled = mapStorageConfig(cfg)
	assert.False(t, enabled)
	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: " ./data/h.db ", MaxEntries: 50}
	sc, enabled := mapStorageConfig(cfg)
	require.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./data/h.db", sc.Path)
	assert.Equal(t, time.Second, sc.BusyTimeout)
	assert.Equal(t, 50, sc.MaxEntries)

	mc := mapMetricsConfig(cfg)
	assert.Equal(t, config.DefaultMetricsAddr, mc.Addr)
	assert.False(t, mc.Enabled)
	assert.Equal(t, "opsagent", metricsNamespace(cfg))

	nc := mapNotifierConfig(cfg)
	assert.True(t, nc.Enabled)
	assert.Equal(t, config.DefaultDedupWindow, nc.DedupWindow)

	sched := mapSchedulerConfig(cfg)
	assert.Equal(t, config.DefaultMaxRetries, sched.MaxRetries)
	assert.Equal(t, config.DefaultRetryBackoff, sched.RetryBackoff)

	assert.Equal(t, config.DefaultAgentTimeout, mapAgentConfig(cfg).Timeout)
}

func TestSeverityFor(t *testing.T) {
	for prio, want := range map[string]notifier.Severity{"critical": notifier.Critical, "High": notifier.Warning} {
		got, ok := severityFor(prio)
		assert.True(t, ok, prio)
		assert.Equal(t, want, got)
	}
	for _, prio := range []string{"medium", "low", ""} {
		_, ok := severityFor(prio)
		assert.False(t, ok, prio)
	}
}
