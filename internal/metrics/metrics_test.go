package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/eventbus"
	"opsagent/internal/task/scheduler"
	logx "opsagent/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgents struct{ oh agent.OverallHealth }

func (f fakeAgents) OverallHealth() agent.OverallHealth { return f.oh }

type fakeSched struct{ st scheduler.Stats }

func (f fakeSched) Stats() scheduler.Stats { return f.st }

func scrape(t *testing.T, h http.Handler, path string, hdr map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func newTestCollectors(t *testing.T) (*Collectors, *prometheus.Registry, eventbus.Bus) {
	t.Helper()
	reg := prometheus.NewRegistry()
	bus := eventbus.New()
	c := NewCollectors("opsagent", reg,
		fakeAgents{agent.OverallHealth{Total: 8, Enabled: 7, Healthy: 6}},
		fakeSched{scheduler.Stats{
			Jobs:           map[scheduler.JobStatus]int{scheduler.Pending: 3, scheduler.Failed: 1},
			Queued:         map[scheduler.Priority]int{scheduler.High: 2},
			QueueCap:       1000,
			Workers:        4,
			QueueFullSkips: 5,
		}},
		bus,
	)
	return c, reg, bus
}

func TestCollectorsExposeMetrics(t *testing.T) {
	t.Parallel()
	c, reg, _ := newTestCollectors(t)

	c.Observe(eventbus.Event{Type: eventbus.AgentExecuted, Data: eventbus.AgentEvent{Name: "cost_watcher", Success: true, Duration: 20 * time.Millisecond}})
	c.Observe(eventbus.Event{Type: eventbus.AgentExecuted, Data: eventbus.AgentEvent{Name: "cost_watcher", Success: false}})
	c.Observe(eventbus.Event{Type: eventbus.JobCompleted, Data: eventbus.JobEvent{Name: "cost_monitoring"}})
	c.Observe(eventbus.Event{Type: eventbus.JobRetry, Data: eventbus.JobEvent{Name: "cost_monitoring"}})
	c.Observe(eventbus.Event{Type: eventbus.JobStarted, Data: eventbus.JobEvent{Name: "ignored"}})

	srv := NewServer(ServerConfig{}, reg, nil, logx.Nop())
	code, body := scrape(t, srv.Handler(ServerConfig{}), "/metrics", nil)
	require.Equal(t, http.StatusOK, code)

	for _, want := range []string{
		`opsagent_agent_executions_total{agent="cost_watcher",status="success"} 1`,
		`opsagent_agent_executions_total{agent="cost_watcher",status="error"} 1`,
		`opsagent_agent_execution_duration_seconds_count{agent="cost_watcher"} 2`,
		`opsagent_scheduler_job_runs_total{job="cost_monitoring",status="completed"} 1`,
		`opsagent_scheduler_job_runs_total{job="cost_monitoring",status="retry"} 1`,
		`opsagent_agents_enabled 7`,
		`opsagent_agents_healthy 6`,
		`opsagent_scheduler_jobs{status="pending"} 3`,
		`opsagent_scheduler_jobs{status="running"} 0`,
		`opsagent_scheduler_jobs{status="failed"} 1`,
		`opsagent_scheduler_queue_depth{priority="high"} 2`,
		`opsagent_scheduler_queue_capacity 1000`,
		`opsagent_scheduler_workers 4`,
		`opsagent_scheduler_queue_full_skips_total 5`,
		`opsagent_eventbus_dropped_total 0`,
	} {
		assert.Contains(t, body, want)
	}
	assert.NotContains(t, body, `job="ignored"`)
}

func TestWatchConsumesBus(t *testing.T) {
	t.Parallel()
	c, reg, bus := newTestCollectors(t)
	run := c.Watch(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { run(ctx); close(done) }()

	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: eventbus.JobEvent{Name: "infrastructure_health_check"}})

	h := NewServer(ServerConfig{}, reg, nil, logx.Nop()).Handler(ServerConfig{})
	require.Eventually(t, func() bool {
		_, body := scrape(t, h, "/metrics", nil)
		return strings.Contains(body, `opsagent_scheduler_job_runs_total{job="infrastructure_health_check",status="failed"} 1`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	var healthErr error
	srv := NewServer(ServerConfig{}, prometheus.NewRegistry(), func() error { return healthErr }, logx.Nop())
	h := srv.Handler(ServerConfig{})

	code, body := scrape(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	healthErr = errors.New("2/8 agents unhealthy")
	code, body = scrape(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "2/8 agents unhealthy")
}

func TestTokenAuthAndPprof(t *testing.T) {
	t.Parallel()
	cfg := ServerConfig{Token: "s3cret", Pprof: true}
	h := NewServer(cfg, prometheus.NewRegistry(), nil, logx.Nop()).Handler(cfg)

	code, _ := scrape(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = scrape(t, h, "/healthz?token=nope", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = scrape(t, h, "/healthz?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = scrape(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)
	code, _ = scrape(t, h, "/debug/pprof/", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, code)

	plain := NewServer(ServerConfig{}, prometheus.NewRegistry(), nil, logx.Nop()).Handler(ServerConfig{})
	code, _ = scrape(t, plain, "/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	srv.Start(context.Background())
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	assert.Nil(t, srv.Supervisor())
	assert.Equal(t, "", srv.Addr())

	// Disabled config is a no-op.
	srv.Reconfigure(ctx, ServerConfig{})
	assert.Nil(t, srv.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9091": true,
		"localhost:9091": true,
		"[::1]:9091":     true,
		":9091":          false,
		"0.0.0.0:9091":   false,
		"10.0.0.5:9091":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
