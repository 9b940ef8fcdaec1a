package builtin

import (
	"context"
	"sort"
	"testing"

	"opsagent/internal/agent"
	"opsagent/internal/config"
	logx "opsagent/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nums(vs ...float64) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}

func ramp(from, to float64) []any {
	var out []any
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}

func run(t *testing.T, a agent.Agent, c agent.Context) (agent.Result, agent.Result) {
	t.Helper()
	ar, err := a.Analyze(context.Background(), c)
	require.NoError(t, err)
	or, err := a.Optimize(context.Background(), c)
	require.NoError(t, err)
	return ar, or
}

func titles(recs []agent.Recommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}

func TestAllSortedAndUnique(t *testing.T) {
	agents := All(config.AgentsConfig{})
	require.Len(t, agents, 8)
	names := make([]string, len(agents))
	seen := map[string]bool{}
	for i, a := range agents {
		names[i] = a.Name()
		assert.False(t, seen[a.Name()], a.Name())
		seen[a.Name()] = true
		assert.NotEmpty(t, a.Description())
	}
	assert.True(t, sort.StringsAreSorted(names))
}

func TestThresholdsFromOverlaysNonZero(t *testing.T) {
	th := ThresholdsFrom(config.AgentThresholds{CostBudget: 500, UtilizationHigh: 0.9})
	def := DefaultThresholds()
	assert.Equal(t, 500.0, th.CostBudget)
	assert.Equal(t, 0.9, th.UtilizationHigh)
	assert.Equal(t, def.AnomalyZScore, th.AnomalyZScore)
	assert.Equal(t, def.UtilizationLow, th.UtilizationLow)
}

func TestSeriesShapes(t *testing.T) {
	assert.Equal(t, []float64{1, 2}, values(series(nums(1, 2))))
	assert.Equal(t, []float64{3}, values(series([]any{
		map[string]any{"value": 3.0, "timestamp": "t0"},
		map[string]any{"value": "bad"},
	})))
	assert.Equal(t, []float64{4, 5}, values(series(map[string]any{"time_series": nums(4, 5)})))
	assert.Empty(t, series("nope"))
}

func TestMathHelpers(t *testing.T) {
	m, s := meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5, m, 1e-9)
	assert.InDelta(t, 2, s, 1e-9)
	assert.InDelta(t, 1, slope([]float64{1, 2, 3, 4}), 1e-9)
	assert.Zero(t, slope([]float64{7}))
	assert.Equal(t, 1.23, round2(1.2345))
}

func TestAnomalyDetector(t *testing.T) {
	a := NewAnomalyDetector(DefaultThresholds())

	res, err := a.Analyze(context.Background(), agent.Context{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "no metrics")

	spike := nums(10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 100)
	ar, or := run(t, a, agent.Context{
		Metrics:        map[string]any{"latency": spike, "short": nums(1, 500)},
		Infrastructure: map[string]any{},
	})
	require.True(t, ar.Success)
	found := ar.Data["anomalies"].([]anomaly)
	require.Len(t, found, 1)
	assert.Equal(t, "latency", found[0].Metric)
	assert.Equal(t, "high", found[0].Severity)
	assert.Equal(t, []string{"High Severity Anomalies Detected"}, titles(ar.Recommendations))

	require.Len(t, or.Actions, 1)
	assert.Equal(t, "alertmanager", or.Actions[0].Resource)
	assert.Equal(t, "high", or.Actions[0].Priority)
	assert.Equal(t, []string{"No Alerting Configured"}, titles(or.Recommendations))
}

func TestCostWatcher(t *testing.T) {
	w := NewCostWatcher(DefaultThresholds())

	var daily []any
	for i := 0; i < 14; i++ {
		cost := 10.0
		if i >= 7 {
			cost = 20
		}
		daily = append(daily, map[string]any{"cost": cost})
	}
	c := agent.Context{
		Cost: map[string]any{
			"total_cost":    150.0,
			"daily_costs":   daily,
			"service_costs": map[string]any{"AmazonEC2": 80.0, "Lambda": 5.0},
		},
		Infrastructure: map[string]any{"resources": map[string]any{
			"ec2": []any{map[string]any{"id": "i-1", "type": "m5.large", "cpu_utilization": 0.05, "memory_utilization": 0.1, "cost": 100.0}},
			"rds": []any{map[string]any{"id": "db-1", "type": "db.r5.large", "cpu_utilization": 0.5, "storage_utilization": 0.5}},
		}},
	}
	ar, or := run(t, w, c)
	require.True(t, ar.Success)
	assert.Equal(t, "increasing", ar.Data["trend"])
	assert.Equal(t, []string{"Budget Exceeded", "Cost Optimization Opportunities", "Rising Cost Trend"}, titles(ar.Recommendations))
	budget := ar.Data["budget_status"].(map[string]any)
	assert.Equal(t, 150.0, budget["percentage"])

	require.Len(t, or.Actions, 1)
	assert.Equal(t, "i-1", or.Actions[0].Resource)
	assert.Equal(t, map[string]any{"from": "m5.large", "to": "t3.micro"}, or.Actions[0].Change)
	assert.Equal(t, "Potential savings: $30.00/month", or.Actions[0].EstimatedImpact)
}

func TestCostTrend(t *testing.T) {
	mk := func(vs ...float64) []map[string]any {
		out := make([]map[string]any, len(vs))
		for i, v := range vs {
			out[i] = map[string]any{"cost": v}
		}
		return out
	}
	assert.Equal(t, "insufficient_data", costTrend(mk(1, 2)))
	assert.Equal(t, "stable", costTrend(mk(5, 5, 5, 5, 5, 5, 5)))
	assert.Equal(t, "decreasing", costTrend(mk(10, 10, 10, 10, 10, 10, 10, 5, 5, 5, 5, 5, 5, 5)))
}

func TestBurstPredictor(t *testing.T) {
	b := NewBurstPredictor(DefaultThresholds())
	scaling := map[string]any{"min_replicas": 2.0, "max_replicas": 10.0, "target": "web-hpa"}

	ar, or := run(t, b, agent.Context{
		Metrics:        map[string]any{"traffic": ramp(1, 24)},
		Infrastructure: map[string]any{"scaling": scaling},
	})
	require.True(t, ar.Success)
	f := ar.Data["forecast"].(burstForecast)
	require.NotEmpty(t, f.BurstHours)
	assert.Equal(t, 7, f.BurstHours[0])
	assert.Equal(t, []string{"Proactive Scaling Recommended", "High Traffic Volatility"}, titles(ar.Recommendations))

	require.Len(t, or.Actions, 1)
	assert.Equal(t, "web-hpa", or.Actions[0].Resource)
	assert.Equal(t, map[string]any{"min_replicas": 6}, or.Actions[0].Change)

	ar, or = run(t, b, agent.Context{Metrics: map[string]any{"traffic": nums(10, 10, 10)}})
	assert.True(t, ar.Success)
	assert.Empty(t, ar.Recommendations)
	assert.Empty(t, or.Actions)

	res, err := b.Analyze(context.Background(), agent.Context{Metrics: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestCapacityPlanner(t *testing.T) {
	p := NewCapacityPlanner(DefaultThresholds())
	ar, or := run(t, p, agent.Context{Metrics: map[string]any{
		"cpu_utilization":    nums(0.5, 0.55, 0.6, 0.65, 0.7),
		"memory_utilization": nums(0.5, 0.5, 0.5),
		"disk_utilization":   nums(0.85, 0.9, 0.9),
	}})
	require.True(t, ar.Success)
	ex := ar.Data["periods_to_threshold"].(map[string]float64)
	assert.Equal(t, -1.0, ex["memory_utilization"])
	assert.Zero(t, ex["disk_utilization"])
	assert.LessOrEqual(t, ex["cpu_utilization"], 7.0)

	require.Len(t, ar.Recommendations, 2)
	for _, r := range ar.Recommendations {
		assert.Equal(t, "high", r.Priority)
	}
	require.Len(t, or.Actions, 2)
	assert.Equal(t, "cpu_utilization", or.Actions[0].Resource)
	assert.Equal(t, "disk_utilization", or.Actions[1].Resource)
}

func TestBottleneckScanner(t *testing.T) {
	s := NewBottleneckScanner(DefaultThresholds())
	ar, or := run(t, s, agent.Context{Infrastructure: map[string]any{"services": []any{
		map[string]any{"name": "api", "cpu_utilization": 0.97, "memory_utilization": 0.5},
		map[string]any{"name": "db", "memory_utilization": 0.85},
		map[string]any{"name": "idle", "cpu_utilization": 0.1},
	}}})
	require.True(t, ar.Success)
	require.Len(t, ar.Recommendations, 2)
	assert.Equal(t, "high", ar.Recommendations[0].Priority)
	assert.Equal(t, "medium", ar.Recommendations[1].Priority)
	require.Len(t, or.Actions, 2)
	assert.Equal(t, "api", or.Actions[0].Resource)
	assert.Equal(t, "db", or.Actions[1].Resource)
}

func TestLoadShifter(t *testing.T) {
	l := NewLoadShifter(DefaultThresholds())
	ar, or := run(t, l, agent.Context{Infrastructure: map[string]any{"nodes": []any{
		map[string]any{"name": "a", "utilization": 0.9},
		map[string]any{"name": "b", "utilization": 0.1},
		map[string]any{"name": "c", "utilization": 0.5},
	}}})
	assert.Equal(t, []string{"Uneven Load Distribution"}, titles(ar.Recommendations))
	require.Len(t, or.Actions, 1)
	assert.Equal(t, map[string]any{"from": "a", "to": "b"}, or.Actions[0].Change)

	ar, or = run(t, l, agent.Context{Infrastructure: map[string]any{}})
	assert.True(t, ar.Success)
	assert.Empty(t, ar.Recommendations)
	assert.Empty(t, or.Actions)
}

func TestAutoScalerAdvisor(t *testing.T) {
	a := NewAutoScalerAdvisor(DefaultThresholds())

	ar, or := run(t, a, agent.Context{
		Infrastructure: map[string]any{"scaling": map[string]any{
			"min_replicas": 4.0, "max_replicas": 10.0, "current_replicas": 10.0, "target_cpu": 70.0,
		}},
		Metrics: map[string]any{"cpu_utilization": nums(0.9, 0.95, 0.85)},
	})
	assert.Equal(t, []string{"Autoscaler At Maximum"}, titles(ar.Recommendations))
	require.Len(t, or.Actions, 1)
	assert.Equal(t, map[string]any{"max_replicas": 15}, or.Actions[0].Change)

	ar, or = run(t, a, agent.Context{
		Infrastructure: map[string]any{"scaling": map[string]any{
			"min_replicas": 4.0, "max_replicas": 10.0, "current_replicas": 4.0,
		}},
		Metrics: map[string]any{"cpu_utilization": nums(0.05, 0.1, 0.05)},
	})
	assert.Equal(t, []string{"No Scaling Target", "Over-Provisioned Minimum"}, titles(ar.Recommendations))
	require.Len(t, or.Actions, 1)
	assert.Equal(t, map[string]any{"min_replicas": 2}, or.Actions[0].Change)
}

func TestSecurityResponder(t *testing.T) {
	s := NewSecurityResponder(DefaultThresholds())
	ar, or := run(t, s, agent.Context{Security: map[string]any{"findings": []any{
		map[string]any{"id": "f1", "title": "Open SSH", "severity": "CRITICAL", "resource": "sg-1"},
		map[string]any{"id": "f2", "severity": "high", "resource": "bucket"},
		map[string]any{"id": "f3", "severity": "medium"},
		map[string]any{"id": "f4"},
	}}})
	require.True(t, ar.Success)
	assert.Equal(t, []string{"Urgent Security Findings", "Medium Security Findings"}, titles(ar.Recommendations))
	assert.Equal(t, 4, ar.Data["findings"])
	require.Len(t, or.Actions, 2)
	assert.Equal(t, "Remediate Open SSH", or.Actions[0].Title)
	assert.Equal(t, "Remediate f2", or.Actions[1].Title)

	ar, or = run(t, s, agent.Context{})
	assert.True(t, ar.Success)
	assert.Empty(t, ar.Recommendations)
	assert.Empty(t, or.Actions)
}

func TestAgentsRunThroughRegistry(t *testing.T) {
	r := agent.NewRegistry(agent.Config{}, logx.Nop(), nil)
	for _, a := range All(config.AgentsConfig{}) {
		require.NoError(t, r.Register(a))
	}
	results := r.ExecuteAll(context.Background(), agent.Payload{
		agent.KeyInfrastructure: map[string]any{},
		agent.KeyMetrics:        map[string]any{"traffic": ramp(1, 24)},
	})
	require.Len(t, results, 8)
	for name, res := range results {
		assert.NoError(t, res.Err, name)
	}
	assert.True(t, results[BurstPredictor].Success)
}
