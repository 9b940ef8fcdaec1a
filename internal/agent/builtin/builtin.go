// Package builtin holds the stock agents shipped with opsagent. Each one is a
// small heuristic over the execution context; none of them call out to cloud
// APIs.
package builtin

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"opsagent/internal/agent"
	"opsagent/internal/config"
)

const (
	AnomalyDetector   = "anomaly_detector"
	AutoScalerAdvisor = "auto_scaler_advisor"
	BottleneckScanner = "bottleneck_scanner"
	BurstPredictor    = "burst_predictor"
	CapacityPlanner   = "capacity_planner"
	CostWatcher       = "cost_watcher"
	LoadShifter       = "load_shifter"
	SecurityResponder = "security_responder"
)

// Thresholds are the resolved tuning knobs shared by the built-in agents.
type Thresholds struct {
	AnomalyZScore    float64
	AnomalyMinPoints int
	CostBudget       float64
	BurstFactor      float64
	UtilizationHigh  float64
	UtilizationLow   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AnomalyZScore:    2,
		AnomalyMinPoints: 10,
		CostBudget:       100,
		BurstFactor:      1.5,
		UtilizationHigh:  0.8,
		UtilizationLow:   0.2,
	}
}

// ThresholdsFrom overlays non-zero config values on the defaults.
func ThresholdsFrom(c config.AgentThresholds) Thresholds {
	t := DefaultThresholds()
	if c.AnomalyZScore > 0 {
		t.AnomalyZScore = c.AnomalyZScore
	}
	if c.AnomalyMinPoints > 0 {
		t.AnomalyMinPoints = c.AnomalyMinPoints
	}
	if c.CostBudget > 0 {
		t.CostBudget = c.CostBudget
	}
	if c.BurstFactor > 0 {
		t.BurstFactor = c.BurstFactor
	}
	if c.UtilizationHigh > 0 {
		t.UtilizationHigh = c.UtilizationHigh
	}
	if c.UtilizationLow > 0 {
		t.UtilizationLow = c.UtilizationLow
	}
	return t
}

// All constructs every built-in agent, sorted by name.
func All(cfg config.AgentsConfig) []agent.Agent {
	th := ThresholdsFrom(cfg.Thresholds)
	out := []agent.Agent{
		NewAnomalyDetector(th),
		NewAutoScalerAdvisor(th),
		NewBottleneckScanner(th),
		NewBurstPredictor(th),
		NewCapacityPlanner(th),
		NewCostWatcher(th),
		NewLoadShifter(th),
		NewSecurityResponder(th),
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ---- context helpers ----

type point struct {
	Value     float64
	Timestamp any
}

// series reads either [{value, timestamp}, ...], [n, n, ...] or
// {"time_series": [...]}.
func series(v any) []point {
	if m, ok := v.(map[string]any); ok {
		v = m["time_series"]
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]point, 0, len(list))
	for _, item := range list {
		switch x := item.(type) {
		case map[string]any:
			f, ok := toFloat(x["value"])
			if !ok {
				continue
			}
			out = append(out, point{Value: f, Timestamp: x["timestamp"]})
		default:
			if f, ok := toFloat(x); ok {
				out = append(out, point{Value: f})
			}
		}
	}
	return out
}

func values(ps []point) []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = p.Value
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func num(m map[string]any, key string) float64 {
	f, _ := toFloat(m[key])
	return f
}

func str(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func asMaps(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		std += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(std / float64(len(xs)))
}

// slope is the least-squares slope of xs against their index.
func slope(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range xs {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// noData is the result agents return when their input section is empty. It
// is an unsuccessful result, not a fault.
func noData(msg string) agent.Result {
	return agent.Result{Data: map[string]any{}, ErrorMessage: msg}
}
