package builtin

import (
	"context"
	"fmt"
	"math"

	"opsagent/internal/agent"
)

const (
	burstWindow   = 24
	burstHorizon  = 24
	planHorizon   = 30
	minTrendPoint = 3
)

type burstPredictor struct{ th Thresholds }

func NewBurstPredictor(th Thresholds) agent.Agent { return &burstPredictor{th: th} }

func (b *burstPredictor) Name() string { return BurstPredictor }
func (b *burstPredictor) Description() string {
	return "Predicts traffic bursts and recommends proactive scaling"
}

type burstForecast struct {
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Volatility float64 `json:"volatility"`
	Trend      float64 `json:"trend"`
	// BurstHours lists the forecast steps (1-based) above BurstFactor × mean.
	BurstHours []int   `json:"burst_hours"`
	Peak       float64 `json:"peak"`
}

// forecast extrapolates the mean of the last window along its linear trend.
func (b *burstPredictor) forecast(metrics map[string]any) (burstForecast, bool) {
	vs := values(series(metrics["traffic"]))
	if len(vs) < minTrendPoint {
		return burstForecast{}, false
	}
	var f burstForecast
	f.Mean, f.Std = meanStd(vs)
	if f.Mean > 0 {
		f.Volatility = round2(f.Std / f.Mean)
	}
	window := vs[max(0, len(vs)-burstWindow):]
	wmean, _ := meanStd(window)
	f.Trend = slope(window)
	for h := 1; h <= burstHorizon; h++ {
		predicted := wmean + f.Trend*float64(h)
		f.Peak = math.Max(f.Peak, predicted)
		if f.Mean > 0 && predicted > b.th.BurstFactor*f.Mean {
			f.BurstHours = append(f.BurstHours, h)
		}
	}
	f.Peak = round2(f.Peak)
	return f, true
}

func (b *burstPredictor) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	f, ok := b.forecast(c.Metrics)
	if !ok {
		return noData("no traffic time series available"), nil
	}
	var recs []agent.Recommendation
	if len(f.BurstHours) > 0 {
		recs = append(recs, agent.Recommendation{
			Title:       "Proactive Scaling Recommended",
			Description: fmt.Sprintf("Traffic burst predicted within the next %d hours", f.BurstHours[0]),
			Priority:    "high",
			Impact:      "prevent_outage",
			Actions:     []string{"Increase HPA minReplicas", "Prepare additional capacity", "Monitor closely"},
		})
	}
	if f.Volatility > 0.5 {
		recs = append(recs, agent.Recommendation{
			Title:       "High Traffic Volatility",
			Description: fmt.Sprintf("Traffic volatility is %.2f", f.Volatility),
			Priority:    "medium",
			Impact:      "stability",
			Actions:     []string{"Lower scaling thresholds", "Shorten scale-up cooldown"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"forecast": f},
		Recommendations: recs,
	}, nil
}

func (b *burstPredictor) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	scaling := asMap(c.Infrastructure["scaling"])
	f, ok := b.forecast(c.Metrics)
	if !ok || len(f.BurstHours) == 0 || f.Mean <= 0 {
		return agent.Result{Success: true, Data: map[string]any{"current_config": scaling}}, nil
	}
	minReplicas := num(scaling, "min_replicas")
	maxReplicas := num(scaling, "max_replicas")
	if minReplicas <= 0 {
		minReplicas = 1
	}
	want := math.Ceil(minReplicas * f.Peak / f.Mean)
	if maxReplicas > 0 {
		want = math.Min(want, maxReplicas)
	}
	var actions []agent.Action
	if want > minReplicas {
		actions = append(actions, agent.Action{
			Title:           "Raise minimum replicas ahead of burst",
			Description:     fmt.Sprintf("Predicted peak %.2f vs mean %.2f", f.Peak, f.Mean),
			Resource:        str(scaling, "target", "hpa"),
			Change:          map[string]any{"min_replicas": int(want)},
			Priority:        "high",
			EstimatedImpact: "prevent_outage",
		})
	}
	return agent.Result{
		Success: true,
		Data:    map[string]any{"current_config": scaling},
		Actions: actions,
	}, nil
}

type capacityPlanner struct{ th Thresholds }

func NewCapacityPlanner(th Thresholds) agent.Agent { return &capacityPlanner{th: th} }

func (p *capacityPlanner) Name() string { return CapacityPlanner }
func (p *capacityPlanner) Description() string {
	return "Forecasts resource utilization and plans capacity ahead of demand"
}

// exhaustion returns how many periods until each utilization series crosses
// UtilizationHigh at its current trend. Series already above, or flat, are
// reported as 0 and -1 respectively.
func (p *capacityPlanner) exhaustion(metrics map[string]any) map[string]float64 {
	out := map[string]float64{}
	for _, key := range []string{"cpu_utilization", "memory_utilization", "disk_utilization"} {
		vs := values(series(metrics[key]))
		if len(vs) < minTrendPoint {
			continue
		}
		last := vs[len(vs)-1]
		s := slope(vs)
		switch {
		case last >= p.th.UtilizationHigh:
			out[key] = 0
		case s <= 0:
			out[key] = -1
		default:
			out[key] = math.Ceil((p.th.UtilizationHigh - last) / s)
		}
	}
	return out
}

func (p *capacityPlanner) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	ex := p.exhaustion(c.Metrics)
	if len(ex) == 0 {
		return noData("no utilization series available"), nil
	}
	var recs []agent.Recommendation
	for _, key := range sortedKeys(anyMap(ex)) {
		periods := ex[key]
		if periods < 0 || periods > planHorizon {
			continue
		}
		prio := "medium"
		if periods <= 7 {
			prio = "high"
		}
		recs = append(recs, agent.Recommendation{
			Title:       "Capacity Threshold Approaching",
			Description: fmt.Sprintf("%s reaches %.0f%% in about %.0f periods", key, p.th.UtilizationHigh*100, periods),
			Priority:    prio,
			Impact:      "capacity_shortage",
			Actions:     []string{"Plan capacity increase", "Review growth drivers"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"periods_to_threshold": ex},
		Recommendations: recs,
	}, nil
}

func (p *capacityPlanner) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	ex := p.exhaustion(c.Metrics)
	var actions []agent.Action
	for _, key := range sortedKeys(anyMap(ex)) {
		if periods := ex[key]; periods >= 0 && periods <= 7 {
			actions = append(actions, agent.Action{
				Title:           "Provision additional capacity",
				Description:     fmt.Sprintf("%s is on track to exceed its threshold", key),
				Resource:        key,
				Change:          map[string]any{"increase_pct": 25},
				Priority:        "high",
				EstimatedImpact: "avoid_saturation",
			})
		}
	}
	return agent.Result{Success: true, Data: map[string]any{}, Actions: actions}, nil
}

func anyMap[V any](m map[string]V) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
