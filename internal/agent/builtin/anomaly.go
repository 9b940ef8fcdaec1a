package builtin

import (
	"context"
	"fmt"
	"math"

	"opsagent/internal/agent"
)

type anomalyDetector struct{ th Thresholds }

func NewAnomalyDetector(th Thresholds) agent.Agent { return &anomalyDetector{th: th} }

func (a *anomalyDetector) Name() string { return AnomalyDetector }
func (a *anomalyDetector) Description() string {
	return "Detects anomalies in infrastructure metrics and provides alerts"
}

type anomaly struct {
	Metric        string     `json:"metric"`
	Value         float64    `json:"value"`
	ExpectedRange [2]float64 `json:"expected_range"`
	ZScore        float64    `json:"z_score"`
	Severity      string     `json:"severity"`
	Timestamp     any        `json:"timestamp"`
}

func (a *anomalyDetector) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	if len(c.Metrics) == 0 {
		return noData("no metrics data available"), nil
	}
	found := a.detect(c.Metrics)

	var high, medium int
	for _, an := range found {
		if an.Severity == "high" {
			high++
		} else {
			medium++
		}
	}
	var recs []agent.Recommendation
	if high > 0 {
		recs = append(recs, agent.Recommendation{
			Title:       "High Severity Anomalies Detected",
			Description: fmt.Sprintf("Found %d high-severity anomalies requiring immediate attention", high),
			Priority:    "high",
			Impact:      "performance_degradation",
			Actions:     []string{"Investigate root cause immediately", "Check system health", "Review recent changes"},
		})
	}
	if medium > 0 {
		recs = append(recs, agent.Recommendation{
			Title:       "Medium Severity Anomalies Detected",
			Description: fmt.Sprintf("Found %d medium-severity anomalies to monitor", medium),
			Priority:    "medium",
			Impact:      "monitoring_required",
			Actions:     []string{"Monitor trends", "Check for patterns", "Update alerting thresholds"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"anomalies": found, "metrics_analyzed": len(c.Metrics)},
		Recommendations: recs,
	}, nil
}

// detect flags points whose z-score exceeds the threshold in every series
// longer than AnomalyMinPoints. Above 3 sigma is high severity.
func (a *anomalyDetector) detect(metrics map[string]any) []anomaly {
	var out []anomaly
	for _, name := range sortedKeys(metrics) {
		ps := series(metrics[name])
		if len(ps) <= a.th.AnomalyMinPoints {
			continue
		}
		mean, std := meanStd(values(ps))
		if std == 0 {
			continue
		}
		for _, p := range ps {
			z := math.Abs(p.Value-mean) / std
			if z <= a.th.AnomalyZScore {
				continue
			}
			sev := "medium"
			if z > 3 {
				sev = "high"
			}
			out = append(out, anomaly{
				Metric:        name,
				Value:         p.Value,
				ExpectedRange: [2]float64{mean - a.th.AnomalyZScore*std, mean + a.th.AnomalyZScore*std},
				ZScore:        round2(z),
				Severity:      sev,
				Timestamp:     p.Timestamp,
			})
		}
	}
	return out
}

func (a *anomalyDetector) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	alerting := asMap(c.Infrastructure["alerting"])
	act := agent.Action{
		Title:           "Update Alerting Configuration",
		Description:     "Optimize alerting thresholds and rules",
		Resource:        "alertmanager",
		Change:          map[string]any{"action": "update_thresholds", "severity": "medium"},
		Priority:        "medium",
		EstimatedImpact: "reduced_false_positives",
	}
	var recs []agent.Recommendation
	if len(alerting) == 0 {
		act.Change = map[string]any{"action": "create_rules", "z_score": a.th.AnomalyZScore}
		act.Priority = "high"
		recs = append(recs, agent.Recommendation{
			Title:       "No Alerting Configured",
			Description: "Anomalies cannot page anyone without alerting rules",
			Priority:    "high",
			Impact:      "missed_incidents",
			Actions:     []string{"Define alert rules for key metrics"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"current_config": alerting},
		Recommendations: recs,
		Actions:         []agent.Action{act},
	}, nil
}
