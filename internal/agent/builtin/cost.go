package builtin

import (
	"context"
	"fmt"
	"strings"

	"opsagent/internal/agent"
)

type costWatcher struct{ th Thresholds }

func NewCostWatcher(th Thresholds) agent.Agent { return &costWatcher{th: th} }

func (w *costWatcher) Name() string { return CostWatcher }
func (w *costWatcher) Description() string {
	return "Monitors cloud spending and identifies cost optimization opportunities"
}

// serviceRule flags a service whose cost exceeds share × budget and estimates
// savings as savings × cost.
type serviceRule struct {
	match   string
	share   float64
	savings float64
	advice  string
}

var serviceRules = []serviceRule{
	{"ec2", 0.30, 0.20, "Consider reserved instances or savings plans"},
	{"compute", 0.30, 0.20, "Consider reserved instances or savings plans"},
	{"s3", 0.20, 0.15, "Move infrequently accessed objects to cheaper storage classes"},
	{"rds", 0.25, 0.25, "Rightsize database instances or use reserved capacity"},
	{"transfer", 0.10, 0.30, "Reduce cross-region traffic or add a CDN"},
}

func (w *costWatcher) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	if len(c.Cost) == 0 {
		return noData("no cost data available"), nil
	}
	total := num(c.Cost, "total_cost")
	daily := asMaps(c.Cost["daily_costs"])
	services := asMap(c.Cost["service_costs"])

	var pct float64
	if w.th.CostBudget > 0 {
		pct = round2(total / w.th.CostBudget * 100)
	}
	budget := map[string]any{
		"exceeded":   total > w.th.CostBudget,
		"threshold":  w.th.CostBudget,
		"current":    total,
		"percentage": pct,
	}
	trend := costTrend(daily)

	var opportunities []map[string]any
	var savings float64
	for _, name := range sortedKeys(services) {
		cost, _ := toFloat(services[name])
		lname := strings.ToLower(name)
		for _, r := range serviceRules {
			if !strings.Contains(lname, r.match) || cost <= w.th.CostBudget*r.share {
				continue
			}
			s := round2(cost * r.savings)
			savings += s
			opportunities = append(opportunities, map[string]any{
				"service":           name,
				"current_cost":      cost,
				"potential_savings": s,
				"recommendation":    r.advice,
			})
			break
		}
	}

	var recs []agent.Recommendation
	if total > w.th.CostBudget {
		recs = append(recs, agent.Recommendation{
			Title:       "Budget Exceeded",
			Description: fmt.Sprintf("Current spending ($%.2f) is above threshold ($%.2f)", total, w.th.CostBudget),
			Priority:    "high",
			Impact:      "cost_overrun",
			Actions:     []string{"Review top services", "Apply pending optimizations", "Set up budget alerts"},
		})
	}
	if len(opportunities) > 0 && savings > 0.1*total {
		recs = append(recs, agent.Recommendation{
			Title:       "Cost Optimization Opportunities",
			Description: fmt.Sprintf("%d services could save about $%.2f", len(opportunities), savings),
			Priority:    "medium",
			Impact:      "cost_savings",
			Actions:     []string{"Review the listed services"},
		})
	}
	if trend == "increasing" {
		recs = append(recs, agent.Recommendation{
			Title:       "Rising Cost Trend",
			Description: "Average daily spend over the last 7 days is more than 10% above the previous week",
			Priority:    "medium",
			Impact:      "cost_growth",
			Actions:     []string{"Identify new workloads", "Check for idle resources"},
		})
	}

	return agent.Result{
		Success: true,
		Data: map[string]any{
			"total_cost":    total,
			"budget_status": budget,
			"trend":         trend,
			"opportunities": opportunities,
		},
		Recommendations: recs,
	}, nil
}

// costTrend compares the average of the last 7 days with the 7 before.
func costTrend(daily []map[string]any) string {
	if len(daily) < 7 {
		return "insufficient_data"
	}
	recent := daily[len(daily)-7:]
	earlier := daily[max(0, len(daily)-14) : len(daily)-7]
	if len(earlier) == 0 {
		return "stable"
	}
	avg := func(ds []map[string]any) float64 {
		var s float64
		for _, d := range ds {
			s += num(d, "cost")
		}
		return s / float64(len(ds))
	}
	r, e := avg(recent), avg(earlier)
	switch {
	case r > e*1.1:
		return "increasing"
	case r < e*0.9:
		return "decreasing"
	default:
		return "stable"
	}
}

// Optimize proposes rightsizing for under-utilized instances listed under
// infrastructure.resources.{ec2,rds}.
func (w *costWatcher) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	resources := asMap(c.Infrastructure["resources"])
	var actions []agent.Action
	var analysed []map[string]any

	for _, kind := range []string{"ec2", "rds"} {
		second := "memory_utilization"
		savingsRate := 0.30
		prefix := ""
		if kind == "rds" {
			second = "storage_utilization"
			savingsRate = 0.25
			prefix = "db."
		}
		for _, inst := range asMaps(resources[kind]) {
			cpu := num(inst, "cpu_utilization")
			potential := w.potential(cpu, num(inst, second))
			id := str(inst, "id", "unknown")
			typ := str(inst, "type", "unknown")
			cost := num(inst, "cost")
			analysed = append(analysed, map[string]any{
				"kind":                   kind,
				"instance_id":            id,
				"optimization_potential": potential,
			})
			if potential <= 0.3 {
				continue
			}
			actions = append(actions, agent.Action{
				Title:           fmt.Sprintf("Rightsize %s instance %s", strings.ToUpper(kind), id),
				Description:     fmt.Sprintf("Instance is under-utilized (cpu %.0f%%)", cpu*100),
				Resource:        id,
				Change:          map[string]any{"from": typ, "to": w.suggestType(prefix, typ, cpu)},
				Priority:        "medium",
				EstimatedImpact: fmt.Sprintf("Potential savings: $%.2f/month", cost*savingsRate),
			})
		}
	}
	return agent.Result{
		Success: true,
		Data:    map[string]any{"resources_analyzed": analysed},
		Actions: actions,
	}, nil
}

func (w *costWatcher) potential(a, b float64) float64 {
	avg := (a + b) / 2
	switch {
	case avg < w.th.UtilizationLow:
		return 0.8
	case avg < 2*w.th.UtilizationLow:
		return 0.5
	default:
		return 0.1
	}
}

func (w *costWatcher) suggestType(prefix, current string, cpu float64) string {
	if strings.Contains(current, "t3") {
		return current
	}
	switch {
	case cpu < w.th.UtilizationLow:
		return prefix + "t3.micro"
	case cpu < 2*w.th.UtilizationLow:
		return prefix + "t3.small"
	default:
		return current
	}
}
