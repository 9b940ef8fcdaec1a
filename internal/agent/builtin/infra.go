package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"opsagent/internal/agent"
)

// ---- bottleneck_scanner ----

type bottleneckScanner struct{ th Thresholds }

func NewBottleneckScanner(th Thresholds) agent.Agent { return &bottleneckScanner{th: th} }

func (s *bottleneckScanner) Name() string { return BottleneckScanner }
func (s *bottleneckScanner) Description() string {
	return "Identifies performance bottlenecks and provides optimization recommendations"
}

type bottleneck struct {
	Service     string  `json:"service"`
	Resource    string  `json:"resource"`
	Utilization float64 `json:"utilization"`
}

// scan reads infrastructure.services: [{name, cpu_utilization, memory_utilization}].
func (s *bottleneckScanner) scan(infra map[string]any) []bottleneck {
	var out []bottleneck
	for _, svc := range asMaps(infra["services"]) {
		name := str(svc, "name", "unknown")
		for _, res := range []string{"cpu", "memory"} {
			if u := num(svc, res+"_utilization"); u > s.th.UtilizationHigh {
				out = append(out, bottleneck{Service: name, Resource: res, Utilization: u})
			}
		}
	}
	return out
}

func (s *bottleneckScanner) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	found := s.scan(c.Infrastructure)
	var recs []agent.Recommendation
	for _, b := range found {
		prio := "medium"
		if b.Utilization > 0.95 {
			prio = "high"
		}
		recs = append(recs, agent.Recommendation{
			Title:       fmt.Sprintf("%s %s saturation", b.Service, b.Resource),
			Description: fmt.Sprintf("%s utilization is %.0f%%", b.Resource, b.Utilization*100),
			Priority:    prio,
			Impact:      "performance_degradation",
			Actions:     []string{"Profile hot paths", "Scale the service"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"bottleneck_analysis": found},
		Recommendations: recs,
	}, nil
}

func (s *bottleneckScanner) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	var actions []agent.Action
	for _, b := range s.scan(c.Infrastructure) {
		actions = append(actions, agent.Action{
			Title:           "Scale up " + b.Service,
			Description:     fmt.Sprintf("Relieve %s pressure", b.Resource),
			Resource:        b.Service,
			Change:          map[string]any{"resource": b.Resource, "increase_pct": 50},
			Priority:        "high",
			EstimatedImpact: "latency_reduction",
		})
	}
	return agent.Result{Success: true, Data: map[string]any{"performance_optimization": len(actions)}, Actions: actions}, nil
}

// ---- load_shifter ----

type loadShifter struct{ th Thresholds }

func NewLoadShifter(th Thresholds) agent.Agent { return &loadShifter{th: th} }

func (l *loadShifter) Name() string { return LoadShifter }
func (l *loadShifter) Description() string {
	return "Balances load across regions and nodes to avoid hot spots"
}

type node struct {
	Name        string  `json:"name"`
	Utilization float64 `json:"utilization"`
}

// split reads infrastructure.nodes: [{name, utilization}] and returns hot and
// cold nodes, hottest and coldest first.
func (l *loadShifter) split(infra map[string]any) (hot, cold []node) {
	for _, m := range asMaps(infra["nodes"]) {
		n := node{Name: str(m, "name", "unknown"), Utilization: num(m, "utilization")}
		switch {
		case n.Utilization > l.th.UtilizationHigh:
			hot = append(hot, n)
		case n.Utilization < l.th.UtilizationLow:
			cold = append(cold, n)
		}
	}
	sort.Slice(hot, func(i, j int) bool { return hot[i].Utilization > hot[j].Utilization })
	sort.Slice(cold, func(i, j int) bool { return cold[i].Utilization < cold[j].Utilization })
	return hot, cold
}

func (l *loadShifter) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	hot, cold := l.split(c.Infrastructure)
	var recs []agent.Recommendation
	if len(hot) > 0 && len(cold) > 0 {
		recs = append(recs, agent.Recommendation{
			Title:       "Uneven Load Distribution",
			Description: fmt.Sprintf("%d hot and %d idle nodes", len(hot), len(cold)),
			Priority:    "medium",
			Impact:      "efficiency",
			Actions:     []string{"Rebalance traffic weights"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"hot": hot, "cold": cold},
		Recommendations: recs,
	}, nil
}

func (l *loadShifter) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	hot, cold := l.split(c.Infrastructure)
	var actions []agent.Action
	for i := 0; i < len(hot) && i < len(cold); i++ {
		actions = append(actions, agent.Action{
			Title:           fmt.Sprintf("Shift load from %s to %s", hot[i].Name, cold[i].Name),
			Description:     fmt.Sprintf("%.0f%% vs %.0f%% utilization", hot[i].Utilization*100, cold[i].Utilization*100),
			Resource:        hot[i].Name,
			Change:          map[string]any{"from": hot[i].Name, "to": cold[i].Name},
			Priority:        "medium",
			EstimatedImpact: "balanced_utilization",
		})
	}
	return agent.Result{Success: true, Data: map[string]any{}, Actions: actions}, nil
}

// ---- auto_scaler_advisor ----

type autoScalerAdvisor struct{ th Thresholds }

func NewAutoScalerAdvisor(th Thresholds) agent.Agent { return &autoScalerAdvisor{th: th} }

func (a *autoScalerAdvisor) Name() string { return AutoScalerAdvisor }
func (a *autoScalerAdvisor) Description() string {
	return "Reviews autoscaling configuration against observed load"
}

// advise compares infrastructure.scaling {min_replicas, max_replicas,
// current_replicas, target_cpu} with the mean of metrics.cpu_utilization.
func (a *autoScalerAdvisor) advise(c agent.Context) ([]agent.Recommendation, []agent.Action, map[string]any) {
	scaling := asMap(c.Infrastructure["scaling"])
	cpu, _ := meanStd(values(series(c.Metrics["cpu_utilization"])))
	minR, maxR, cur := num(scaling, "min_replicas"), num(scaling, "max_replicas"), num(scaling, "current_replicas")
	target := str(scaling, "target", "hpa")
	data := map[string]any{"current_config": scaling, "avg_cpu": round2(cpu)}

	var recs []agent.Recommendation
	var acts []agent.Action
	if len(scaling) == 0 {
		return recs, acts, data
	}
	if _, ok := scaling["target_cpu"]; !ok {
		recs = append(recs, agent.Recommendation{
			Title:       "No Scaling Target",
			Description: "The autoscaler has no CPU target configured",
			Priority:    "medium",
			Impact:      "scaling_accuracy",
			Actions:     []string{"Set target_cpu to around 70%"},
		})
	}
	if maxR > 0 && cur >= maxR && cpu > a.th.UtilizationHigh {
		recs = append(recs, agent.Recommendation{
			Title:       "Autoscaler At Maximum",
			Description: fmt.Sprintf("Running at max replicas (%.0f) with %.0f%% cpu", maxR, cpu*100),
			Priority:    "high",
			Impact:      "prevent_outage",
			Actions:     []string{"Raise max_replicas"},
		})
		acts = append(acts, agent.Action{
			Title:           "Raise maximum replicas",
			Resource:        target,
			Change:          map[string]any{"max_replicas": int(maxR * 1.5)},
			Priority:        "high",
			EstimatedImpact: "headroom",
		})
	}
	if cpu > 0 && cpu < a.th.UtilizationLow && minR > 1 && cur <= minR {
		recs = append(recs, agent.Recommendation{
			Title:       "Over-Provisioned Minimum",
			Description: fmt.Sprintf("Idle at min replicas (%.0f) with %.0f%% cpu", minR, cpu*100),
			Priority:    "low",
			Impact:      "cost_savings",
			Actions:     []string{"Lower min_replicas"},
		})
		acts = append(acts, agent.Action{
			Title:           "Lower minimum replicas",
			Resource:        target,
			Change:          map[string]any{"min_replicas": max(1, int(minR/2))},
			Priority:        "low",
			EstimatedImpact: "cost_savings",
		})
	}
	return recs, acts, data
}

func (a *autoScalerAdvisor) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	recs, _, data := a.advise(c)
	return agent.Result{Success: true, Data: data, Recommendations: recs}, nil
}

func (a *autoScalerAdvisor) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	_, acts, _ := a.advise(c)
	return agent.Result{Success: true, Data: map[string]any{}, Actions: acts}, nil
}

// ---- security_responder ----

type securityResponder struct{ th Thresholds }

func NewSecurityResponder(th Thresholds) agent.Agent { return &securityResponder{th: th} }

func (s *securityResponder) Name() string { return SecurityResponder }
func (s *securityResponder) Description() string {
	return "Triages security findings and proposes remediation"
}

// findings reads security.findings: [{id, title, severity, resource}].
func findings(sec map[string]any) []map[string]any {
	return asMaps(sec["findings"])
}

func severity(f map[string]any) string {
	return strings.ToLower(str(f, "severity", "low"))
}

func (s *securityResponder) Analyze(ctx context.Context, c agent.Context) (agent.Result, error) {
	counts := map[string]int{}
	fs := findings(c.Security)
	for _, f := range fs {
		counts[severity(f)]++
	}
	var recs []agent.Recommendation
	if n := counts["critical"] + counts["high"]; n > 0 {
		recs = append(recs, agent.Recommendation{
			Title:       "Urgent Security Findings",
			Description: fmt.Sprintf("%d critical/high findings need remediation", n),
			Priority:    "high",
			Impact:      "security_risk",
			Actions:     []string{"Patch affected resources", "Rotate exposed credentials"},
		})
	}
	if counts["medium"] > 0 {
		recs = append(recs, agent.Recommendation{
			Title:       "Medium Security Findings",
			Description: fmt.Sprintf("%d medium findings to schedule", counts["medium"]),
			Priority:    "medium",
			Impact:      "security_hygiene",
			Actions:     []string{"Plan remediation in the next sprint"},
		})
	}
	return agent.Result{
		Success:         true,
		Data:            map[string]any{"findings": len(fs), "by_severity": counts},
		Recommendations: recs,
	}, nil
}

func (s *securityResponder) Optimize(ctx context.Context, c agent.Context) (agent.Result, error) {
	var actions []agent.Action
	for _, f := range findings(c.Security) {
		sev := severity(f)
		if sev != "critical" && sev != "high" {
			continue
		}
		actions = append(actions, agent.Action{
			Title:           "Remediate " + str(f, "title", str(f, "id", "finding")),
			Description:     fmt.Sprintf("%s severity finding", sev),
			Resource:        str(f, "resource", "unknown"),
			Change:          map[string]any{"finding": str(f, "id", ""), "action": "remediate"},
			Priority:        "high",
			EstimatedImpact: "risk_reduction",
		})
	}
	return agent.Result{Success: true, Data: map[string]any{}, Actions: actions}, nil
}
