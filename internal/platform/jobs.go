package platform

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/agent/builtin"
	"opsagent/internal/notifier"
	"opsagent/internal/task/scheduler"
	logx "opsagent/pkg/logx"
)

// Default job names.
const (
	JobAgentHealthCheck = "agent_health_check"
	JobCostMonitoring   = "cost_monitoring"
	JobInfraHealthCheck = "infrastructure_health_check"
	JobExecutionCycle   = "agent_execution_cycle"
)

func (p *Platform) scheduleDefaultJobs(interval time.Duration) error {
	jobs := []struct {
		name string
		spec string
		prio scheduler.Priority
		run  scheduler.RunnableFunc
	}{
		{JobAgentHealthCheck, "300s", scheduler.Normal, p.agentHealthCheck},
		{JobCostMonitoring, "3600s", scheduler.Low, p.costMonitoring},
		{JobInfraHealthCheck, "600s", scheduler.High, p.infrastructureHealthCheck},
	}
	for _, j := range jobs {
		if _, err := p.sched.Schedule(j.name, j.run, j.spec, j.prio); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return p.scheduleExecutionCycle(interval)
}

func (p *Platform) scheduleExecutionCycle(interval time.Duration) error {
	id, err := p.sched.Schedule(JobExecutionCycle, scheduler.RunnableFunc(p.executionCycle), "@every "+interval.String(), scheduler.Normal)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", JobExecutionCycle, err)
	}
	p.mu.Lock()
	p.cycleID = id
	p.cycleInterval = interval
	p.mu.Unlock()
	return nil
}

// rescheduleExecutionCycle replaces the cycle job when the interval changes.
func (p *Platform) rescheduleExecutionCycle(interval time.Duration) {
	p.mu.Lock()
	old, prev := p.cycleID, p.cycleInterval
	p.mu.Unlock()
	if interval == prev {
		return
	}
	p.sched.Cancel(old)
	if err := p.scheduleExecutionCycle(interval); err != nil {
		p.log.Error("execution cycle reschedule failed", logx.Err(err))
		return
	}
	p.log.Info("execution cycle rescheduled", logx.Duration("interval", interval))
}

// HealthSummary is the result of the agent_health_check job.
type HealthSummary struct {
	Enabled   int      `json:"enabled"`
	Healthy   int      `json:"healthy"`
	Unhealthy []string `json:"unhealthy,omitempty"`
}

func (p *Platform) agentHealthCheck(ctx context.Context) (any, error) {
	oh := p.reg.OverallHealth()
	sum := HealthSummary{Enabled: oh.Enabled, Healthy: oh.Healthy}
	for _, h := range p.reg.List() {
		if h.Enabled && h.Status == agent.StatusError {
			sum.Unhealthy = append(sum.Unhealthy, h.Name)
		}
	}
	if sum.Healthy < sum.Enabled {
		p.alert(ctx, notifier.Alert{
			Severity: notifier.Warning,
			Source:   JobAgentHealthCheck,
			Title:    "Agent health degraded",
			Text:     fmt.Sprintf("%d/%d agents healthy; unhealthy: %s", sum.Healthy, sum.Enabled, strings.Join(sum.Unhealthy, ", ")),
		})
	}
	return sum, nil
}

func (p *Platform) costMonitoring(ctx context.Context) (any, error) {
	return p.runAgents(ctx, JobCostMonitoring, builtin.CostWatcher)
}

func (p *Platform) infrastructureHealthCheck(ctx context.Context) (any, error) {
	return p.runAgents(ctx, JobInfraHealthCheck, builtin.BottleneckScanner, builtin.SecurityResponder)
}

// runAgents executes names one after another against a fresh payload and
// alerts on high-priority recommendations. A disabled agent is skipped; any
// other failure fails the job so the scheduler retries it.
func (p *Platform) runAgents(ctx context.Context, source string, names ...string) (any, error) {
	payload, err := p.ctxSrc.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]agent.Result, len(names))
	var errs []error
	for _, name := range names {
		res := p.reg.Execute(ctx, name, payload)
		out[name] = res
		if !res.Success {
			if errors.Is(res.Err, agent.ErrAgentDisabled) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %s", name, res.ErrorMessage))
			continue
		}
		p.alertRecommendations(ctx, source, name, res)
	}
	return out, errors.Join(errs...)
}

// CycleSummary is the result of the agent_execution_cycle job.
type CycleSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Alerts    int `json:"alerts"`
}

func (p *Platform) executionCycle(ctx context.Context) (any, error) {
	payload, err := p.ctxSrc.Load(ctx)
	if err != nil {
		return nil, err
	}
	results := p.reg.ExecuteAll(ctx, payload)
	sum := CycleSummary{Total: len(results)}
	for _, name := range slices.Sorted(maps.Keys(results)) {
		res := results[name]
		if !res.Success {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		sum.Alerts += p.alertRecommendations(ctx, JobExecutionCycle, name, res)
	}
	p.log.Info("agent execution cycle finished",
		logx.Int("total", sum.Total),
		logx.Int("succeeded", sum.Succeeded),
		logx.Int("failed", sum.Failed),
		logx.Int("alerts", sum.Alerts),
	)
	return sum, nil
}

func (p *Platform) alertRecommendations(ctx context.Context, source, agentName string, res agent.Result) int {
	n := 0
	for _, rec := range res.Recommendations {
		sev, ok := severityFor(rec.Priority)
		if !ok {
			continue
		}
		p.alert(ctx, notifier.Alert{
			Severity: sev,
			Source:   source + "/" + agentName,
			Title:    rec.Title,
			Text:     agent.FormatRecommendation(rec),
		})
		n++
	}
	return n
}

// severityFor maps recommendation priorities that warrant an alert.
func severityFor(priority string) (notifier.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "critical", "urgent":
		return notifier.Critical, true
	case "high":
		return notifier.Warning, true
	default:
		return 0, false
	}
}
