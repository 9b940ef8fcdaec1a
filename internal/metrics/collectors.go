// Package metrics exposes agent and scheduler activity as Prometheus metrics
// and serves them over HTTP.
package metrics

import (
	"context"

	"opsagent/internal/agent"
	"opsagent/internal/eventbus"
	"opsagent/internal/task/scheduler"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentHealth is the registry view used by the agent gauges.
type AgentHealth interface {
	OverallHealth() agent.OverallHealth
}

// SchedulerStats is the scheduler view used by the job and queue gauges.
type SchedulerStats interface {
	Stats() scheduler.Stats
}

type Collectors struct {
	agentExecutions *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	jobRuns         *prometheus.CounterVec
}

// NewCollectors registers every collector on reg. agents and sched may be nil,
// in which case their gauges are not registered.
func NewCollectors(namespace string, reg prometheus.Registerer, agents AgentHealth, sched SchedulerStats, bus eventbus.Bus) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collectors{
		agentExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_executions_total",
				Help:      "Agent executions by outcome",
			},
			[]string{"agent", "status"},
		),
		agentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_execution_duration_seconds",
				Help:      "Duration of agent executions",
				Buckets:   []float64{.005, .025, .1, .5, 1, 5, 15, 30, 60},
			},
			[]string{"agent"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_job_runs_total",
				Help:      "Scheduled job run outcomes",
			},
			[]string{"job", "status"},
		),
	}
	reg.MustRegister(c.agentExecutions, c.agentDuration, c.jobRuns)

	if agents != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_enabled",
				Help:      "Number of enabled agents",
			}, func() float64 { return float64(agents.OverallHealth().Enabled) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_healthy",
				Help:      "Number of enabled agents not in error state",
			}, func() float64 { return float64(agents.OverallHealth().Healthy) }),
		)
	}
	if sched != nil {
		reg.MustRegister(newSchedulerCollector(namespace, sched))
	}
	if bus != nil {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full",
		}, func() float64 { return float64(bus.Dropped()) }))
	}
	return c
}

// Observe updates the counters from one bus event. Unknown events are ignored.
func (c *Collectors) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case eventbus.AgentEvent:
		status := "success"
		if !d.Success {
			status = "error"
		}
		c.agentExecutions.WithLabelValues(d.Name, status).Inc()
		c.agentDuration.WithLabelValues(d.Name).Observe(d.Duration.Seconds())
	case eventbus.JobEvent:
		var status string
		switch ev.Type {
		case eventbus.JobCompleted:
			status = "completed"
		case eventbus.JobRetry:
			status = "retry"
		case eventbus.JobFailed:
			status = "failed"
		case eventbus.JobCancelled:
			status = "cancelled"
		default:
			return
		}
		c.jobRuns.WithLabelValues(d.Name, status).Inc()
	}
}

// Watch subscribes to bus and returns a loop that feeds Observe until its
// context is done.
func (c *Collectors) Watch(bus eventbus.Bus) func(ctx context.Context) {
	events, unsub := bus.Subscribe(256,
		eventbus.AgentExecuted,
		eventbus.JobCompleted,
		eventbus.JobRetry,
		eventbus.JobFailed,
		eventbus.JobCancelled,
	)
	return func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.Observe(ev)
			}
		}
	}
}

// schedulerCollector reads one Stats snapshot per scrape.
type schedulerCollector struct {
	sched     SchedulerStats
	jobs      *prometheus.Desc
	queued    *prometheus.Desc
	queueCap  *prometheus.Desc
	workers   *prometheus.Desc
	queueFull *prometheus.Desc
}

func newSchedulerCollector(namespace string, sched SchedulerStats) *schedulerCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "scheduler", n) }
	return &schedulerCollector{
		sched:     sched,
		jobs:      prometheus.NewDesc(name("jobs"), "Jobs by status", []string{"status"}, nil),
		queued:    prometheus.NewDesc(name("queue_depth"), "Jobs waiting in each priority queue", []string{"priority"}, nil),
		queueCap:  prometheus.NewDesc(name("queue_capacity"), "Capacity of each priority queue", nil, nil),
		workers:   prometheus.NewDesc(name("workers"), "Worker pool size", nil, nil),
		queueFull: prometheus.NewDesc(name("queue_full_skips_total"), "Dispatches skipped because a queue was full", nil, nil),
	}
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.queued
	ch <- c.queueCap
	ch <- c.workers
	ch <- c.queueFull
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.sched.Stats()
	for s := scheduler.Pending; s <= scheduler.Cancelled; s++ {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(st.Jobs[s]), s.String())
	}
	for p := scheduler.Low; p <= scheduler.Critical; p++ {
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(st.Queued[p]), p.String())
	}
	ch <- prometheus.MustNewConstMetric(c.queueCap, prometheus.GaugeValue, float64(st.QueueCap))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(st.Workers))
	ch <- prometheus.MustNewConstMetric(c.queueFull, prometheus.CounterValue, float64(st.QueueFullSkips))
}
