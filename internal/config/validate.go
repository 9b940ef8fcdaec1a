package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "opsagent/pkg/logx"
)

// Validate checks ranges and duration syntax. It does not mutate cfg.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(c.Logging.Alerts.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", lvl))
	}

	dur("agents.timeout", c.Agents.Timeout)
	dur("agents.execution_interval", c.Agents.ExecutionInterval)
	if c.Agents.MaxConcurrent < 0 {
		add(fmt.Errorf("agents.max_concurrent: must be >= 0"))
	}
	th := c.Agents.Thresholds
	if th.AnomalyZScore < 0 || th.CostBudget < 0 || th.BurstFactor < 0 || th.AnomalyMinPoints < 0 {
		add(fmt.Errorf("agents.thresholds: values must be >= 0"))
	}
	if th.UtilizationHigh < 0 || th.UtilizationHigh > 1 || th.UtilizationLow < 0 || th.UtilizationLow > 1 {
		add(fmt.Errorf("agents.thresholds: utilization must be a fraction within [0,1]"))
	}
	if th.UtilizationHigh > 0 && th.UtilizationLow > 0 && th.UtilizationLow >= th.UtilizationHigh {
		add(fmt.Errorf("agents.thresholds: utilization_low must be below utilization_high"))
	}

	if c.Scheduler.Workers < 0 {
		add(fmt.Errorf("scheduler.workers: must be >= 0"))
	}
	if c.Scheduler.QueueSize < 0 {
		add(fmt.Errorf("scheduler.queue_size: must be >= 0"))
	}
	if c.Scheduler.MaxRetries != nil && *c.Scheduler.MaxRetries < 0 {
		add(fmt.Errorf("scheduler.max_retries: must be >= 0"))
	}
	dur("scheduler.dispatch_interval", c.Scheduler.DispatchInterval)
	dur("scheduler.poll_interval", c.Scheduler.PollInterval)
	dur("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	dur("scheduler.retry_backoff", c.Scheduler.RetryBackoff)

	if c.Notifier != nil {
		if c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 {
			add(fmt.Errorf("notifier: queue_size and rate_per_sec must be >= 0"))
		}
		dur("notifier.dedup_window", c.Notifier.DedupWindow)
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "off", "disabled", "file", "jsonl", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver))
		}
		dur("storage.busy_timeout", c.Storage.BusyTimeout)
		if c.Storage.MaxEntries < 0 {
			add(fmt.Errorf("storage.max_entries: must be >= 0"))
		}
	}

	return errors.Join(errs...)
}

func (a AgentsConfig) TimeoutDuration() time.Duration {
	return mustDuration(a.Timeout, DefaultAgentTimeout)
}

func (a AgentsConfig) MaxConcurrentOrDefault() int {
	if a.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return a.MaxConcurrent
}

func (a AgentsConfig) ExecutionIntervalDuration() time.Duration {
	return mustDuration(a.ExecutionInterval, DefaultExecutionInterval)
}

func (s SchedulerConfig) WorkersOrDefault() int {
	if s.Workers <= 0 {
		return DefaultWorkers
	}
	return s.Workers
}

func (s SchedulerConfig) QueueSizeOrDefault() int {
	if s.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return s.QueueSize
}

func (s SchedulerConfig) DispatchIntervalDuration() time.Duration {
	return mustDuration(s.DispatchInterval, DefaultDispatchInterval)
}

func (s SchedulerConfig) PollIntervalDuration() time.Duration {
	return mustDuration(s.PollInterval, DefaultPollInterval)
}

func (s SchedulerConfig) DefaultTimeoutDuration() time.Duration {
	return mustDuration(s.DefaultTimeout, 0)
}

func (s SchedulerConfig) RetryBackoffDuration() time.Duration {
	return mustDuration(s.RetryBackoff, DefaultRetryBackoff)
}

// LogxConfig maps the logging section onto the logx service config.
func (l LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func (n *NotifierConfig) DedupWindowDuration() time.Duration {
	if n == nil {
		return DefaultDedupWindow
	}
	return mustDuration(n.DedupWindow, DefaultDedupWindow)
}

func (n *NotifierConfig) QueueSizeOrDefault() int {
	if n == nil || n.QueueSize <= 0 {
		return DefaultNotifierQueue
	}
	return n.QueueSize
}

func (n *NotifierConfig) RateOrDefault() int {
	if n == nil || n.RatePerSec <= 0 {
		return DefaultNotifierRate
	}
	return n.RatePerSec
}

func (s *StorageConfig) BusyTimeoutDuration() time.Duration {
	if s == nil {
		return 0
	}
	return mustDuration(s.BusyTimeout, 0)
}
