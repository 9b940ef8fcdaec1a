package config

import (
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Agents controls the agent registry and the periodic execution cycle.
	Agents AgentsConfig `json:"agents"`

	// Scheduler controls the job table, dispatch loop and worker pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Metrics  MetricsConfig   `json:"metrics"`

	// ContextFile points to a YAML/JSON infrastructure snapshot that is fed to
	// agents on every execution cycle. Empty means agents see empty maps.
	ContextFile string `json:"context_file,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log records to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// AgentsConfig controls the agent registry.
//
// All durations are Go duration strings (e.g. "500ms", "60s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - timeout: "60s"
//   - max_concurrent: 10
//   - execution_interval: "300s"
type AgentsConfig struct {
	Timeout           string `json:"timeout"`
	MaxConcurrent     int    `json:"max_concurrent"`
	ExecutionInterval string `json:"execution_interval"`

	// Disabled lists agent names that start disabled.
	Disabled []string `json:"disabled,omitempty"`

	Thresholds AgentThresholds `json:"thresholds"`
}

// AgentThresholds tunes the built-in agents. Zero values fall back to
// defaults. Utilization values are fractions (0.8 == 80%).
type AgentThresholds struct {
	AnomalyZScore    float64 `json:"anomaly_z_score,omitempty"`
	AnomalyMinPoints int     `json:"anomaly_min_points,omitempty"`
	CostBudget       float64 `json:"cost_budget,omitempty"`
	BurstFactor      float64 `json:"burst_factor,omitempty"`
	UtilizationHigh  float64 `json:"utilization_high,omitempty"`
	UtilizationLow   float64 `json:"utilization_low,omitempty"`
}

// SchedulerConfig controls the task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1000 (per priority)
//   - dispatch_interval: "1s"
//   - poll_interval: "1s"
//   - max_retries: 3
//   - retry_backoff: "5m"
type SchedulerConfig struct {
	Workers          int    `json:"workers"`
	QueueSize        int    `json:"queue_size"`
	DispatchInterval string `json:"dispatch_interval"`
	PollInterval     string `json:"poll_interval"`
	DefaultTimeout   string `json:"default_timeout,omitempty"`

	// MaxRetries is a pointer so an explicit 0 (never retry) is distinguishable
	// from an omitted field.
	MaxRetries   *int   `json:"max_retries,omitempty"`
	RetryBackoff string `json:"retry_backoff"`
}

// NotifierConfig controls the async alert pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	QueueSize   int    `json:"queue_size"`
	RatePerSec  int    `json:"rate_per_sec"`
	DedupWindow string `json:"dedup_window"`
}

// StorageConfig controls the execution history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/opsagent.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxEntries  int    `json:"max_entries,omitempty"`  // retained history rows; 0 means 10000
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost. A non-loopback Addr requires Token unless
// AllowInsecure is set.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9091"
	Namespace     string `json:"namespace,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"` // mount /debug/pprof/
}

const (
	DefaultAgentTimeout      = 60 * time.Second
	DefaultMaxConcurrent     = 10
	DefaultExecutionInterval = 300 * time.Second

	DefaultWorkers          = 4
	DefaultQueueSize        = 1000
	DefaultDispatchInterval = time.Second
	DefaultPollInterval     = time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 5 * time.Minute

	DefaultNotifierQueue = 256
	DefaultNotifierRate  = 1
	DefaultDedupWindow   = 10 * time.Minute

	DefaultMetricsAddr = "127.0.0.1:9091"
)

// Default returns a config with every section populated with defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Agents: AgentsConfig{
			Timeout:           DefaultAgentTimeout.String(),
			MaxConcurrent:     DefaultMaxConcurrent,
			ExecutionInterval: DefaultExecutionInterval.String(),
		},
		Scheduler: SchedulerConfig{
			Workers:          DefaultWorkers,
			QueueSize:        DefaultQueueSize,
			DispatchInterval: DefaultDispatchInterval.String(),
			PollInterval:     DefaultPollInterval.String(),
			RetryBackoff:     DefaultRetryBackoff.String(),
		},
	}
}

// IsDisabled reports whether name appears in agents.disabled.
func (a AgentsConfig) IsDisabled(name string) bool {
	for _, d := range a.Disabled {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// NotifierEnabled applies the "omitted section means enabled" rule.
func (c *Config) NotifierEnabled() bool {
	if c == nil || c.Notifier == nil {
		return true
	}
	return c.Notifier.Enabled
}

func (c *Config) MaxRetries() int {
	if c == nil || c.Scheduler.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.Scheduler.MaxRetries
}
