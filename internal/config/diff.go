package config

import (
	"hash/fnv"
	"reflect"

	logx "opsagent/pkg/logx"
)

// SummarizeConfigChange returns the list of changed top-level sections and
// structured attrs describing the new values, for a single reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Agents, newCfg.Agents) {
		changed = append(changed, "agents")
		attrs = append(attrs,
			logx.Duration("agents.timeout", newCfg.Agents.TimeoutDuration()),
			logx.Int("agents.max_concurrent", newCfg.Agents.MaxConcurrentOrDefault()),
			logx.Duration("agents.execution_interval", newCfg.Agents.ExecutionIntervalDuration()),
			logx.Int("agents.disabled", len(newCfg.Agents.Disabled)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.WorkersOrDefault()),
			logx.Int("scheduler.queue_size", newCfg.Scheduler.QueueSizeOrDefault()),
			logx.Int("scheduler.max_retries", newCfg.MaxRetries()),
			logx.Duration("scheduler.retry_backoff", newCfg.Scheduler.RetryBackoffDuration()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.NotifierEnabled()))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if oldCfg.ContextFile != newCfg.ContextFile {
		changed = append(changed, "context_file")
		attrs = append(attrs, logx.String("context_file", newCfg.ContextFile))
	}

	return changed, attrs
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
