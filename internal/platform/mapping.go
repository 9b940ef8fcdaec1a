package platform

import (
	"strings"
	"time"

	"opsagent/internal/agent"
	"opsagent/internal/config"
	"opsagent/internal/metrics"
	"opsagent/internal/notifier"
	"opsagent/internal/storage"
	"opsagent/internal/task/scheduler"
)

func mapAgentConfig(cfg *config.Config) agent.Config {
	return agent.Config{
		Timeout:       cfg.Agents.TimeoutDuration(),
		MaxConcurrent: cfg.Agents.MaxConcurrentOrDefault(),
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	s := cfg.Scheduler
	return scheduler.Config{
		Workers:          s.WorkersOrDefault(),
		QueueSize:        s.QueueSizeOrDefault(),
		DispatchInterval: s.DispatchIntervalDuration(),
		PollInterval:     s.PollIntervalDuration(),
		DefaultTimeout:   s.DefaultTimeoutDuration(),
		MaxRetries:       cfg.MaxRetries(),
		RetryBackoff:     s.RetryBackoffDuration(),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Enabled:       cfg.NotifierEnabled(),
		Workers:       1,
		QueueSize:     n.QueueSizeOrDefault(),
		RatePerSec:    n.RateOrDefault(),
		RetryMax:      3,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		DedupWindow:   n.DedupWindowDuration(),
	}
}

// mapStorageConfig reports enabled=false when the section is absent or the
// driver is one of the "off" spellings.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false
	}
	busy := sc.BusyTimeoutDuration()
	if busy <= 0 && (driver == "sqlite" || driver == "sqlite3") {
		busy = time.Second
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		MaxEntries:  sc.MaxEntries,
	}, true
}

func mapMetricsConfig(cfg *config.Config) metrics.ServerConfig {
	m := cfg.Metrics
	addr := strings.TrimSpace(m.Addr)
	if addr == "" {
		addr = config.DefaultMetricsAddr
	}
	return metrics.ServerConfig{
		Enabled:       m.Enabled,
		Addr:          addr,
		Token:         m.Token,
		AllowInsecure: m.AllowInsecure,
		Pprof:         m.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

func metricsNamespace(cfg *config.Config) string {
	if ns := strings.TrimSpace(cfg.Metrics.Namespace); ns != "" {
		return ns
	}
	return "opsagent"
}
