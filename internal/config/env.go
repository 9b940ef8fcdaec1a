package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables onto cfg. Integer durations are
// seconds. Unset or blank variables leave the field alone.
//
//	LOG_LEVEL                  logging.level
//	AGENT_TIMEOUT              agents.timeout
//	MAX_CONCURRENT_AGENTS      agents.max_concurrent
//	AGENT_EXECUTION_INTERVAL   agents.execution_interval
//	MAX_WORKERS                scheduler.workers
//	AWS_COST_ALERT_THRESHOLD   agents.thresholds.cost_budget
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := get("AGENT_TIMEOUT"); ok {
		if _, err := ParseDurationField("AGENT_TIMEOUT", v); err != nil {
			errs = append(errs, err)
		} else {
			cfg.Agents.Timeout = v
		}
	}
	if v, ok := get("AGENT_EXECUTION_INTERVAL"); ok {
		if _, err := ParseDurationField("AGENT_EXECUTION_INTERVAL", v); err != nil {
			errs = append(errs, err)
		} else {
			cfg.Agents.ExecutionInterval = v
		}
	}
	if v, ok := get("MAX_CONCURRENT_AGENTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("MAX_CONCURRENT_AGENTS: invalid value %q", v))
		} else {
			cfg.Agents.MaxConcurrent = n
		}
	}
	if v, ok := get("MAX_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("MAX_WORKERS: invalid value %q", v))
		} else {
			cfg.Scheduler.Workers = n
		}
	}
	if v, ok := get("AWS_COST_ALERT_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("AWS_COST_ALERT_THRESHOLD: invalid value %q", v))
		} else {
			cfg.Agents.Thresholds.CostBudget = f
		}
	}
	return errors.Join(errs...)
}
