package platform

import (
	"context"
	"slices"
	"strings"
	"time"

	"opsagent/internal/config"
	logx "opsagent/pkg/logx"
)

func (p *Platform) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := p.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			p.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes the runtime-adjustable parts of newCfg into every component.
func (p *Platform) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		p.log.Info("config reloaded (no changes)")
		return
	}

	if slices.Contains(sections, "storage") {
		p.log.Warn("storage config changed; restart required for changes to take effect")
	}

	// Logging first so the rest of the reload logs at the new level.
	p.logs.Apply(newCfg.Logging.LogxConfig())

	p.reg.Apply(mapAgentConfig(newCfg))
	p.applyDisabled(oldCfg, newCfg)
	p.rescheduleExecutionCycle(newCfg.Agents.ExecutionIntervalDuration())

	if sc := mapSchedulerConfig(newCfg); sc.Workers != p.sched.Config().Workers || sc.QueueSize != p.sched.Config().QueueSize {
		p.log.Warn("scheduler workers/queue_size changed; restart required for changes to take effect")
	}
	p.sched.Apply(mapSchedulerConfig(newCfg))

	prevNotif := p.notif.Enabled()
	ncfg := mapNotifierConfig(newCfg)
	p.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		p.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		p.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		p.log.Info("notifier enabled via config")
		p.notif.Start(ctx)
	}

	p.msrv.Reconfigure(ctx, mapMetricsConfig(newCfg))
	p.fileSrc.SetPath(newCfg.ContextFile)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	p.log.Info("config reloaded", fields...)
}

// applyDisabled reconciles agents.disabled: newly listed agents are disabled
// and agents removed from the list are enabled again.
func (p *Platform) applyDisabled(oldCfg, newCfg *config.Config) {
	for _, name := range p.reg.Names() {
		was := oldCfg != nil && oldCfg.Agents.IsDisabled(name)
		now := newCfg.Agents.IsDisabled(name)
		switch {
		case now && !was:
			p.reg.Disable(name)
		case was && !now:
			p.reg.Enable(name)
		}
	}
}
