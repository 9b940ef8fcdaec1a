package scheduler

import (
	"time"

	logx "opsagent/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportQueueFull logs at most one warning per job name per throttle window.
func (s *Scheduler) reportQueueFull(name string) {
	now := time.Now()
	s.warnMu.Lock()
	s.queueFull++
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("job queue full, dispatch deferred", logx.String("job", name))
}
