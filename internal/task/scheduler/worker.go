package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"opsagent/internal/eventbus"
	logx "opsagent/pkg/logx"
)

func (s *Scheduler) dispatchLoop(ctx context.Context) error {
	timer := time.NewTimer(s.Config().DispatchInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.dispatch(s.now())
			timer.Reset(s.Config().DispatchInterval)
		}
	}
}

// dispatch pushes every due Pending job to its priority queue and marks it
// Running. A job whose queue is full stays Pending for the next scan.
func (s *Scheduler) dispatch(now time.Time) int {
	var full []string
	n := 0
	s.mu.Lock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.status != Pending || j.nextRun.After(now) {
			continue
		}
		if !CanTransition(j.status, Running) {
			continue
		}
		select {
		case s.queues[j.priority] <- id:
			s.setStatusLocked(j, Running)
			n++
		default:
			full = append(full, j.name)
		}
	}
	s.mu.Unlock()

	for _, name := range full {
		s.reportQueueFull(name)
	}
	return n
}

func (s *Scheduler) workerLoop(ctx context.Context, name string) error {
	for {
		// Fast-exit check so a cancelled context wins over queued work.
		if err := ctx.Err(); err != nil {
			return err
		}
		id, ok := s.next(ctx)
		if !ok {
			continue
		}
		s.runOne(ctx, id, name)
	}
}

// next takes the first queued job scanning Critical down to Low, then waits
// on all queues for at most PollInterval.
func (s *Scheduler) next(ctx context.Context) (JobID, bool) {
	for p := Critical; p >= Low; p-- {
		select {
		case id := <-s.queues[p]:
			return id, true
		default:
		}
	}

	timer := time.NewTimer(s.Config().PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", false
	case <-timer.C:
		return "", false
	case id := <-s.queues[Critical]:
		return id, true
	case id := <-s.queues[High]:
		return id, true
	case id := <-s.queues[Normal]:
		return id, true
	case id := <-s.queues[Low]:
		return id, true
	}
}

// runOne executes a dequeued job and records the outcome. Jobs cancelled
// while queued are skipped.
func (s *Scheduler) runOne(ctx context.Context, id JobID, worker string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.status != Running {
		s.mu.Unlock()
		return
	}
	started := s.now()
	j.lastRun = started
	r := j.run
	timeout := j.timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ev := s.jobEventLocked(j)
	s.mu.Unlock()

	ev.Worker = worker
	ev.Started = started
	s.publish(eventbus.JobStarted, ev)
	s.log.Debug("job started", logx.String("id", string(id)), logx.String("name", ev.Name), logx.String("worker", worker))

	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	res, err := s.invoke(runCtx, ev.Name, r)
	cancel()

	s.finish(ctx, id, res, err, started, worker)
}

// invoke runs r, converting a panic into an ErrJobPanic fault.
func (s *Scheduler) invoke(ctx context.Context, name string, r Runnable) (res any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("job panicked", logx.String("name", name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			res, err = nil, fmt.Errorf("%w: %v", ErrJobPanic, rec)
		}
	}()
	return r.Run(ctx)
}

func (s *Scheduler) finish(ctx context.Context, id JobID, res any, runErr error, started time.Time, worker string) {
	done := s.now()

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	typ := ""
	switch {
	case j.status == Cancelled:
		// Record the outcome for inspection; a cancelled job never runs again.
		j.lastResult = res
		if runErr != nil {
			j.lastError = runErr.Error()
		}

	case runErr != nil && ctx.Err() != nil:
		// Interrupted by shutdown: not a fault of the job.
		s.setStatusLocked(j, Pending)

	case runErr == nil:
		j.lastResult = res
		j.lastError = ""
		j.retryCount = 0
		if j.oneShot {
			s.setStatusLocked(j, Completed)
			typ = eventbus.JobCompleted
			break
		}
		next := j.spec.Next(done)
		if next.IsZero() {
			// Recurring schedule with no future occurrence: stop here rather
			// than leave a job that is due forever.
			runErr = NoRetry(ErrScheduleDone)
			j.lastError = ErrScheduleDone.Error()
			s.setStatusLocked(j, Failed)
			typ = eventbus.JobFailed
			break
		}
		j.nextRun = next
		if s.setStatusLocked(j, Completed) {
			s.setStatusLocked(j, Pending)
		}
		typ = eventbus.JobCompleted

	default:
		j.lastError = runErr.Error()
		if IsNoRetry(runErr) || j.retryCount >= j.maxRetries {
			s.setStatusLocked(j, Failed)
			typ = eventbus.JobFailed
			break
		}
		j.retryCount++
		delay := time.Duration(j.retryCount) * s.cfg.RetryBackoff
		if hint, ok := retryHint(runErr); ok {
			delay = hint
		}
		j.nextRun = done.Add(delay)
		s.setStatusLocked(j, Pending)
		typ = eventbus.JobRetry
	}
	ev := s.jobEventLocked(j)
	status := j.status
	s.mu.Unlock()

	if typ == "" {
		return
	}
	ev.Worker = worker
	ev.Started = started
	ev.Duration = done.Sub(started)

	fields := []logx.Field{
		logx.String("id", string(id)),
		logx.String("name", ev.Name),
		logx.String("status", status.String()),
		logx.Duration("took", ev.Duration),
	}
	switch typ {
	case eventbus.JobCompleted:
		s.log.Debug("job completed", append(fields, logx.Time("next_run", ev.NextRun))...)
	case eventbus.JobRetry:
		s.log.Warn("job failed, retrying", append(fields, logx.Int("retry", ev.RetryCount), logx.Time("next_run", ev.NextRun), logx.Err(runErr))...)
	case eventbus.JobFailed:
		s.log.Error("job failed", append(fields, logx.Int("retries", ev.RetryCount), logx.Bool("no_retry", IsNoRetry(runErr)), logx.Err(runErr))...)
	}
	s.publish(typ, ev)
}
