package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"opsagent/internal/eventbus"
	"opsagent/internal/runtime/supervisor"
	logx "opsagent/pkg/logx"

	"github.com/google/uuid"
)

// Scheduler owns the job table, the priority queues and the loops that move
// jobs between them.
type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() JobID

	mu      sync.Mutex
	cfg     Config
	jobs    map[JobID]*job
	order   []JobID
	started bool
	stopped bool
	sup     *supervisor.Supervisor

	queues [numPriorities]chan JobID

	// Queue-full warning throttling, keyed by job name.
	warnMu      sync.Mutex
	lastEnqWarn map[string]time.Time
	queueFull   uint64
}

type Option func(*Scheduler)

// WithClock replaces time.Now for due checks and NextRun arithmetic.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJobIDs overrides job id generation.
func WithJobIDs(fn func() JobID) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		log:         log.With(logx.String("comp", "scheduler")),
		bus:         bus,
		now:         time.Now,
		newID:       func() JobID { return JobID(uuid.NewString()) },
		cfg:         cfg,
		jobs:        map[JobID]*job{},
		lastEnqWarn: map[string]time.Time{},
	}
	for i := range s.queues {
		s.queues[i] = make(chan JobID, cfg.QueueSize)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the runtime-adjustable settings. Worker count and queue size
// only change on the next process start.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	old := s.cfg
	cfg.Workers = old.Workers
	cfg.QueueSize = old.QueueSize
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("scheduler config applied",
		logx.Duration("dispatch_interval", cfg.DispatchInterval),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Duration("retry_backoff", cfg.RetryBackoff),
	)
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the dispatch loop and the worker pool under a supervisor
// derived from ctx. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	workers := s.cfg.Workers
	s.mu.Unlock()

	sup.GoRestart("scheduler.dispatch", s.dispatchLoop, 250*time.Millisecond, 10*time.Second)
	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker-%d", i)
		sup.GoRestart("scheduler."+name, func(ctx context.Context) error {
			return s.workerLoop(ctx, name)
		}, 250*time.Millisecond, 10*time.Second)
	}
	s.log.Info("scheduler started", logx.Int("workers", workers), logx.Int("jobs", s.count()))
	return nil
}

// Stop halts the loops and waits for in-flight runs (bounded by ctx). Jobs
// interrupted by the shutdown, and jobs still waiting in a queue, go back to
// Pending. Stop is final.
func (s *Scheduler) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	sup := s.sup
	s.mu.Unlock()

	var err error
	if sup != nil {
		err = sup.Stop(ctx)
	}
	requeued := s.drainQueues()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)), logx.Int("requeued", requeued))
	return err
}

// drainQueues empties every priority queue and returns the dequeued Running
// jobs to Pending.
func (s *Scheduler) drainQueues() int {
	n := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := Critical; p >= Low; p-- {
	drain:
		for {
			select {
			case id := <-s.queues[p]:
				if j, ok := s.jobs[id]; ok && j.status == Running && s.setStatusLocked(j, Pending) {
					n++
				}
			default:
				break drain
			}
		}
	}
	return n
}

// setStatusLocked applies a status change allowed by CanTransition. Illegal
// changes are logged and dropped.
func (s *Scheduler) setStatusLocked(j *job, to JobStatus) bool {
	if !CanTransition(j.status, to) {
		s.log.Warn("illegal job status transition ignored",
			logx.String("id", string(j.id)),
			logx.String("name", j.name),
			logx.String("from", j.status.String()),
			logx.String("to", to.String()),
		)
		return false
	}
	j.status = to
	return true
}

// Schedule registers a job and returns its id. The first run is due at
// spec.Next(now).
func (s *Scheduler) Schedule(name string, r Runnable, spec string, prio Priority, opts ...JobOption) (JobID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if r == nil {
		return "", ErrNilRunnable
	}
	if !prio.valid() {
		return "", fmt.Errorf("%w: %d", ErrInvalidPriority, int(prio))
	}
	sp, err := ParseSchedule(spec)
	if err != nil {
		return "", err
	}
	var o jobOptions
	for _, fn := range opts {
		fn(&o)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	j := &job{
		id:         s.newID(),
		name:       name,
		run:        r,
		spec:       sp,
		priority:   prio,
		status:     Pending,
		createdAt:  now,
		nextRun:    sp.Next(now),
		maxRetries: s.cfg.MaxRetries,
		timeout:    o.timeout,
		oneShot:    o.oneShot || !sp.Recurring(),
	}
	if o.maxRetries != nil {
		j.maxRetries = *o.maxRetries
	}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)

	s.log.Debug("job scheduled",
		logx.String("id", string(j.id)),
		logx.String("name", name),
		logx.String("spec", sp.Raw),
		logx.String("kind", sp.Kind.String()),
		logx.String("priority", prio.String()),
		logx.Time("next_run", j.nextRun),
	)
	return j.id, nil
}

// Cancel marks a Pending or Running job Cancelled. A run already in progress
// is not interrupted, but its outcome no longer reschedules the job.
func (s *Scheduler) Cancel(id JobID) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || (j.status != Pending && j.status != Running) || !s.setStatusLocked(j, Cancelled) {
		s.mu.Unlock()
		return false
	}
	ev := s.jobEventLocked(j)
	s.mu.Unlock()

	s.log.Info("job cancelled", logx.String("id", string(id)), logx.String("name", ev.Name))
	s.publish(eventbus.JobCancelled, ev)
	return true
}

func (s *Scheduler) Status(id JobID) (JobSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobSnapshot{}, false
	}
	return j.snapshot(), true
}

// ListJobs returns every job in creation order. Jobs are never removed.
func (s *Scheduler) ListJobs() []JobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobSnapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].snapshot())
	}
	return out
}

// Stats is a point-in-time view for metrics and health output.
type Stats struct {
	Jobs           map[JobStatus]int
	Queued         map[Priority]int
	QueueCap       int
	Workers        int
	QueueFullSkips uint64
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Jobs:     map[JobStatus]int{},
		Queued:   map[Priority]int{},
		QueueCap: s.cfg.QueueSize,
		Workers:  s.cfg.Workers,
	}
	for _, j := range s.jobs {
		st.Jobs[j.status]++
	}
	s.mu.Unlock()
	for p := Low; p <= Critical; p++ {
		st.Queued[p] = len(s.queues[p])
	}
	s.warnMu.Lock()
	st.QueueFullSkips = s.queueFull
	s.warnMu.Unlock()
	return st
}

func (s *Scheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) jobEventLocked(j *job) eventbus.JobEvent {
	return eventbus.JobEvent{
		ID:         string(j.id),
		Name:       j.name,
		Priority:   j.priority.String(),
		RetryCount: j.retryCount,
		NextRun:    j.nextRun,
		Error:      j.lastError,
	}
}

func (s *Scheduler) publish(typ string, ev eventbus.JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
