package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type JobID string

// Priority selects the queue a due job is pushed to. Higher priorities are
// drained first; running jobs are never preempted.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical

	numPriorities = int(Critical) + 1
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p Priority) valid() bool { return p >= Low && p <= Critical }

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	default:
		return Normal, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

type JobStatus int

const (
	Pending JobStatus = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s JobStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s JobStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool { return s == Failed || s == Cancelled }

// CanTransition reports whether from -> to is a legal job state change.
// Completed is terminal only for one-shot jobs; recurring jobs move on to
// Pending after recording their result.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case Pending:
		return to == Running || to == Cancelled
	case Running:
		return to == Completed || to == Pending || to == Failed || to == Cancelled
	case Completed:
		return to == Pending
	default:
		return false
	}
}

// Runnable is the unit of work a job executes.
type Runnable interface {
	Run(ctx context.Context) (any, error)
}

type RunnableFunc func(ctx context.Context) (any, error)

func (f RunnableFunc) Run(ctx context.Context) (any, error) { return f(ctx) }

// JobSnapshot is a copy of a job's state for inspection.
type JobSnapshot struct {
	ID         JobID      `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Priority   Priority   `json:"priority"`
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	NextRun    time.Time  `json:"next_run"`
	LastRun    *time.Time `json:"last_run"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	LastResult any        `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Recurring  bool       `json:"recurring"`
}

const (
	DefaultWorkers          = 4
	DefaultQueueSize        = 1000
	DefaultDispatchInterval = time.Second
	DefaultPollInterval     = time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoff     = 5 * time.Minute
)

// Config controls the scheduler. Workers and QueueSize take effect at Start;
// the rest can be changed with Apply.
type Config struct {
	Workers          int
	QueueSize        int
	DispatchInterval time.Duration
	PollInterval     time.Duration
	// DefaultTimeout bounds a single run when the job sets none. Zero means
	// no timeout.
	DefaultTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:          DefaultWorkers,
		QueueSize:        DefaultQueueSize,
		DispatchInterval: DefaultDispatchInterval,
		PollInterval:     DefaultPollInterval,
		MaxRetries:       DefaultMaxRetries,
		RetryBackoff:     DefaultRetryBackoff,
	}
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DefaultDispatchInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

type jobOptions struct {
	maxRetries *int
	timeout    time.Duration
	oneShot    bool
}

type JobOption func(*jobOptions)

// WithMaxRetries overrides the configured retry budget for one job.
func WithMaxRetries(n int) JobOption {
	return func(o *jobOptions) {
		if n >= 0 {
			o.maxRetries = &n
		}
	}
}

// WithTimeout bounds each run of the job.
func WithTimeout(d time.Duration) JobOption {
	return func(o *jobOptions) { o.timeout = d }
}

// OneShot runs the job once; a successful run leaves it Completed.
func OneShot() JobOption {
	return func(o *jobOptions) { o.oneShot = true }
}

type job struct {
	id         JobID
	name       string
	run        Runnable
	spec       Spec
	priority   Priority
	status     JobStatus
	createdAt  time.Time
	nextRun    time.Time
	lastRun    time.Time
	retryCount int
	maxRetries int
	lastResult any
	lastError  string
	timeout    time.Duration
	oneShot    bool
}

func (j *job) snapshot() JobSnapshot {
	snap := JobSnapshot{
		ID:         j.id,
		Name:       j.name,
		Schedule:   j.spec.Raw,
		Priority:   j.priority,
		Status:     j.status,
		CreatedAt:  j.createdAt,
		NextRun:    j.nextRun,
		RetryCount: j.retryCount,
		MaxRetries: j.maxRetries,
		LastResult: j.lastResult,
		LastError:  j.lastError,
		Recurring:  !j.oneShot,
	}
	if !j.lastRun.IsZero() {
		t := j.lastRun
		snap.LastRun = &t
	}
	return snap
}
