package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "opsagent/pkg/logx"
)

// Unit owns an Agent together with its lifecycle flags and running
// statistics. All counters are guarded by mu; a late completion after a
// registry timeout still updates them (last writer wins).
type Unit struct {
	agent Agent
	now   func() time.Time
	log   logx.Logger

	mu            sync.Mutex
	enabled       bool
	status        Status
	running       int  // overlapping Execute calls
	batchFault    bool // a fault among the overlapping calls
	executions    int
	errors        int
	total         time.Duration
	lastExecution time.Time
}

type UnitOption func(*Unit)

// WithClock replaces time.Now for duration accounting.
func WithClock(now func() time.Time) UnitOption {
	return func(u *Unit) {
		if now != nil {
			u.now = now
		}
	}
}

func WithUnitLogger(log logx.Logger) UnitOption {
	return func(u *Unit) { u.log = log }
}

func NewUnit(a Agent, opts ...UnitOption) *Unit {
	u := &Unit{agent: a, now: time.Now, enabled: true, status: StatusIdle}
	for _, o := range opts {
		o(u)
	}
	u.log = u.log.With(logx.String("agent", a.Name()))
	return u
}

func (u *Unit) Name() string        { return u.agent.Name() }
func (u *Unit) Description() string { return u.agent.Description() }

func (u *Unit) Enabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enabled
}

func (u *Unit) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Execute runs Analyze then Optimize and merges the two results. It never
// panics and never returns an error: faults become a failed Result.
func (u *Unit) Execute(ctx context.Context, c Context) Result {
	u.mu.Lock()
	if !u.enabled {
		u.mu.Unlock()
		return Failure(fmt.Errorf("agent %q: %w", u.Name(), ErrAgentDisabled))
	}
	u.running++
	u.setStatusLocked(StatusRunning)
	u.mu.Unlock()

	u.log.Debug("agent execution started", logx.String("execution_id", c.ExecutionID))
	start := u.now()
	res, fault := u.run(ctx, c)
	end := u.now()
	elapsed := end.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	res.ExecutionTime = elapsed

	u.mu.Lock()
	u.executions++
	u.total += elapsed
	u.lastExecution = end
	if fault != nil {
		u.errors++
		u.batchFault = true
	}
	u.running--
	// The status settles when the last overlapping run ends. A unit disabled
	// mid-run stays disabled.
	if u.running == 0 {
		if u.enabled {
			if u.batchFault {
				u.setStatusLocked(StatusError)
			} else {
				u.setStatusLocked(StatusIdle)
			}
		}
		u.batchFault = false
	}
	u.mu.Unlock()

	if fault != nil {
		u.log.Error("agent execution failed", logx.String("execution_id", c.ExecutionID), logx.Duration("took", elapsed), logx.Err(fault))
	} else {
		u.log.Info("agent execution completed", logx.String("execution_id", c.ExecutionID), logx.Duration("took", elapsed), logx.Bool("success", res.Success))
	}
	return res
}

func (u *Unit) run(ctx context.Context, c Context) (res Result, fault error) {
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("%w: panic: %v", ErrAgentFault, r)
			res = Failure(fault)
			u.log.Error("agent panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	a, err := u.agent.Analyze(ctx, c)
	if err != nil {
		fault = fmt.Errorf("%w: analyze: %w", ErrAgentFault, err)
		return Failure(fault), fault
	}
	o, err := u.agent.Optimize(ctx, c)
	if err != nil {
		fault = fmt.Errorf("%w: optimize: %w", ErrAgentFault, err)
		return Failure(fault), fault
	}
	return merge(a, o), nil
}

func merge(a, o Result) Result {
	out := Result{
		Success: a.Success && o.Success,
		Data: map[string]any{
			"analysis":     orEmpty(a.Data),
			"optimization": orEmpty(o.Data),
		},
		Recommendations: append(append([]Recommendation{}, a.Recommendations...), o.Recommendations...),
		Actions:         append(append([]Action{}, a.Actions...), o.Actions...),
	}
	switch {
	case a.ErrorMessage != "" && o.ErrorMessage != "":
		out.ErrorMessage = a.ErrorMessage + "; " + o.ErrorMessage
	case a.ErrorMessage != "":
		out.ErrorMessage = a.ErrorMessage
	default:
		out.ErrorMessage = o.ErrorMessage
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Enable is idempotent: an enabled unit keeps its status, so an Error is
// only cleared by a fault-free run.
func (u *Unit) Enable() {
	u.mu.Lock()
	if u.enabled {
		u.mu.Unlock()
		return
	}
	u.enabled = true
	u.setStatusLocked(StatusIdle)
	if u.running > 0 {
		u.setStatusLocked(StatusRunning)
	}
	u.mu.Unlock()
	u.log.Info("agent enabled")
}

// Disable is idempotent.
func (u *Unit) Disable() {
	u.mu.Lock()
	if !u.enabled {
		u.mu.Unlock()
		return
	}
	u.enabled = false
	u.setStatusLocked(StatusDisabled)
	u.mu.Unlock()
	u.log.Info("agent disabled")
}

// setStatusLocked applies a status change allowed by CanTransition. Illegal
// changes are logged and dropped.
func (u *Unit) setStatusLocked(to Status) bool {
	if u.status == to {
		return true
	}
	if !CanTransition(u.status, to) {
		u.log.Warn("illegal agent status transition ignored", logx.String("from", u.status.String()), logx.String("to", to.String()))
		return false
	}
	u.status = to
	return true
}

// Reset zeroes the statistics. Status and enabled are kept.
func (u *Unit) Reset() {
	u.mu.Lock()
	u.executions = 0
	u.errors = 0
	u.total = 0
	u.lastExecution = time.Time{}
	u.mu.Unlock()
	u.log.Info("agent statistics reset")
}

// Health is a snapshot of a unit's descriptor. Times are in seconds.
type Health struct {
	Name               string     `json:"name"`
	Description        string     `json:"description"`
	Enabled            bool       `json:"enabled"`
	Status             Status     `json:"status"`
	ExecutionCount     int        `json:"execution_count"`
	ErrorCount         int        `json:"error_count"`
	TotalExecutionTime float64    `json:"total_execution_time"`
	AvgExecutionTime   float64    `json:"avg_execution_time"`
	LastExecution      *time.Time `json:"last_execution"`
	SuccessRate        float64    `json:"success_rate"`
}

func (u *Unit) Health() Health {
	u.mu.Lock()
	defer u.mu.Unlock()
	h := Health{
		Name:               u.Name(),
		Description:        u.Description(),
		Enabled:            u.enabled,
		Status:             u.status,
		ExecutionCount:     u.executions,
		ErrorCount:         u.errors,
		TotalExecutionTime: u.total.Seconds(),
		SuccessRate:        float64(u.executions-u.errors) / float64(max(u.executions, 1)),
	}
	if u.executions > 0 {
		h.AvgExecutionTime = h.TotalExecutionTime / float64(u.executions)
	}
	if !u.lastExecution.IsZero() {
		t := u.lastExecution
		h.LastExecution = &t
	}
	return h
}
