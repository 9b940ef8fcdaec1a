package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"opsagent/internal/eventbus"
	logx "opsagent/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultMaxConcurrent = 10
)

// Config controls execution limits. Zero values mean defaults.
type Config struct {
	Timeout       time.Duration
	MaxConcurrent int
}

func (c Config) normalized() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Registry maps names to units and executes them with a per-call timeout and
// a shared concurrency cap.
type Registry struct {
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func(name string) string

	unitOpts []UnitOption

	mu    sync.RWMutex
	units map[string]*Unit
	cfg   Config
	sem   *semaphore.Weighted
}

type RegistryOption func(*Registry)

// WithRegistryClock sets the clock used for context timestamps and for the
// duration accounting of units registered afterwards.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
			r.unitOpts = append(r.unitOpts, WithClock(now))
		}
	}
}

// WithExecutionIDs overrides execution id generation.
func WithExecutionIDs(fn func(name string) string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func NewRegistry(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...RegistryOption) *Registry {
	cfg = cfg.normalized()
	r := &Registry{
		log:   log.With(logx.String("comp", "registry")),
		bus:   bus,
		now:   time.Now,
		newID: func(name string) string { return name + "_" + uuid.NewString() },
		units: map[string]*Unit{},
		cfg:   cfg,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Apply swaps limits at runtime. Calls already holding a permit release it
// to the semaphore they acquired from.
func (r *Registry) Apply(cfg Config) {
	cfg = cfg.normalized()
	r.mu.Lock()
	if cfg.MaxConcurrent != r.cfg.MaxConcurrent {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	r.cfg = cfg
	r.mu.Unlock()
	r.log.Info("registry limits applied", logx.Duration("timeout", cfg.Timeout), logx.Int("max_concurrent", cfg.MaxConcurrent))
}

func (r *Registry) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

func (r *Registry) Register(a Agent) error {
	if a == nil || a.Name() == "" {
		return errors.New("agent: name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[a.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.Name())
	}
	opts := append([]UnitOption{WithUnitLogger(r.log)}, r.unitOpts...)
	r.units[a.Name()] = NewUnit(a, opts...)
	r.log.Info("agent registered", logx.String("agent", a.Name()))
	return nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	delete(r.units, name)
	r.log.Info("agent unregistered", logx.String("agent", name))
	return nil
}

func (r *Registry) unit(name string) *Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[name]
}

// Names returns registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.units))
	for name := range r.units {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Execute runs one agent. The checks happen in order: registered, enabled,
// valid payload. The unit then runs under the configured timeout; on expiry
// the call returns a timeout Result without waiting for the unit, whose
// context is cancelled.
func (r *Registry) Execute(ctx context.Context, name string, p Payload) Result {
	res, id := r.execute(ctx, name, p)
	r.publish(name, id, res)
	return res
}

func (r *Registry) execute(ctx context.Context, name string, p Payload) (Result, string) {
	u := r.unit(name)
	if u == nil {
		return Failure(fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)), ""
	}
	if !u.Enabled() {
		return Failure(fmt.Errorf("agent %q: %w", name, ErrAgentDisabled)), ""
	}
	c, err := NewContext(p, r.newID(name), r.now())
	if err != nil {
		return Failure(fmt.Errorf("agent %q: %w", name, err)), ""
	}

	timeout := r.Config().Timeout
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("agent execution panicked", logx.String("agent", name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
				done <- Failure(fmt.Errorf("%w: panic: %v", ErrAgentFault, rec))
			}
		}()
		done <- u.Execute(runCtx, c)
	}()

	select {
	case res := <-done:
		return res, c.ExecutionID
	case <-runCtx.Done():
		if err := ctx.Err(); err != nil {
			return Failure(fmt.Errorf("agent %q: %w", name, err)), c.ExecutionID
		}
		r.log.Warn("agent execution timed out", logx.String("agent", name), logx.String("execution_id", c.ExecutionID), logx.Duration("timeout", timeout))
		res := Failure(fmt.Errorf("agent %q: %w after %gs", name, ErrAgentTimeout, timeout.Seconds()))
		res.ExecutionTime = timeout
		return res, c.ExecutionID
	}
}

// ExecuteAll runs every enabled agent with at most MaxConcurrent in flight.
// The result has one entry per agent enabled at call time; a fault in one
// agent never affects the others.
func (r *Registry) ExecuteAll(ctx context.Context, p Payload) map[string]Result {
	r.mu.RLock()
	names := make([]string, 0, len(r.units))
	for name, u := range r.units {
		if u.Enabled() {
			names = append(names, name)
		}
	}
	sem := r.sem
	r.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]Result, len(names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	set := func(name string, res Result) {
		mu.Lock()
		out[name] = res
		mu.Unlock()
	}

	for _, name := range names {
		if err := sem.Acquire(ctx, 1); err != nil {
			res := Failure(fmt.Errorf("agent %q: %w", name, err))
			r.publish(name, "", res)
			set(name, res)
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sem.Release(1)
			res := func() (res Result) {
				defer func() {
					if rec := recover(); rec != nil {
						res = Failure(fmt.Errorf("%w: panic: %v", ErrAgentFault, rec))
					}
				}()
				return r.Execute(ctx, name, p)
			}()
			set(name, res)
		}(name)
	}
	wg.Wait()

	ok := 0
	for _, res := range out {
		if res.Success {
			ok++
		}
	}
	r.log.Info("agent cycle finished", logx.Int("agents", len(out)), logx.Int("succeeded", ok))
	return out
}

func (r *Registry) publish(name, executionID string, res Result) {
	if r.bus == nil {
		return
	}
	ev := eventbus.AgentEvent{
		Name:        name,
		ExecutionID: executionID,
		Success:     res.Success,
		Duration:    res.ExecutionTime,
		Error:       res.ErrorMessage,
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.AgentExecuted, Data: ev})
}

func (r *Registry) Enable(name string) bool {
	u := r.unit(name)
	if u == nil {
		return false
	}
	u.Enable()
	return true
}

func (r *Registry) Disable(name string) bool {
	u := r.unit(name)
	if u == nil {
		return false
	}
	u.Disable()
	return true
}

func (r *Registry) Reset(name string) bool {
	u := r.unit(name)
	if u == nil {
		return false
	}
	u.Reset()
	return true
}

func (r *Registry) Health(name string) (Health, bool) {
	u := r.unit(name)
	if u == nil {
		return Health{}, false
	}
	return u.Health(), true
}

// OverallHealth aggregates every unit. Healthy counts enabled units whose
// status is not Error.
type OverallHealth struct {
	Total    int               `json:"total"`
	Enabled  int               `json:"enabled"`
	Healthy  int               `json:"healthy"`
	PerAgent map[string]Health `json:"per_agent"`
}

func (r *Registry) OverallHealth() OverallHealth {
	list := r.List()
	oh := OverallHealth{Total: len(list), PerAgent: make(map[string]Health, len(list))}
	for _, h := range list {
		oh.PerAgent[h.Name] = h
		if h.Enabled {
			oh.Enabled++
			if h.Status != StatusError {
				oh.Healthy++
			}
		}
	}
	return oh
}

// List returns a health snapshot per unit, sorted by name.
func (r *Registry) List() []Health {
	r.mu.RLock()
	units := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.RUnlock()
	out := make([]Health, 0, len(units))
	for _, u := range units {
		out = append(out, u.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
