package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Agent is a pluggable analysis capability. Implementations return an error
// (or panic) to signal a fault; the owning Unit converts faults to a failed
// Result, so nothing escapes the agent boundary.
//
// Analyze and Optimize run sequentially and should honour ctx: the registry
// cancels it when the per-agent timeout expires.
type Agent interface {
	Name() string
	Description() string
	Analyze(ctx context.Context, c Context) (Result, error)
	Optimize(ctx context.Context, c Context) (Result, error)
}

// Status is the lifecycle state of a Unit.
type Status uint8

const (
	StatusIdle Status = iota
	StatusRunning
	StatusError
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusError:
		return "error"
	case StatusDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CanTransition reports whether a unit may move from one status to another.
//
//	idle     -> running | disabled
//	running  -> idle | error | disabled
//	error    -> running | idle | disabled
//	disabled -> idle
func CanTransition(from, to Status) bool {
	switch from {
	case StatusIdle:
		return to == StatusRunning || to == StatusDisabled
	case StatusRunning:
		return to == StatusIdle || to == StatusError || to == StatusDisabled
	case StatusError:
		return to == StatusRunning || to == StatusIdle || to == StatusDisabled
	case StatusDisabled:
		return to == StatusIdle
	default:
		return false
	}
}

// Payload is the loosely typed execution input accepted by the registry.
// Recognised keys are the Key* constants; anything else is ignored.
type Payload map[string]any

const (
	KeyInfrastructure = "infrastructure"
	KeyMetrics        = "metrics"
	KeyCost           = "cost"
	KeySecurity       = "security"
	KeyPreferences    = "preferences"
)

// Context is the input bundle handed to an agent. Agents must treat the maps
// as read-only.
type Context struct {
	Infrastructure map[string]any `json:"infrastructure_data"`
	Metrics        map[string]any `json:"metrics_data"`
	Cost           map[string]any `json:"cost_data"`
	Security       map[string]any `json:"security_data"`
	Preferences    map[string]any `json:"user_preferences"`
	ExecutionID    string         `json:"execution_id"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Validate checks the required fields.
func (c Context) Validate() error {
	switch {
	case c.Infrastructure == nil:
		return fmt.Errorf("%w: missing %q", ErrInvalidContext, KeyInfrastructure)
	case c.Metrics == nil:
		return fmt.Errorf("%w: missing %q", ErrInvalidContext, KeyMetrics)
	case c.ExecutionID == "":
		return fmt.Errorf("%w: missing execution id", ErrInvalidContext)
	}
	return nil
}

// NewContext builds a Context from a payload. Required sections must be
// present and be objects; optional sections default to empty maps.
func NewContext(p Payload, executionID string, ts time.Time) (Context, error) {
	c := Context{ExecutionID: executionID, Timestamp: ts}
	var err error
	if c.Infrastructure, err = section(p, KeyInfrastructure, true); err != nil {
		return Context{}, err
	}
	if c.Metrics, err = section(p, KeyMetrics, true); err != nil {
		return Context{}, err
	}
	if c.Cost, err = section(p, KeyCost, false); err != nil {
		return Context{}, err
	}
	if c.Security, err = section(p, KeySecurity, false); err != nil {
		return Context{}, err
	}
	if c.Preferences, err = section(p, KeyPreferences, false); err != nil {
		return Context{}, err
	}
	return c, c.Validate()
}

func section(p Payload, key string, required bool) (map[string]any, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		if required {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidContext, key)
		}
		return map[string]any{}, nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return maps.Clone(v), nil
	case Payload:
		return maps.Clone(map[string]any(v)), nil
	default:
		return nil, fmt.Errorf("%w: %q must be an object, got %T", ErrInvalidContext, key, raw)
	}
}

// Recommendation is advice surfaced to operators.
type Recommendation struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Impact      string   `json:"impact"`
	Actions     []string `json:"actions"`
}

// Action is a concrete change an agent proposes.
type Action struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Resource        string `json:"resource"`
	Change          any    `json:"change"`
	Priority        string `json:"priority"`
	EstimatedImpact string `json:"estimated_impact"`
}

// Result is the outcome of an agent call. Failures are data: Success is
// false, ErrorMessage is set, and Err keeps the typed cause for errors.Is.
type Result struct {
	Success         bool
	Data            map[string]any
	Recommendations []Recommendation
	Actions         []Action
	ErrorMessage    string
	Err             error
	ExecutionTime   time.Duration
}

// Failure converts err into a failed Result.
func Failure(err error) Result {
	r := Result{Data: map[string]any{}}
	if err != nil {
		r.Err = err
		r.ErrorMessage = err.Error()
	}
	return r
}

type resultJSON struct {
	Success         bool             `json:"success"`
	Data            map[string]any   `json:"data"`
	Recommendations []Recommendation `json:"recommendations"`
	Actions         []Action         `json:"actions"`
	ErrorMessage    *string          `json:"error_message"`
	ExecutionTime   float64          `json:"execution_time"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Success:         r.Success,
		Data:            r.Data,
		Recommendations: r.Recommendations,
		Actions:         r.Actions,
		ExecutionTime:   r.ExecutionTime.Seconds(),
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	if out.Recommendations == nil {
		out.Recommendations = []Recommendation{}
	}
	if out.Actions == nil {
		out.Actions = []Action{}
	}
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		out.ErrorMessage = &msg
	}
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var in resultJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = Result{
		Success:         in.Success,
		Data:            in.Data,
		Recommendations: in.Recommendations,
		Actions:         in.Actions,
		ExecutionTime:   time.Duration(in.ExecutionTime * float64(time.Second)),
	}
	if in.ErrorMessage != nil {
		r.ErrorMessage = *in.ErrorMessage
	}
	return nil
}
