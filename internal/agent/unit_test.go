package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phaseFunc func(ctx context.Context, c Context) (Result, error)

type stubAgent struct {
	name     string
	analyze  phaseFunc
	optimize phaseFunc
}

func (s *stubAgent) Name() string        { return s.name }
func (s *stubAgent) Description() string { return "stub " + s.name }

func (s *stubAgent) Analyze(ctx context.Context, c Context) (Result, error) {
	if s.analyze == nil {
		return Result{Success: true, Data: map[string]any{"phase": "analyze"}}, nil
	}
	return s.analyze(ctx, c)
}

func (s *stubAgent) Optimize(ctx context.Context, c Context) (Result, error) {
	if s.optimize == nil {
		return Result{Success: true, Data: map[string]any{"phase": "optimize"}}, nil
	}
	return s.optimize(ctx, c)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func validContext() Context {
	return Context{
		Infrastructure: map[string]any{},
		Metrics:        map[string]any{},
		ExecutionID:    "exec-1",
		Timestamp:      time.Now(),
	}
}

func TestExecuteMergesPhases(t *testing.T) {
	t.Parallel()
	u := NewUnit(&stubAgent{
		name: "merge",
		analyze: func(context.Context, Context) (Result, error) {
			return Result{
				Success:         true,
				Data:            map[string]any{"a": 1},
				Recommendations: []Recommendation{{Title: "r1"}},
				Actions:         []Action{{Title: "a1"}},
			}, nil
		},
		optimize: func(context.Context, Context) (Result, error) {
			return Result{
				Success:         false,
				Data:            map[string]any{"o": 2},
				Recommendations: []Recommendation{{Title: "r2"}},
				ErrorMessage:    "partial",
			}, nil
		},
	})

	res := u.Execute(context.Background(), validContext())
	assert.False(t, res.Success, "success is the AND of both phases")
	assert.Equal(t, map[string]any{"a": 1}, res.Data["analysis"])
	assert.Equal(t, map[string]any{"o": 2}, res.Data["optimization"])
	require.Len(t, res.Recommendations, 2)
	assert.Equal(t, "r1", res.Recommendations[0].Title)
	assert.Equal(t, "r2", res.Recommendations[1].Title)
	assert.Len(t, res.Actions, 1)
	assert.Equal(t, "partial", res.ErrorMessage)

	h := u.Health()
	assert.Equal(t, 1, h.ExecutionCount)
	assert.Equal(t, 0, h.ErrorCount, "an unsuccessful result is not a fault")
	assert.Equal(t, StatusIdle, h.Status)
}

func TestExecuteDisabledLeavesCountersUnchanged(t *testing.T) {
	t.Parallel()
	called := false
	u := NewUnit(&stubAgent{name: "off", analyze: func(context.Context, Context) (Result, error) {
		called = true
		return Result{Success: true}, nil
	}})
	u.Execute(context.Background(), validContext())
	u.Disable()
	u.Disable()
	before := u.Health()

	res := u.Execute(context.Background(), validContext())
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "disabled")
	assert.True(t, errors.Is(res.Err, ErrAgentDisabled))

	after := u.Health()
	assert.Equal(t, before.ExecutionCount, after.ExecutionCount)
	assert.Equal(t, before.ErrorCount, after.ErrorCount)
	assert.Equal(t, StatusDisabled, after.Status)
	assert.True(t, called, "first call ran while enabled")
}

func TestFaultSetsErrorUntilNextCleanRun(t *testing.T) {
	t.Parallel()
	fail := true
	u := NewUnit(&stubAgent{name: "flaky", analyze: func(context.Context, Context) (Result, error) {
		if fail {
			return Result{}, errors.New("boom")
		}
		return Result{Success: true}, nil
	}})

	res := u.Execute(context.Background(), validContext())
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrAgentFault))
	assert.Contains(t, res.ErrorMessage, "boom")
	assert.Equal(t, StatusError, u.Status())
	assert.Equal(t, 1, u.Health().ErrorCount)

	fail = false
	res = u.Execute(context.Background(), validContext())
	assert.True(t, res.Success)
	assert.Equal(t, StatusIdle, u.Status())

	h := u.Health()
	assert.Equal(t, 2, h.ExecutionCount)
	assert.Equal(t, 1, h.ErrorCount)
	assert.InDelta(t, 0.5, h.SuccessRate, 1e-9)
}

func TestPanicIsConvertedToFault(t *testing.T) {
	t.Parallel()
	u := NewUnit(&stubAgent{name: "panics", optimize: func(context.Context, Context) (Result, error) {
		panic("nil map")
	}})
	var res Result
	require.NotPanics(t, func() { res = u.Execute(context.Background(), validContext()) })
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, ErrAgentFault))
	assert.Contains(t, res.ErrorMessage, "nil map")
	assert.Equal(t, StatusError, u.Status())
}

func TestAverageEqualsTotalOverCount(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		clk := newFakeClock()
		var next time.Duration
		u := NewUnit(&stubAgent{name: "timed", analyze: func(context.Context, Context) (Result, error) {
			clk.Advance(next)
			if rng.Intn(4) == 0 {
				return Result{}, errors.New("random fault")
			}
			return Result{Success: true}, nil
		}}, WithClock(clk.Now))

		k := 1 + rng.Intn(30)
		var sum time.Duration
		for i := 0; i < k; i++ {
			next = time.Duration(rng.Int63n(int64(5 * time.Second)))
			sum += next
			res := u.Execute(context.Background(), validContext())
			assert.Equal(t, next, res.ExecutionTime)
		}

		h := u.Health()
		require.Equal(t, k, h.ExecutionCount)
		assert.InDelta(t, sum.Seconds(), h.TotalExecutionTime, 1e-9)
		assert.InDelta(t, sum.Seconds()/float64(k), h.AvgExecutionTime, 1e-9)
	}
}

func TestResetZeroesCounters(t *testing.T) {
	t.Parallel()
	u := NewUnit(&stubAgent{name: "r"})
	u.Execute(context.Background(), validContext())
	require.NotNil(t, u.Health().LastExecution)

	u.Reset()
	h := u.Health()
	assert.Zero(t, h.ExecutionCount)
	assert.Zero(t, h.ErrorCount)
	assert.Zero(t, h.TotalExecutionTime)
	assert.Zero(t, h.AvgExecutionTime)
	assert.Nil(t, h.LastExecution)
	assert.Equal(t, 1.0, h.SuccessRate)
}

func TestEnableKeepsErrorUntilCleanRun(t *testing.T) {
	t.Parallel()
	fail := true
	u := NewUnit(&stubAgent{name: "e", analyze: func(context.Context, Context) (Result, error) {
		if fail {
			return Result{}, errors.New("down")
		}
		return Result{Success: true}, nil
	}})
	u.Execute(context.Background(), validContext())
	require.Equal(t, StatusError, u.Status())

	u.Enable()
	assert.Equal(t, StatusError, u.Status(), "enabling an enabled unit is a no-op")

	u.Disable()
	u.Disable()
	assert.Equal(t, StatusDisabled, u.Status())
	u.Enable()
	assert.Equal(t, StatusIdle, u.Status())

	fail = false
	u.Execute(context.Background(), validContext())
	assert.Equal(t, StatusIdle, u.Status())
}

func TestOverlappingRunsSettleWhenLastEnds(t *testing.T) {
	t.Parallel()
	release := map[string]chan struct{}{"slow": make(chan struct{}), "fast": make(chan struct{})}
	u := NewUnit(&stubAgent{name: "o", analyze: func(_ context.Context, c Context) (Result, error) {
		<-release[c.ExecutionID]
		if c.ExecutionID == "fast" {
			return Result{}, errors.New("fault")
		}
		return Result{Success: true}, nil
	}})
	run := func(id string) <-chan Result {
		ch := make(chan Result, 1)
		c := validContext()
		c.ExecutionID = id
		go func() { ch <- u.Execute(context.Background(), c) }()
		return ch
	}
	slow := run("slow")
	fast := run("fast")
	require.Eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.running == 2
	}, time.Second, time.Millisecond)

	close(release["fast"])
	<-fast
	assert.Equal(t, StatusRunning, u.Status(), "still running while another call is in flight")

	close(release["slow"])
	<-slow
	assert.Equal(t, StatusError, u.Status(), "the fault in the overlapping batch is kept")
}

func TestReenableMidRunResumesRunning(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	started := make(chan struct{})
	u := NewUnit(&stubAgent{name: "m", analyze: func(context.Context, Context) (Result, error) {
		close(started)
		<-gate
		return Result{}, errors.New("fault")
	}})
	done := make(chan Result, 1)
	go func() { done <- u.Execute(context.Background(), validContext()) }()
	<-started

	u.Disable()
	assert.Equal(t, StatusDisabled, u.Status())
	u.Enable()
	assert.Equal(t, StatusRunning, u.Status())

	close(gate)
	<-done
	assert.Equal(t, StatusError, u.Status())
}

func TestIllegalStatusChangeIsDropped(t *testing.T) {
	t.Parallel()
	u := NewUnit(&stubAgent{name: "x"})
	u.Disable()

	u.mu.Lock()
	changed := u.setStatusLocked(StatusError)
	u.mu.Unlock()
	assert.False(t, changed)
	assert.Equal(t, StatusDisabled, u.Status())
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	all := []Status{StatusIdle, StatusRunning, StatusError, StatusDisabled}
	allowed := map[[2]Status]bool{
		{StatusIdle, StatusRunning}:     true,
		{StatusIdle, StatusDisabled}:    true,
		{StatusRunning, StatusIdle}:     true,
		{StatusRunning, StatusError}:    true,
		{StatusRunning, StatusDisabled}: true,
		{StatusError, StatusRunning}:    true,
		{StatusError, StatusIdle}:       true,
		{StatusError, StatusDisabled}:   true,
		{StatusDisabled, StatusIdle}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, CanTransition(Status(99), StatusIdle))
}

func TestNewContext(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"minimal", Payload{KeyInfrastructure: map[string]any{}, KeyMetrics: map[string]any{}}, false},
		{"extra keys ignored", Payload{KeyInfrastructure: map[string]any{}, KeyMetrics: map[string]any{}, "weather": "sunny"}, false},
		{"missing metrics", Payload{KeyInfrastructure: map[string]any{}}, true},
		{"nil infrastructure", Payload{KeyInfrastructure: nil, KeyMetrics: map[string]any{}}, true},
		{"wrong type", Payload{KeyInfrastructure: "prod", KeyMetrics: map[string]any{}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewContext(tc.payload, "id", time.Now())
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidContext))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c.Cost)
			assert.NotNil(t, c.Security)
			assert.NotNil(t, c.Preferences)
		})
	}

	_, err := NewContext(Payload{KeyInfrastructure: map[string]any{}, KeyMetrics: map[string]any{}}, "", time.Now())
	assert.True(t, errors.Is(err, ErrInvalidContext), "execution id is required")
}

func TestResultJSONShape(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Result{Success: true, ExecutionTime: 1500 * time.Millisecond})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":{},"recommendations":[],"actions":[],"error_message":null,"execution_time":1.5}`, string(b))

	b, err = json.Marshal(Failure(ErrAgentTimeout))
	require.NoError(t, err)
	var back Result
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "agent timed out", back.ErrorMessage)
	assert.False(t, back.Success)
}

func TestFormatHelpers(t *testing.T) {
	t.Parallel()
	got := FormatRecommendation(Recommendation{Title: "Scale out", Description: "CPU high", Priority: "high", Actions: []string{"add node"}})
	assert.Equal(t, "**Scale out** (HIGH)\nCPU high\nImpact: unknown\n- add node", got)

	got = FormatAction(Action{Description: "resize", Resource: "i-123", Change: "t3.large"})
	assert.Equal(t, "**Action**\nresize\nResource: i-123\nChange: t3.large", got)
}
