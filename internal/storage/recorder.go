package storage

import (
	"context"
	"time"

	"opsagent/internal/eventbus"
	logx "opsagent/pkg/logx"
)

// Recorder persists agent executions and job outcomes published on the bus.
// job.started is not recorded; every run ends in exactly one of the other
// job events.
type Recorder struct {
	store Store
	log   logx.Logger

	events <-chan eventbus.Event
	unsub  func()
}

// NewRecorder subscribes immediately so nothing published before Run is lost
// (up to the subscription buffer).
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	events, unsub := bus.Subscribe(256,
		eventbus.AgentExecuted,
		eventbus.JobCompleted,
		eventbus.JobRetry,
		eventbus.JobFailed,
		eventbus.JobCancelled,
	)
	return &Recorder{
		store:  store,
		log:    log.With(logx.String("comp", "storage.recorder")),
		events: events,
		unsub:  unsub,
	}
}

// Run consumes events until ctx is done. It is meant to be hosted by a
// supervisor.
func (r *Recorder) Run(ctx context.Context) {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			e, ok := ExecutionFromEvent(ev)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.store.AppendExecution(wctx, e); err != nil {
				r.log.Warn("record execution failed", logx.String("name", e.Name), logx.Err(err))
			}
			cancel()
		}
	}
}

// ExecutionFromEvent maps a bus event to a history entry.
func ExecutionFromEvent(ev eventbus.Event) (Execution, bool) {
	switch d := ev.Data.(type) {
	case eventbus.AgentEvent:
		status := "ok"
		if !d.Success {
			status = "error"
		}
		return Execution{
			At:       ev.Time,
			Kind:     KindAgent,
			Name:     d.Name,
			ID:       d.ExecutionID,
			Status:   status,
			Success:  d.Success,
			Duration: d.Duration,
			Error:    d.Error,
		}, true
	case eventbus.JobEvent:
		var status string
		switch ev.Type {
		case eventbus.JobCompleted:
			status = "completed"
		case eventbus.JobRetry:
			status = "retry"
		case eventbus.JobFailed:
			status = "failed"
		case eventbus.JobCancelled:
			status = "cancelled"
		default:
			return Execution{}, false
		}
		return Execution{
			At:       ev.Time,
			Kind:     KindJob,
			Name:     d.Name,
			ID:       d.ID,
			Status:   status,
			Success:  ev.Type == eventbus.JobCompleted,
			Duration: d.Duration,
			Error:    d.Error,
		}, true
	}
	return Execution{}, false
}
