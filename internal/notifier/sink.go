package notifier

import (
	"context"

	logx "opsagent/pkg/logx"
)

// LogSink writes alerts to a logger. Records carry comp=notifier, which the
// logx alert hook ignores, so alerts never loop back into the notifier.
type LogSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) *LogSink {
	return &LogSink{log: log.With(logx.String("comp", "notifier"))}
}

func (s *LogSink) Send(_ context.Context, a Alert) error {
	fields := []logx.Field{
		logx.String("severity", a.Severity.String()),
		logx.String("source", a.Source),
		logx.String("title", a.Title),
		logx.String("text", a.Text),
	}
	switch a.Severity {
	case Critical:
		s.log.Error("alert", fields...)
	case Warning:
		s.log.Warn("alert", fields...)
	default:
		s.log.Info("alert", fields...)
	}
	return nil
}

// MultiSink sends to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, a Alert) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
