package diag

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes trace events to a zap logger. Successes go to debug,
// rejections to info and errors to warn.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("trace")}
}

func (s *LogSink) Write(_ context.Context, ev TraceEvent) error {
	fields := []zap.Field{
		zap.Uint64("seq", ev.Seq),
		zap.String("stage", string(ev.Stage)),
		zap.String("outcome", string(ev.Outcome)),
		zap.Time("at", ev.Timestamp),
	}
	if ev.Symbol != "" {
		fields = append(fields, zap.String("symbol", ev.Symbol))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}

	switch ev.Outcome {
	case OutcomeError:
		s.logger.Warn("trace", fields...)
	case OutcomeRejected:
		s.logger.Info("trace", fields...)
	default:
		s.logger.Debug("trace", fields...)
	}
	return nil
}
