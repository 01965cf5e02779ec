package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
)

// LogSink writes progress events as structured logs. Queue depth samples and
// batch commits are logged at debug level since they are frequent.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("crawl_id", evt.CrawlUUID()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Folder != "" {
			fields = append(fields, zap.String("folder", evt.Folder))
		}
		if evt.Records > 0 || evt.Bytes > 0 {
			fields = append(fields, zap.Int64("records", evt.Records), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Stage == progress.StageQueueDepth {
			fields = append(fields, zap.Int("queue_depth", evt.QueueDepth))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageQueueDepth, progress.StageBatchCommitted, progress.StageFolderStart:
		return zapcore.DebugLevel
	case progress.StageFolderFailed:
		return zapcore.WarnLevel
	case progress.StageCrawlError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
