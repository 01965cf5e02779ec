package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// LogSink logs the report, one entry per path and a closing summary.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("report")}
}

// Report implements crawler.ReportSink.
func (s *LogSink) Report(_ context.Context, generation string, stats []crawler.PathStats) error {
	for _, st := range stats {
		fields := []zap.Field{
			zap.String("path", st.Path),
			zap.Int64("total_size_bytes", st.TotalSize),
			zap.String("total_size", HumanBytes(st.TotalSize)),
			zap.Int64("file_count", st.FileCount),
			zap.Int64("folder_count", st.FolderCount),
		}
		if st.EarliestCreated != nil {
			fields = append(fields, zap.Time("earliest_created", *st.EarliestCreated))
		}
		if st.LatestUpdated != nil {
			fields = append(fields, zap.Time("latest_updated", *st.LatestUpdated))
		}
		s.logger.Info("path stats", fields...)
	}
	t := Sum(stats)
	s.logger.Info("crawl report",
		zap.String("generation", generation),
		zap.Int("paths", t.Paths),
		zap.String("total_size", HumanBytes(t.Bytes)),
		zap.Int64("file_count", t.Files),
		zap.Int64("folder_count", t.Folders),
	)
	return nil
}
