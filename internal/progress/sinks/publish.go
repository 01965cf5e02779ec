package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
)

// LifecycleMessage is the payload published for crawl and folder milestones.
type LifecycleMessage struct {
	CrawlID    string    `json:"crawl_id"`
	Stage      string    `json:"stage"`
	Folder     string    `json:"folder,omitempty"`
	Records    int64     `json:"records,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Note       string    `json:"note,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageType labels the message for subscribers filtering on attributes.
func (LifecycleMessage) MessageType() string { return "crawl_progress" }

// PublishSink forwards lifecycle events to a message topic. Batch commits and
// queue depth samples are not published.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a sink publishing to topic. An empty topic selects
// the publisher's default.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each lifecycle event in order and joins the errors.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchCommitted, progress.StageQueueDepth, progress.StageFolderStart:
			continue
		}
		msg := LifecycleMessage{
			CrawlID:    evt.CrawlUUID().String(),
			Stage:      string(evt.Stage),
			Folder:     evt.Folder,
			Records:    evt.Records,
			Bytes:      evt.Bytes,
			DurationMS: evt.Dur.Milliseconds(),
			Note:       evt.Note,
			Timestamp:  evt.TS.UTC(),
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
			continue
		}
		s.logger.Debug("progress published", zap.String("stage", msg.Stage), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
