package report

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// DefaultMaxPaths bounds the rows carried in a published summary.
const DefaultMaxPaths = 100

// SummaryMessage is published once per completed crawl.
type SummaryMessage struct {
	Generation  string              `json:"generation"`
	GeneratedAt time.Time           `json:"generated_at"`
	Totals      Totals              `json:"totals"`
	Stats       []crawler.PathStats `json:"stats,omitempty"`
	Truncated   bool                `json:"truncated,omitempty"`
}

// MessageType labels the message for subscribers filtering on attributes.
func (SummaryMessage) MessageType() string { return "crawl_report" }

// PublishSink publishes a SummaryMessage. Rows beyond MaxPaths are dropped
// and the message is marked truncated; totals always cover every row.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	clock     crawler.Clock
	MaxPaths  int
}

// NewPublishSink builds a sink. An empty topic selects the publisher default.
func NewPublishSink(publisher crawler.Publisher, topic string, clock crawler.Clock) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic, clock: clock, MaxPaths: DefaultMaxPaths}
}

// Report implements crawler.ReportSink.
func (s *PublishSink) Report(ctx context.Context, generation string, stats []crawler.PathStats) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	now := time.Now()
	if s.clock != nil {
		now = s.clock.Now()
	}
	msg := SummaryMessage{
		Generation:  generation,
		GeneratedAt: now.UTC(),
		Totals:      Sum(stats),
		Stats:       stats,
	}
	if s.MaxPaths > 0 && len(stats) > s.MaxPaths {
		msg.Stats = stats[:s.MaxPaths]
		msg.Truncated = true
	}
	if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}
