package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
)

// PrometheusSink exports crawl and folder counters derived from progress
// events.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec

	foldersCompleted *prometheus.CounterVec
	folderRecords    prometheus.Counter
	folderBytes      prometheus.Counter
	folderDuration   prometheus.Histogram

	tracker *crawlTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folderstats_crawls_started_total",
			Help: "Crawls that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "folderstats_crawls_completed_total",
			Help: "Crawls completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folderstats_crawls_running",
			Help: "Crawls currently running.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "folderstats_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"result"}),
		foldersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "folderstats_folders_completed_total",
			Help: "Folder listings completed partitioned by result.",
		}, []string{"result"}),
		folderRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folderstats_folder_records_total",
			Help: "Records produced by completed folder listings.",
		}),
		folderBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folderstats_folder_bytes_total",
			Help: "Object bytes seen by completed folder listings.",
		}),
		folderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "folderstats_folder_duration_seconds",
			Help:    "Time to list and commit one folder.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		tracker: newCrawlTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.foldersCompleted,
		s.folderRecords,
		s.folderBytes,
		s.folderDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCrawlStart, progress.StageCrawlDone, progress.StageCrawlError:
			s.handleCrawlEvent(evt)
		case progress.StageFolderDone:
			s.foldersCompleted.WithLabelValues("success").Inc()
			s.folderRecords.Add(float64(evt.Records))
			s.folderBytes.Add(float64(evt.Bytes))
			if evt.Dur > 0 {
				s.folderDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageFolderFailed:
			s.foldersCompleted.WithLabelValues("error").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleCrawlEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.CrawlID) {
			s.crawlsRunning.Inc()
		}
		return
	case progress.StageCrawlDone:
		s.observeCompletion(evt, "success")
	case progress.StageCrawlError:
		result := "error"
		if evt.Note == progress.NoteCancelled {
			result = "cancelled"
		}
		s.observeCompletion(evt, result)
	}
	if s.tracker.complete(evt.CrawlID) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) observeCompletion(evt progress.Event, result string) {
	s.crawlsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type crawlTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCrawlTracker() *crawlTracker {
	return &crawlTracker{running: make(map[[16]byte]struct{})}
}

func (t *crawlTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *crawlTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
