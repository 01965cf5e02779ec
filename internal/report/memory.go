package report

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// Memory keeps the latest report for the status API.
type Memory struct {
	mu     sync.RWMutex
	latest *Report
	clock  crawler.Clock
}

// NewMemory returns an empty sink. A nil clock uses time.Now.
func NewMemory(clock crawler.Clock) *Memory {
	return &Memory{clock: clock}
}

// Report implements crawler.ReportSink.
func (m *Memory) Report(_ context.Context, generation string, stats []crawler.PathStats) error {
	now := time.Now()
	if m.clock != nil {
		now = m.clock.Now()
	}
	r := Build(generation, append([]crawler.PathStats(nil), stats...), now)
	m.mu.Lock()
	m.latest = &r
	m.mu.Unlock()
	return nil
}

// Latest returns the most recent report, if any.
func (m *Memory) Latest() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Report{}, false
	}
	return *m.latest, true
}
