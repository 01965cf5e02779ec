package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func event(crawl uuid.UUID, stage Stage) Event {
	return Event{CrawlID: UUIDToBytes(crawl), TS: time.Now(), Stage: stage, Folder: "data/a/"}
}

func depth(crawl uuid.UUID, n int) Event {
	return Event{CrawlID: UUIDToBytes(crawl), TS: time.Now(), Stage: StageQueueDepth, QueueDepth: n}
}

func TestHubFlushesFullBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 2, FlushInterval: time.Minute}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	crawl := uuid.New()
	hub.Emit(event(crawl, StageFolderStart))
	hub.Emit(event(crawl, StageFolderDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesAfterInterval(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, sink)
	t.Cleanup(func() { _ = hub.Close(context.Background()) })

	hub.Emit(event(uuid.New(), StageFolderStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushesWhenCrawlEnds(t *testing.T) {
	t.Parallel()

	for _, stage := range []Stage{StageCrawlDone, StageCrawlError} {
		t.Run(string(stage), func(t *testing.T) {
			t.Parallel()

			sink := &recordingSink{}
			hub := NewHub(Config{BatchSize: 100, FlushInterval: time.Hour}, sink)
			t.Cleanup(func() { _ = hub.Close(context.Background()) })

			crawl := uuid.New()
			hub.Emit(event(crawl, StageFolderDone))
			hub.Emit(Event{CrawlID: UUIDToBytes(crawl), TS: time.Now(), Stage: stage})
			require.Eventually(t, func() bool {
				b := sink.Batches()
				return len(b) == 1 && len(b[0]) == 2 && b[0][1].Stage == stage
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestHubKeepsLatestQueueDepthPerCrawl(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushInterval: time.Hour}, sink)

	first, second := uuid.New(), uuid.New()
	hub.Emit(depth(first, 5))
	hub.Emit(depth(first, 3))
	hub.Emit(event(first, StageFolderDone))
	hub.Emit(depth(second, 7))
	hub.Emit(depth(first, 1))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	got := batches[0]
	require.Len(t, got, 3)
	require.Equal(t, StageQueueDepth, got[0].Stage)
	require.Equal(t, 1, got[0].QueueDepth)
	require.Equal(t, StageFolderDone, got[1].Stage)
	require.Equal(t, UUIDToBytes(second), got[2].CrawlID)
	require.Equal(t, 7, got[2].QueueDepth)
}

func TestHubQueueDepthCoalescingResetsPerBatch(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 2, FlushInterval: time.Hour}, sink)

	crawl := uuid.New()
	hub.Emit(depth(crawl, 4))
	hub.Emit(event(crawl, StageFolderStart))
	hub.Emit(depth(crawl, 2))
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 2)
	require.Equal(t, 4, batches[0][0].QueueDepth)
	require.Equal(t, 2, batches[1][0].QueueDepth)
}

func TestHubCloseFlushesAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 100, FlushInterval: time.Hour}, sink)
	hub.Emit(event(uuid.New(), StageFolderStart))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.Closed())

	hub.Emit(event(uuid.New(), StageFolderStart))
	require.Len(t, sink.Batches(), 1)
}

func TestHubEmitDropsWhenFull(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	hub := &Hub{events: make(chan Event), logger: zap.New(core)}

	start := time.Now()
	hub.Emit(event(uuid.New(), StageFolderStart))
	hub.Emit(event(uuid.New(), StageFolderStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.dropped.Load())

	hub.deliver(nil)
	require.Zero(t, hub.dropped.Load())
	entries := logs.FilterMessage("progress events dropped").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(2), entries[0].ContextMap()["dropped"])
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	hub := NewHub(Config{BatchSize: 1}, sink)
	hub.Emit(Event{Stage: StageCrawlStart})
	hub.Emit(event(uuid.New(), StageCrawlStart))
	require.NoError(t, hub.Close(context.Background()))

	var total int
	for _, b := range sink.Batches() {
		total += len(b)
	}
	require.Equal(t, 1, total)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := event(uuid.New(), StageFolderDone)
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{name: "missing id", mutate: func(e *Event) { e.CrawlID = [16]byte{} }},
		{name: "missing ts", mutate: func(e *Event) { e.TS = time.Time{} }},
		{name: "unknown stage", mutate: func(e *Event) { e.Stage = "NOPE" }},
		{name: "folder event without folder", mutate: func(e *Event) { e.Folder = "" }},
		{name: "negative duration", mutate: func(e *Event) { e.Dur = -time.Second }},
		{name: "negative records", mutate: func(e *Event) { e.Records = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			evt := valid
			tt.mutate(&evt)
			require.Error(t, evt.Validate())
		})
	}

	crawl := Event{CrawlID: valid.CrawlID, TS: time.Now(), Stage: StageCrawlStart}
	require.NoError(t, crawl.Validate())
}

func TestStageTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StageCrawlDone.Terminal())
	require.True(t, StageCrawlError.Terminal())
	require.False(t, StageCrawlStart.Terminal())
	require.False(t, StageQueueDepth.Terminal())
}

func TestParseCrawlID(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	require.Equal(t, UUIDToBytes(id), ParseCrawlID(id.String()))
	require.Equal(t, id, Event{CrawlID: ParseCrawlID(id.String())}.CrawlUUID())
	require.Equal(t, [16]byte{}, ParseCrawlID("not-a-uuid"))
}
