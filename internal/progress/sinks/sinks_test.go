package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/bucket-folder-stats/internal/progress"
	"github.com/JakeFAU/bucket-folder-stats/internal/publisher/memory"
)

func lifecycleBatch() []progress.Event {
	crawlID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	return []progress.Event{
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlStart},
		{CrawlID: crawlID, TS: now, Stage: progress.StageFolderStart, Folder: "a/"},
		{CrawlID: crawlID, TS: now, Stage: progress.StageBatchCommitted, Folder: "a/", Records: 2},
		{CrawlID: crawlID, TS: now, Stage: progress.StageQueueDepth, QueueDepth: 4},
		{CrawlID: crawlID, TS: now, Stage: progress.StageFolderDone, Folder: "a/", Records: 2, Bytes: 300, Dur: time.Second},
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlError, Note: "boom"},
	}
}

func TestPublishSinkForwardsLifecycleEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "progress", nil)
	require.NoError(t, sink.Consume(context.Background(), lifecycleBatch()))

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	var stages []string
	for _, m := range msgs {
		require.Equal(t, "progress", m.Topic)
		stages = append(stages, m.Payload.(LifecycleMessage).Stage)
	}
	require.Equal(t, []string{"CRAWL_START", "FOLDER_DONE", "CRAWL_ERROR"}, stages)

	done := msgs[1].Payload.(LifecycleMessage)
	require.Equal(t, "a/", done.Folder)
	require.Equal(t, int64(300), done.Bytes)
	require.Equal(t, int64(1000), done.DurationMS)
}

func TestPublishSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.Err = errors.New("broker down")
	sink := NewPublishSink(pub, "", nil)
	err := sink.Consume(context.Background(), lifecycleBatch())
	require.ErrorIs(t, err, pub.Err)

	var nilSink *PublishSink
	require.NoError(t, nilSink.Consume(context.Background(), lifecycleBatch()))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), lifecycleBatch()))

	entries := logs.All()
	require.Len(t, entries, 6)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.DebugLevel, entries[3].Level)
	require.Equal(t, int64(4), entries[3].ContextMap()["queue_depth"])
	require.Equal(t, zapcore.ErrorLevel, entries[5].Level)
	require.Equal(t, "boom", entries[5].ContextMap()["note"])
}
