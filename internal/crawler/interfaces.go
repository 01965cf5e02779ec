package crawler

import (
	"context"
	"time"
)

// Listing is a single-use, lazy view over one remote listing call. Next
// returns iterator.Done once exhausted. Prefixes holds the sub-prefixes seen
// so far and is complete after Next returns iterator.Done. Close releases
// the listing whether or not it was consumed; Prefixes stays readable.
type Listing interface {
	Next() (RemoteEntry, error)
	Prefixes() []string
	Close()
}

// RemoteLister opens delimiter-scoped listings of a bucket prefix.
type RemoteLister interface {
	List(ctx context.Context, bucket, prefix string) (Listing, error)
}

// Store is the durable crawl state: object records, the folder worklist,
// the checkpoint and crawl generations.
type Store interface {
	InitSchema(ctx context.Context) error
	// ActivateGeneration resumes the latest generation or starts newID.
	// target is the Target.String() of the crawl; an empty target resumes
	// whatever generation is latest.
	ActivateGeneration(ctx context.Context, fresh bool, policy GenerationPolicy, target, newID string) (string, error)
	InsertObjectBatch(ctx context.Context, records []ObjectRecord) error
	ResetFolder(ctx context.Context, folder string) error
	UpsertFolders(ctx context.Context, paths []string) error
	MarkFolderProcessed(ctx context.Context, path string) error
	ListUnprocessedFolders(ctx context.Context) ([]string, error)
	ListFolders(ctx context.Context) ([]FolderEntry, error)
	FolderProgress(ctx context.Context) (FolderProgress, error)
	SetCheckpoint(ctx context.Context, path string, at time.Time) error
	GetCheckpoint(ctx context.Context) (*Checkpoint, error)
	AggregateByPath(ctx context.Context) ([]PathStats, error)
	Close() error
}

// BatchQueue carries batches from listers to the writer.
type BatchQueue interface {
	Push(ctx context.Context, batch Batch) error
	Pop(timeout time.Duration) (Batch, error)
	Len() int
	Closed() bool
	Close()
}

// ReportSink receives the final aggregation of a completed crawl.
type ReportSink interface {
	Report(ctx context.Context, generation string, stats []PathStats) error
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces crawl generation IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
