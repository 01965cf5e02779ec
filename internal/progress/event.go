package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart     Stage = "CRAWL_START"
	StageCrawlDone      Stage = "CRAWL_DONE"
	StageCrawlError     Stage = "CRAWL_ERROR"
	StageFolderStart    Stage = "FOLDER_START"
	StageFolderDone     Stage = "FOLDER_DONE"
	StageFolderFailed   Stage = "FOLDER_FAILED"
	StageBatchCommitted Stage = "BATCH_COMMITTED"
	StageQueueDepth     Stage = "QUEUE_DEPTH"
)

// Terminal reports whether the stage ends a crawl.
func (s Stage) Terminal() bool {
	return s == StageCrawlDone || s == StageCrawlError
}

// NoteCancelled marks a CRAWL_ERROR event for a run stopped by shutdown.
const NoteCancelled = "cancelled"

// Event captures a single crawl milestone.
type Event struct {
	// CrawlID is the generation identifier in 16-byte UUID form.
	CrawlID [16]byte
	TS      time.Time
	Stage   Stage
	// Folder scopes folder and batch events.
	Folder string
	// Records and Bytes are deltas for folder and batch events.
	Records int64
	Bytes   int64
	// QueueDepth is set on QUEUE_DEPTH samples.
	QueueDepth int
	Dur        time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == [16]byte{} {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlError, StageQueueDepth:
	case StageFolderStart, StageFolderDone, StageFolderFailed, StageBatchCommitted:
		if e.Folder == "" {
			return fmt.Errorf("%s requires folder", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 || e.Bytes < 0 || e.QueueDepth < 0 {
		return errors.New("counters must be >= 0")
	}
	return nil
}

// CrawlUUID converts the binary crawl ID back to uuid.UUID.
func (e Event) CrawlUUID() uuid.UUID {
	return uuid.UUID(e.CrawlID)
}

// ParseCrawlID decodes a generation identifier into the Event form. Invalid
// identifiers produce the zero ID, which Validate rejects.
func ParseCrawlID(generation string) [16]byte {
	id, err := uuid.Parse(generation)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
