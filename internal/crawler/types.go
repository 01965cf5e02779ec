package crawler

import (
	"time"
)

// Kind distinguishes folder placeholders from regular objects.
type Kind string

// Supported record kinds.
const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindFolder || k == KindFile
}

// ObjectRecord is one discovered remote entry as persisted by the store.
type ObjectRecord struct {
	// Path is the parent folder for files and the entry's own name for
	// folder placeholders. Aggregation groups by this field.
	Path string
	Kind Kind
	// Size is zero for folders.
	Size      int64
	CreatedAt *time.Time
	UpdatedAt *time.Time
	// ContentHash and MediaLink are only populated for files.
	ContentHash string
	MediaLink   string
	// Folder is the listing prefix that produced the record.
	Folder string
}

// FolderEntry tracks whether a folder has been fully listed in the active
// crawl generation.
type FolderEntry struct {
	Path      string
	Processed bool
}

// Checkpoint is the most recently completed folder.
type Checkpoint struct {
	LastProcessedFolder string
	Timestamp           time.Time
}

// PathStats is one row of the final aggregation.
type PathStats struct {
	Path            string     `json:"path"`
	TotalSize       int64      `json:"total_size_bytes"`
	FileCount       int64      `json:"file_count"`
	FolderCount     int64      `json:"folder_count"`
	EarliestCreated *time.Time `json:"earliest_created,omitempty"`
	LatestUpdated   *time.Time `json:"latest_updated,omitempty"`
}

// FolderProgress summarizes the folder worklist.
type FolderProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
}

// Remaining returns the number of folders still to list.
func (p FolderProgress) Remaining() int {
	return p.Total - p.Processed
}

// RemoteEntry is one object returned by a remote listing call.
type RemoteEntry struct {
	Name      string
	Size      int64
	Created   time.Time
	Updated   time.Time
	Hash      string
	MediaLink string
}

// Batch is a group of records moved through the work queue together.
type Batch struct {
	Folder  string
	Records []ObjectRecord
	// Reset asks the writer to discard rows from earlier listings of Folder
	// before inserting Records.
	Reset bool
	// Committed, when non-nil, receives the outcome once the batch and every
	// batch queued ahead of it have been written.
	Committed chan error
}

// GenerationPolicy decides what happens to previous crawl data when a fresh
// crawl starts.
type GenerationPolicy string

// Supported generation policies.
const (
	// GenerationTruncate deletes prior records on a fresh crawl.
	GenerationTruncate GenerationPolicy = "truncate"
	// GenerationVersion keeps prior records under their own generation ID.
	GenerationVersion GenerationPolicy = "version"
)

// Valid reports whether p is a known policy.
func (p GenerationPolicy) Valid() bool {
	return p == GenerationTruncate || p == GenerationVersion
}

// State is a crawl state machine position.
type State string

// Crawl states.
const (
	StateIdle           State = "IDLE"
	StateInit           State = "INIT"
	StateListingFolders State = "LISTING_FOLDERS"
	StateCrawling       State = "CRAWLING"
	StateDraining       State = "DRAINING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}
