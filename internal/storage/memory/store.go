// Package memory provides an in-process crawl store for tests and dry runs.
// Nothing survives the process.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

type generation struct {
	id     string
	target string
}

type row struct {
	generation string
	rec        crawler.ObjectRecord
}

// Store implements crawler.Store with maps guarded by a mutex.
type Store struct {
	mu          sync.RWMutex
	generations []generation
	active      string
	rows        []row
	folders     map[string]bool
	checkpoint  *crawler.Checkpoint

	// InsertHook, when set, runs before every InsertObjectBatch and can fail
	// it. The batch is only applied when the hook returns nil.
	InsertHook func(records []crawler.ObjectRecord) error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{folders: make(map[string]bool)}
}

// InitSchema is a no-op kept for interface parity.
func (s *Store) InitSchema(ctx context.Context) error {
	return ctx.Err()
}

// ActivateGeneration mirrors the SQL stores: resume the latest generation
// unless fresh is set, refusing to resume another target's crawl.
func (s *Store) ActivateGeneration(_ context.Context, fresh bool, policy crawler.GenerationPolicy, target, newID string) (string, error) {
	if !policy.Valid() {
		return "", fmt.Errorf("%w: unknown generation policy %q", crawler.ErrMalformedInput, policy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.generations) > 0 && !fresh {
		latest := &s.generations[len(s.generations)-1]
		switch {
		case target == "" || latest.target == target:
		case latest.target == "":
			latest.target = target
		default:
			return "", fmt.Errorf("%w: %q, not %q (use a fresh crawl)", crawler.ErrTargetMismatch, latest.target, target)
		}
		s.active = latest.id
		return s.active, nil
	}
	if newID == "" {
		return "", errors.New("generation id is required")
	}
	if fresh {
		s.folders = make(map[string]bool)
		s.checkpoint = nil
		if policy == crawler.GenerationTruncate {
			s.rows = nil
			s.generations = nil
		}
	}
	s.generations = append(s.generations, generation{id: newID, target: target})
	s.active = newID
	return newID, nil
}

// Generation returns the active generation ID.
func (s *Store) Generation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// InsertObjectBatch appends records atomically.
func (s *Store) InsertObjectBatch(_ context.Context, records []crawler.ObjectRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if !rec.Kind.Valid() {
			return fmt.Errorf("%w: record kind %q", crawler.ErrMalformedInput, rec.Kind)
		}
	}
	if s.InsertHook != nil {
		if err := s.InsertHook(records); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return errors.New("no active crawl generation")
	}
	for _, rec := range records {
		s.rows = append(s.rows, row{generation: s.active, rec: rec})
	}
	return nil
}

// ResetFolder drops the active generation's records listed from folder.
func (s *Store) ResetFolder(_ context.Context, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return errors.New("no active crawl generation")
	}
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.generation == s.active && r.rec.Folder == folder {
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
	return nil
}

// UpsertFolders adds unknown folders as unprocessed.
func (s *Store) UpsertFolders(_ context.Context, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range paths {
		if _, ok := s.folders[p]; !ok {
			s.folders[p] = false
		}
	}
	return nil
}

// MarkFolderProcessed flags a known folder.
func (s *Store) MarkFolderProcessed(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[path]; !ok {
		return fmt.Errorf("folder %q: %w", path, crawler.ErrNotFound)
	}
	s.folders[path] = true
	return nil
}

// ListUnprocessedFolders returns pending folders ordered by path.
func (s *Store) ListUnprocessedFolders(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p, done := range s.folders {
		if !done {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListFolders returns the worklist ordered by path.
func (s *Store) ListFolders(_ context.Context) ([]crawler.FolderEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.FolderEntry, 0, len(s.folders))
	for p, done := range s.folders {
		out = append(out, crawler.FolderEntry{Path: p, Processed: done})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// FolderProgress counts known and processed folders.
func (s *Store) FolderProgress(_ context.Context) (crawler.FolderProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p crawler.FolderProgress
	for _, done := range s.folders {
		p.Total++
		if done {
			p.Processed++
		}
	}
	return p, nil
}

// SetCheckpoint replaces the checkpoint.
func (s *Store) SetCheckpoint(_ context.Context, path string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = &crawler.Checkpoint{LastProcessedFolder: path, Timestamp: at.UTC()}
	return nil
}

// GetCheckpoint returns a copy of the checkpoint or nil.
func (s *Store) GetCheckpoint(_ context.Context) (*crawler.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checkpoint == nil {
		return nil, nil
	}
	cp := *s.checkpoint
	return &cp, nil
}

// Records returns a copy of the active generation's records.
func (s *Store) Records() []crawler.ObjectRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ObjectRecord
	for _, r := range s.rows {
		if r.generation == s.active {
			out = append(out, r.rec)
		}
	}
	return out
}

// AggregateByPath groups the active generation's records by path.
func (s *Store) AggregateByPath(_ context.Context) ([]crawler.PathStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return nil, errors.New("no active crawl generation")
	}
	byPath := make(map[string]*crawler.PathStats)
	for _, r := range s.rows {
		if r.generation != s.active {
			continue
		}
		st, ok := byPath[r.rec.Path]
		if !ok {
			st = &crawler.PathStats{Path: r.rec.Path}
			byPath[r.rec.Path] = st
		}
		switch r.rec.Kind {
		case crawler.KindFile:
			st.TotalSize += r.rec.Size
			st.FileCount++
		case crawler.KindFolder:
			st.FolderCount = 1
		}
		if c := r.rec.CreatedAt; c != nil && (st.EarliestCreated == nil || c.Before(*st.EarliestCreated)) {
			t := *c
			st.EarliestCreated = &t
		}
		if u := r.rec.UpdatedAt; u != nil && (st.LatestUpdated == nil || u.After(*st.LatestUpdated)) {
			t := *u
			st.LatestUpdated = &t
		}
	}
	out := make([]crawler.PathStats, 0, len(byPath))
	for _, st := range byPath {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Close implements crawler.Store; it performs no action.
func (s *Store) Close() error {
	return nil
}
