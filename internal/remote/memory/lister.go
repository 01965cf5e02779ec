// Package memory provides an in-process object listing used by tests and
// dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/api/iterator"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// Lister serves delimiter listings over a fixed set of objects.
type Lister struct {
	mu      sync.Mutex
	buckets map[string][]crawler.RemoteEntry
	// FailFor makes List or iteration fail for a prefix. The hook receives the
	// prefix and the attempt number for that prefix (starting at 1).
	FailFor func(prefix string, attempt int) error
	// OnEntry runs before each entry is yielded.
	OnEntry func(prefix string, entry crawler.RemoteEntry)
	calls   map[string]int
	open    int
}

// New returns an empty Lister.
func New() *Lister {
	return &Lister{
		buckets: make(map[string][]crawler.RemoteEntry),
		calls:   make(map[string]int),
	}
}

// Put adds objects to a bucket.
func (l *Lister) Put(bucket string, entries ...crawler.RemoteEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[bucket] = append(l.buckets[bucket], entries...)
}

// OpenListings reports how many listings were opened and not yet closed.
func (l *Lister) OpenListings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Calls reports how many listings of prefix were opened.
func (l *Lister) Calls(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[prefix]
}

// List implements crawler.RemoteLister.
func (l *Lister) List(ctx context.Context, bucket, prefix string) (crawler.Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list canceled: %w", err)
	}
	l.mu.Lock()
	l.calls[prefix]++
	attempt := l.calls[prefix]
	objects, ok := l.buckets[bucket]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bucket %q: %w", bucket, crawler.ErrNotFound)
	}
	if l.FailFor != nil {
		if err := l.FailFor(prefix, attempt); err != nil {
			return nil, err
		}
	}

	sorted := append([]crawler.RemoteEntry(nil), objects...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var entries []crawler.RemoteEntry
	seen := map[string]struct{}{}
	var prefixes []string
	for _, obj := range sorted {
		if !strings.HasPrefix(obj.Name, prefix) {
			continue
		}
		rest := obj.Name[len(prefix):]
		if idx := strings.Index(rest, crawler.Separator); idx >= 0 && idx < len(rest)-1 {
			sub := prefix + rest[:idx+1]
			if _, dup := seen[sub]; !dup {
				seen[sub] = struct{}{}
				prefixes = append(prefixes, sub)
			}
			continue
		}
		if rest != "" && strings.HasSuffix(rest, crawler.Separator) {
			// a nested placeholder is reported as a prefix, like a real store
			if _, dup := seen[obj.Name]; !dup {
				seen[obj.Name] = struct{}{}
				prefixes = append(prefixes, obj.Name)
			}
			continue
		}
		entries = append(entries, obj)
	}
	l.mu.Lock()
	l.open++
	l.mu.Unlock()
	return &listing{lister: l, prefix: prefix, entries: entries, allPrefixes: prefixes}, nil
}

type listing struct {
	lister      *Lister
	prefix      string
	entries     []crawler.RemoteEntry
	allPrefixes []string
	pos         int
	done        bool
	closed      bool
}

func (it *listing) Next() (crawler.RemoteEntry, error) {
	if it.pos >= len(it.entries) {
		it.done = true
		return crawler.RemoteEntry{}, iterator.Done
	}
	e := it.entries[it.pos]
	it.pos++
	if it.lister.OnEntry != nil {
		it.lister.OnEntry(it.prefix, e)
	}
	return e, nil
}

func (it *listing) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.lister.mu.Lock()
	it.lister.open--
	it.lister.mu.Unlock()
}

func (it *listing) Prefixes() []string {
	if !it.done {
		return nil
	}
	return append([]string(nil), it.allPrefixes...)
}
