package crawler

import (
	"fmt"
	"strings"
)

// Separator is the object store folder separator.
const Separator = "/"

// RootPath is the aggregation path of objects stored at the bucket root.
const RootPath = "/"

// Target identifies the remote subtree to crawl.
type Target struct {
	Bucket string
	Prefix string
}

// String renders the target in bucket/prefix form.
func (t Target) String() string {
	return t.Bucket + Separator + t.Prefix
}

// ParseTarget splits "bucket/prefix" into its parts. The bucket and the
// separator are required; "bucket/" names the bucket root. A non-empty
// prefix is normalized to end with the separator.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "gs://")
	raw = strings.TrimPrefix(raw, "s3://")
	bucket, prefix, ok := strings.Cut(raw, Separator)
	if !ok || bucket == "" {
		return Target{}, fmt.Errorf("%w: expected bucket/prefix, got %q", ErrMalformedInput, raw)
	}
	return Target{Bucket: bucket, Prefix: NormalizeFolder(prefix)}, nil
}

// NormalizeFolder trims leading separators and guarantees a trailing one.
// The empty string stays empty (bucket root).
func NormalizeFolder(p string) string {
	p = strings.TrimLeft(p, Separator)
	if p == "" {
		return ""
	}
	if !strings.HasSuffix(p, Separator) {
		p += Separator
	}
	return p
}

// IsFolderName reports whether an object name is a folder placeholder.
func IsFolderName(name string) bool {
	return strings.HasSuffix(name, Separator)
}

// ParentPath returns the folder an object lives in, including the trailing
// separator. Objects at the bucket root map to RootPath.
func ParentPath(name string) string {
	idx := strings.LastIndex(name, Separator)
	if idx < 0 {
		return RootPath
	}
	return name[:idx+1]
}

// NormalizeEntry converts a remote entry into the record persisted for it.
func NormalizeEntry(folder string, entry RemoteEntry) ObjectRecord {
	rec := ObjectRecord{
		CreatedAt: optionalTime(entry.Created),
		UpdatedAt: optionalTime(entry.Updated),
		Folder:    folder,
	}
	if IsFolderName(entry.Name) {
		rec.Path = entry.Name
		rec.Kind = KindFolder
		return rec
	}
	rec.Path = ParentPath(entry.Name)
	rec.Kind = KindFile
	rec.Size = max(entry.Size, 0)
	rec.ContentHash = entry.Hash
	rec.MediaLink = entry.MediaLink
	return rec
}
