// Package gcs lists bucket contents through Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// Lister performs delimiter listings against GCS.
type Lister struct {
	client *storage.Client
}

// New wraps a storage client.
func New(client *storage.Client) (*Lister, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return &Lister{client: client}, nil
}

// List implements crawler.RemoteLister.
func (l *Lister) List(ctx context.Context, bucket, prefix string) (crawler.Listing, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required: %w", crawler.ErrMalformedInput)
	}
	query := &storage.Query{Prefix: prefix, Delimiter: crawler.Separator}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Created", "Updated", "MD5", "MediaLink"}); err != nil {
		return nil, fmt.Errorf("select attrs: %w", err)
	}
	return &listing{it: l.client.Bucket(bucket).Objects(ctx, query)}, nil
}

// Close releases the underlying client.
func (l *Lister) Close() error {
	return l.client.Close()
}

type listing struct {
	it       *storage.ObjectIterator
	prefixes []string
	done     bool
}

func (l *listing) Next() (crawler.RemoteEntry, error) {
	for {
		attrs, err := l.it.Next()
		if errors.Is(err, iterator.Done) {
			l.done = true
			return crawler.RemoteEntry{}, iterator.Done
		}
		if err != nil {
			return crawler.RemoteEntry{}, fmt.Errorf("list objects: %w", err)
		}
		if attrs.Prefix != "" {
			l.prefixes = append(l.prefixes, attrs.Prefix)
			continue
		}
		entry := crawler.RemoteEntry{
			Name:      attrs.Name,
			Size:      attrs.Size,
			Created:   attrs.Created,
			Updated:   attrs.Updated,
			MediaLink: attrs.MediaLink,
		}
		if len(attrs.MD5) > 0 {
			entry.Hash = base64.StdEncoding.EncodeToString(attrs.MD5)
		}
		return entry, nil
	}
}

// Close is a no-op: the object iterator fetches pages on demand and holds
// nothing between Next calls.
func (l *listing) Close() {}

func (l *listing) Prefixes() []string {
	if !l.done {
		return nil
	}
	return l.prefixes
}
