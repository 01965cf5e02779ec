// Package s3 lists S3-compatible buckets through the MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// Config captures how to reach the S3 endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// PathStyle forces path-style bucket addressing, which most
	// self-hosted endpoints need.
	PathStyle bool
}

// Lister performs delimiter listings against an S3 endpoint.
type Lister struct {
	client *minio.Client
}

// New builds a client from cfg.
func New(cfg Config) (*Lister, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Lister{client: client}, nil
}

// List implements crawler.RemoteLister. S3 has no creation time, so records
// listed here only carry an update time.
func (l *Lister) List(ctx context.Context, bucket, prefix string) (crawler.Listing, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required: %w", crawler.ErrMalformedInput)
	}
	listCtx, cancel := context.WithCancel(ctx)
	ch := l.client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{Prefix: prefix})
	return &listing{ch: ch, cancel: cancel}, nil
}

type listing struct {
	ch       <-chan minio.ObjectInfo
	cancel   context.CancelFunc
	prefixes []string
	done     bool
	closed   bool
}

func (l *listing) Next() (crawler.RemoteEntry, error) {
	if l.closed {
		return crawler.RemoteEntry{}, errors.New("list objects: listing closed")
	}
	for obj := range l.ch {
		if obj.Err != nil {
			l.cancel()
			return crawler.RemoteEntry{}, fmt.Errorf("list objects: %w", obj.Err)
		}
		// common prefixes arrive as bare keys
		if strings.HasSuffix(obj.Key, crawler.Separator) && obj.LastModified.IsZero() && obj.ETag == "" {
			l.prefixes = append(l.prefixes, obj.Key)
			continue
		}
		return crawler.RemoteEntry{
			Name:    obj.Key,
			Size:    obj.Size,
			Updated: obj.LastModified,
			Hash:    obj.ETag,
		}, nil
	}
	l.done = true
	l.cancel()
	return crawler.RemoteEntry{}, iterator.Done
}

// Close stops the background ListObjects request.
func (l *listing) Close() {
	l.closed = true
	l.cancel()
}

func (l *listing) Prefixes() []string {
	if !l.done {
		return nil
	}
	return l.prefixes
}
