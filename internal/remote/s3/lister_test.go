package s3

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

const listResponse = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>bucket</Name>
  <Prefix>data/</Prefix>
  <KeyCount>3</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <Delimiter>/</Delimiter>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>data/</Key>
    <LastModified>2024-01-01T00:00:00.000Z</LastModified>
    <ETag>&quot;d41d8cd98f00b204e9800998ecf8427e&quot;</ETag>
    <Size>0</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <Contents>
    <Key>data/report.csv</Key>
    <LastModified>2024-01-03T03:04:05.000Z</LastModified>
    <ETag>&quot;5eb63bbbe01eeed093cb22bb8f5acdc3&quot;</ETag>
    <Size>300</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <CommonPrefixes><Prefix>data/a/</Prefix></CommonPrefixes>
  <CommonPrefixes><Prefix>data/b/</Prefix></CommonPrefixes>
</ListBucketResult>`

func newTestLister(t *testing.T, handler http.HandlerFunc) *Lister {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	lister, err := New(Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
		PathStyle: true,
	})
	require.NoError(t, err)
	return lister
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestListSplitsObjectsAndPrefixes(t *testing.T) {
	t.Parallel()

	var gotPath, gotPrefix, gotDelimiter string
	lister := newTestLister(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotPrefix = r.URL.Query().Get("prefix")
		gotDelimiter = r.URL.Query().Get("delimiter")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(listResponse))
	})

	listing, err := lister.List(context.Background(), "bucket", "data/")
	require.NoError(t, err)

	var entries []crawler.RemoteEntry
	for {
		entry, err := listing.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	require.True(t, strings.HasPrefix(gotPath, "/bucket"), gotPath)
	require.Equal(t, "data/", gotPrefix)
	require.Equal(t, "/", gotDelimiter)
	require.Len(t, entries, 2)
	require.Equal(t, "data/", entries[0].Name)
	require.Equal(t, "data/report.csv", entries[1].Name)
	require.Equal(t, int64(300), entries[1].Size)
	require.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", entries[1].Hash)
	require.True(t, entries[1].Updated.Equal(time.Date(2024, 1, 3, 3, 4, 5, 0, time.UTC)))
	require.True(t, entries[1].Created.IsZero())
	require.Equal(t, []string{"data/a/", "data/b/"}, listing.Prefixes())
}

func TestListSurfacesErrors(t *testing.T) {
	t.Parallel()

	lister := newTestLister(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchBucket</Code><Message>The specified bucket does not exist</Message><BucketName>bucket</BucketName></Error>`))
	})

	listing, err := lister.List(context.Background(), "bucket", "data/")
	require.NoError(t, err)
	_, err = listing.Next()
	require.Error(t, err)
	require.NotErrorIs(t, err, iterator.Done)
	require.Contains(t, err.Error(), "bucket does not exist")
}

func TestCloseStopsAbandonedListing(t *testing.T) {
	t.Parallel()

	arrived := make(chan struct{})
	gone := make(chan struct{})
	var once sync.Once
	lister := newTestLister(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			close(arrived)
			<-r.Context().Done()
			close(gone)
		})
	})

	listing, err := lister.List(context.Background(), "bucket", "data/")
	require.NoError(t, err)
	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("listing never reached the endpoint")
	}

	listing.Close()
	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("request kept running after Close")
	}
	_, err = listing.Next()
	require.Error(t, err)
	require.NotErrorIs(t, err, iterator.Done)
	require.Nil(t, listing.Prefixes())
}
