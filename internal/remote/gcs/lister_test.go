package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

func newTestLister(t *testing.T, handler http.HandlerFunc) *Lister {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
		option.WithHTTPClient(server.Client()),
	)
	require.NoError(t, err)
	lister, err := New(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lister.Close() })
	return lister
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

func TestListReturnsObjectsThenPrefixes(t *testing.T) {
	t.Parallel()

	var gotPrefix, gotDelimiter string
	lister := newTestLister(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/b/bucket/o") {
			http.NotFound(w, r)
			return
		}
		gotPrefix = r.URL.Query().Get("prefix")
		gotDelimiter = r.URL.Query().Get("delimiter")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"kind":     "storage#objects",
			"prefixes": []string{"data/a/", "data/b/"},
			"items": []map[string]any{
				{
					"name":        "data/",
					"bucket":      "bucket",
					"size":        "0",
					"timeCreated": "2024-01-01T00:00:00Z",
					"updated":     "2024-01-01T00:00:00Z",
				},
				{
					"name":        "data/report.csv",
					"bucket":      "bucket",
					"size":        "300",
					"md5Hash":     "XrY7u+Ae7tCTyyK7j1rNww==",
					"mediaLink":   "https://example.test/data/report.csv",
					"timeCreated": "2024-01-02T03:04:05Z",
					"updated":     "2024-01-03T03:04:05Z",
				},
			},
		})
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

	require.Equal(t, "data/", gotPrefix)
	require.Equal(t, "/", gotDelimiter)
	require.Len(t, entries, 2)
	require.Equal(t, "data/", entries[0].Name)
	require.Equal(t, "data/report.csv", entries[1].Name)
	require.Equal(t, int64(300), entries[1].Size)
	require.Equal(t, "XrY7u+Ae7tCTyyK7j1rNww==", entries[1].Hash)
	require.Equal(t, "https://example.test/data/report.csv", entries[1].MediaLink)
	require.True(t, entries[1].Created.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.ElementsMatch(t, []string{"data/a/", "data/b/"}, listing.Prefixes())
}

func TestListSurfacesServerErrors(t *testing.T) {
	t.Parallel()

	lister := newTestLister(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"denied"}}`))
	})

	listing, err := lister.List(context.Background(), "bucket", "data/")
	require.NoError(t, err)
	_, err = listing.Next()
	require.Error(t, err)
	require.NotErrorIs(t, err, iterator.Done)
	require.Nil(t, listing.Prefixes())
}

func TestListRequiresBucket(t *testing.T) {
	t.Parallel()

	lister := newTestLister(t, func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	_, err := lister.List(context.Background(), "", "data/")
	require.ErrorIs(t, err, crawler.ErrMalformedInput)
}
