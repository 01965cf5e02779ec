// Package report turns the per-path aggregation of a finished crawl into
// summaries for logs, message topics, the status API and the CLI.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
)

// Totals sums a report across paths.
type Totals struct {
	Paths   int   `json:"paths"`
	Bytes   int64 `json:"total_size_bytes"`
	Files   int64 `json:"file_count"`
	Folders int64 `json:"folder_count"`
}

// Report is one crawl generation's aggregation.
type Report struct {
	Generation  string              `json:"generation"`
	GeneratedAt time.Time           `json:"generated_at"`
	Totals      Totals              `json:"totals"`
	Stats       []crawler.PathStats `json:"stats"`
}

// Build assembles a Report from aggregated rows.
func Build(generation string, stats []crawler.PathStats, at time.Time) Report {
	return Report{
		Generation:  generation,
		GeneratedAt: at.UTC(),
		Totals:      Sum(stats),
		Stats:       stats,
	}
}

// Sum totals the rows.
func Sum(stats []crawler.PathStats) Totals {
	t := Totals{Paths: len(stats)}
	for _, st := range stats {
		t.Bytes += st.TotalSize
		t.Files += st.FileCount
		t.Folders += st.FolderCount
	}
	return t
}

// HumanBytes renders a byte count like "1.2 MB". Negative sizes render as 0 B.
func HumanBytes(n int64) string {
	return humanize.Bytes(uint64(max(n, 0)))
}

// WriteTable prints one aligned row per path followed by a totals line.
func WriteTable(w io.Writer, stats []crawler.PathStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tSIZE\tFILES\tFOLDERS\tEARLIEST CREATED\tLATEST UPDATED")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			st.Path,
			HumanBytes(st.TotalSize),
			humanize.Comma(st.FileCount),
			st.FolderCount,
			formatTime(st.EarliestCreated),
			formatTime(st.LatestUpdated),
		)
	}
	t := Sum(stats)
	fmt.Fprintf(tw, "TOTAL (%d paths)\t%s\t%s\t%d\t\t\n", t.Paths, HumanBytes(t.Bytes), humanize.Comma(t.Files), t.Folders)
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
