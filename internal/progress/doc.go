// Package progress carries crawl lifecycle events from the lister, writer, and
// orchestrator to pluggable sinks. Events are batched on a background
// goroutine so emitters never block on logging or publishing.
package progress
