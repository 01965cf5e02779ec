// Package crawler defines the domain types, errors and collaborator
// interfaces shared by the folder-stats crawl pipeline: the remote lister,
// the durable store, the work queue batches and the report sinks.
package crawler
