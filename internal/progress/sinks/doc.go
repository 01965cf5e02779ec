// Package sinks contains progress.Sink implementations.
package sinks
