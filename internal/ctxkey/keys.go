// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with a request_id field.
type LoggerKey struct{}

// CallerKey is the context key type for the caller context: the screen or
// component that issued a data operation. Stored as a string.
type CallerKey struct{}
