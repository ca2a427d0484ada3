// Package storage defines the persistence layer for historical bars: a keyed
// table with ordered range queries and idempotent, transactional batch
// upserts. Two backends implement the contract, an embedded DuckDB store and
// an in-memory store.
package storage

import (
	"context"
	"fmt"
	"time"

	"histcache/internal/models"
)

// BarStore is the storage contract the reconciliation engine depends on.
//
// Upsert is atomic per call: every bar either inserts a new row or replaces
// the existing row's value fields, and the batch commits all-or-nothing, so
// a partially-fetched-then-failed batch never leaves half-written rows.
// Concurrent upserts to the same key resolve last-writer-wins at the
// batch-commit boundary; disjoint keys proceed independently.
type BarStore interface {
	// Query returns bars for (ticker, frequency) with timestamps in the
	// half-open range, sorted ascending. Empty result if nothing is cached.
	Query(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// Upsert writes the batch transactionally with per-key replace semantics.
	Upsert(ctx context.Context, bars []models.Bar) error

	// Timestamps returns the sorted stored timestamps for (ticker, frequency)
	// within the range. This is the coverage-scan input for gap analysis and
	// avoids materializing full bars.
	Timestamps(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]int64, error)
}

// Manager handles store lifecycle and operational concerns.
type Manager interface {
	// Initialize prepares the backend: creates the historical_data table and
	// its indexes. Idempotent.
	Initialize(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error

	// HealthCheck verifies the backend is reachable with a lightweight probe.
	HealthCheck(ctx context.Context) error

	// Stats returns operational statistics for monitoring.
	Stats(ctx context.Context) (*Stats, error)
}

// Store combines data access and lifecycle management.
type Store interface {
	BarStore
	Manager
}

// QueryRequest selects bars for one key over one half-open range.
type QueryRequest struct {
	Ticker    string
	Frequency models.Frequency
	Range     models.Range

	// Limit caps the number of returned bars; 0 means no cap.
	Limit int

	// Descending reverses the default ascending timestamp order.
	Descending bool
}

// QueryResponse carries the query results plus timing metadata.
type QueryResponse struct {
	Bars      []models.Bar
	Total     int
	QueryTime time.Duration
}

// Stats provides operational metrics about the store.
type Stats struct {
	TotalBars        int64
	TotalTickers     int
	EarliestData     int64
	LatestData       int64
	QueryPerformance map[string]time.Duration
}

// StorageError represents a storage-layer failure. These are always fatal
// and surfaced to the caller; the system has no fallback store.
type StorageError struct {
	Operation string
	Table     string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps a backend failure with operation context.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewQueryError wraps a read failure.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}

// NewUpsertError wraps a write failure.
func NewUpsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "upsert", Table: table, Err: err}
}
