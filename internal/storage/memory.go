// In-memory implementation of the Store contract, used by tests and as a
// cache-only mode. Semantics match the DuckDB backend: transactional batch
// upserts with per-key replace, ordered range queries.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"histcache/internal/models"
)

// MemoryStore implements Store with a mutex-guarded map keyed by
// (ticker, timestamp, frequency).
type MemoryStore struct {
	mu     sync.RWMutex
	bars   map[models.Key]models.Bar
	closed bool
	logger *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		bars:   make(map[models.Key]models.Bar),
		logger: logger,
	}
}

// Initialize is a no-op for the in-memory backend.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Upsert validates the whole batch first, then applies it under one lock
// acquisition, preserving the all-or-nothing batch guarantee.
func (m *MemoryStore) Upsert(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return NewUpsertError("historical_data", fmt.Errorf("invalid bar at index %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewUpsertError("historical_data", fmt.Errorf("store is closed"))
	}

	for i := range bars {
		m.bars[bars[i].Key()] = bars[i]
	}
	return nil
}

// Query returns bars matching the request, ordered by timestamp.
func (m *MemoryStore) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, NewQueryError("historical_data", fmt.Errorf("store is closed"))
	}

	var bars []models.Bar
	for key, bar := range m.bars {
		if req.Ticker != "" && key.Ticker != req.Ticker {
			continue
		}
		if req.Frequency != "" && key.Frequency != req.Frequency {
			continue
		}
		if !req.Range.IsZero() && !req.Range.Contains(key.Timestamp) {
			continue
		}
		bars = append(bars, bar)
	}
	m.mu.RUnlock()

	sort.Slice(bars, func(i, j int) bool {
		if req.Descending {
			return bars[i].Timestamp > bars[j].Timestamp
		}
		return bars[i].Timestamp < bars[j].Timestamp
	})

	if req.Limit > 0 && len(bars) > req.Limit {
		bars = bars[:req.Limit]
	}

	return &QueryResponse{
		Bars:      bars,
		Total:     len(bars),
		QueryTime: time.Since(start),
	}, nil
}

// Timestamps returns the sorted stored timestamps for one key within the
// range.
func (m *MemoryStore) Timestamps(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]int64, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, NewQueryError("historical_data", fmt.Errorf("store is closed"))
	}

	var timestamps []int64
	for key := range m.bars {
		if key.Ticker != ticker || key.Frequency != freq {
			continue
		}
		if !rng.Contains(key.Timestamp) {
			continue
		}
		timestamps = append(timestamps, key.Timestamp)
	}
	m.mu.RUnlock()

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps, nil
}

// Close marks the store closed; subsequent operations fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck reports whether the store is still open.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", fmt.Errorf("store is closed"))
	}
	return nil
}

// Stats returns counts and data bounds.
func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{
		TotalBars:        int64(len(m.bars)),
		QueryPerformance: make(map[string]time.Duration),
	}

	tickers := make(map[string]struct{})
	first := true
	for key := range m.bars {
		tickers[key.Ticker] = struct{}{}
		if first || key.Timestamp < stats.EarliestData {
			stats.EarliestData = key.Timestamp
		}
		if first || key.Timestamp > stats.LatestData {
			stats.LatestData = key.Timestamp
		}
		first = false
	}
	stats.TotalTickers = len(tickers)

	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
