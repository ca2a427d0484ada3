package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histcache/internal/models"
)

// The contract suite runs against every backend; both must satisfy the same
// observable semantics.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore(nil)
		},
		"duckdb": func(t *testing.T) Store {
			store, err := NewDuckDBStore(filepath.Join(t.TempDir(), "bars.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func testBar(ts int64) models.Bar {
	return models.Bar{
		Ticker:    "BTC-USD",
		Timestamp: ts,
		Frequency: models.Freq1h,
		Open:      "50000",
		High:      "51000",
		Low:       "49500",
		Close:     "50500",
		Volume:    "123.45",
		Source:    "coinbase",
		CreatedAt: ts + 60,
	}
}

// assertPriceEqual compares decimal values, not string renderings: the REAL
// column round trip may change formatting but never the value.
func assertPriceEqual(t *testing.T, want, got string) {
	t.Helper()
	w := decimal.RequireFromString(want)
	g := decimal.RequireFromString(got)
	assert.True(t, w.Equal(g), "want %s, got %s", want, got)
}

func TestStoreUpsertAndQuery(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			bars := []models.Bar{testBar(7200), testBar(3600), testBar(10800)}
			require.NoError(t, store.Upsert(ctx, bars))

			resp, err := store.Query(ctx, QueryRequest{
				Ticker:    "BTC-USD",
				Frequency: models.Freq1h,
				Range:     models.Range{Start: 3600, End: 14400},
			})
			require.NoError(t, err)
			require.Len(t, resp.Bars, 3)

			// Ascending regardless of insert order.
			assert.Equal(t, int64(3600), resp.Bars[0].Timestamp)
			assert.Equal(t, int64(7200), resp.Bars[1].Timestamp)
			assert.Equal(t, int64(10800), resp.Bars[2].Timestamp)
			assertPriceEqual(t, "50000", resp.Bars[0].Open)
			assertPriceEqual(t, "123.45", resp.Bars[0].Volume)
		})
	}
}

func TestStoreUpsertReplacesOnKey(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			first := testBar(3600)
			require.NoError(t, store.Upsert(ctx, []models.Bar{first}))

			second := testBar(3600)
			second.Close = "60000"
			second.Source = "binance"
			require.NoError(t, store.Upsert(ctx, []models.Bar{second}))

			resp, err := store.Query(ctx, QueryRequest{
				Ticker:    "BTC-USD",
				Frequency: models.Freq1h,
				Range:     models.Range{Start: 1, End: 14400},
			})
			require.NoError(t, err)
			require.Len(t, resp.Bars, 1, "same key must not produce a second row")
			assertPriceEqual(t, "60000", resp.Bars[0].Close)
			assert.Equal(t, "binance", resp.Bars[0].Source)
		})
	}
}

func TestStoreUpsertIdempotent(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			bars := []models.Bar{testBar(3600), testBar(7200)}
			require.NoError(t, store.Upsert(ctx, bars))
			require.NoError(t, store.Upsert(ctx, bars))

			resp, err := store.Query(ctx, QueryRequest{Ticker: "BTC-USD", Frequency: models.Freq1h})
			require.NoError(t, err)
			assert.Len(t, resp.Bars, 2)
		})
	}
}

func TestStoreUpsertBatchAtomicity(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			bad := testBar(7200)
			bad.High = "1" // below open: invalid

			err := store.Upsert(ctx, []models.Bar{testBar(3600), bad})
			require.Error(t, err)

			resp, err := store.Query(ctx, QueryRequest{Ticker: "BTC-USD", Frequency: models.Freq1h})
			require.NoError(t, err)
			assert.Empty(t, resp.Bars, "a failed batch must write nothing")
		})
	}
}

func TestStoreQueryHalfOpenRange(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			require.NoError(t, store.Upsert(ctx, []models.Bar{
				testBar(3600), testBar(7200), testBar(10800),
			}))

			resp, err := store.Query(ctx, QueryRequest{
				Ticker:    "BTC-USD",
				Frequency: models.Freq1h,
				Range:     models.Range{Start: 3600, End: 10800},
			})
			require.NoError(t, err)
			require.Len(t, resp.Bars, 2, "range end is exclusive")
			assert.Equal(t, int64(7200), resp.Bars[1].Timestamp)
		})
	}
}

func TestStoreQueryLimitAndOrder(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			require.NoError(t, store.Upsert(ctx, []models.Bar{
				testBar(3600), testBar(7200), testBar(10800), testBar(14400),
			}))

			resp, err := store.Query(ctx, QueryRequest{
				Ticker:     "BTC-USD",
				Frequency:  models.Freq1h,
				Descending: true,
				Limit:      2,
			})
			require.NoError(t, err)
			require.Len(t, resp.Bars, 2)
			assert.Equal(t, int64(14400), resp.Bars[0].Timestamp)
			assert.Equal(t, int64(10800), resp.Bars[1].Timestamp)
		})
	}
}

func TestStoreTimestamps(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			require.NoError(t, store.Upsert(ctx, []models.Bar{
				testBar(10800), testBar(3600), testBar(7200),
			}))

			// A different frequency for the same ticker must not leak in.
			other := testBar(3600)
			other.Frequency = models.Freq1d
			require.NoError(t, store.Upsert(ctx, []models.Bar{other}))

			got, err := store.Timestamps(ctx, "BTC-USD", models.Freq1h, models.Range{Start: 1, End: 20000})
			require.NoError(t, err)
			assert.Equal(t, []int64{3600, 7200, 10800}, got)
		})
	}
}

func TestStoreHealthAndStats(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))
			require.NoError(t, store.HealthCheck(ctx))

			require.NoError(t, store.Upsert(ctx, []models.Bar{testBar(3600), testBar(7200)}))

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(2), stats.TotalBars)
			assert.Equal(t, 1, stats.TotalTickers)
			assert.Equal(t, int64(3600), stats.EarliestData)
			assert.Equal(t, int64(7200), stats.LatestData)
		})
	}
}

func TestStoreClosedOperationsFail(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))
			require.NoError(t, store.Close())

			assert.Error(t, store.HealthCheck(ctx))
			assert.Error(t, store.Upsert(ctx, []models.Bar{testBar(3600)}))
		})
	}
}

func TestStoreMillisecondTimestamps(t *testing.T) {
	// Millisecond epochs exceed 32-bit range; the timestamp columns must
	// hold them on every backend.
	ms := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC).UnixMilli()

	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			require.NoError(t, store.Initialize(ctx))

			bar := testBar(ms)
			bar.CreatedAt = ms + 60_000
			require.NoError(t, store.Upsert(ctx, []models.Bar{bar}))

			resp, err := store.Query(ctx, QueryRequest{
				Ticker:    "BTC-USD",
				Frequency: models.Freq1h,
				Range:     models.Range{Start: ms, End: ms + 3_600_000},
			})
			require.NoError(t, err)
			require.Len(t, resp.Bars, 1)
			assert.Equal(t, ms, resp.Bars[0].Timestamp)
			assert.Equal(t, ms+60_000, resp.Bars[0].CreatedAt)

			got, err := store.Timestamps(ctx, "BTC-USD", models.Freq1h, models.Range{Start: ms, End: ms + 1})
			require.NoError(t, err)
			assert.Equal(t, []int64{ms}, got)
		})
	}
}

func TestDuckDBPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bars.db")

	store, err := NewDuckDBStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Upsert(ctx, []models.Bar{testBar(3600)}))
	require.NoError(t, store.Close())

	reopened, err := NewDuckDBStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Initialize(ctx))

	resp, err := reopened.Query(ctx, QueryRequest{Ticker: "BTC-USD", Frequency: models.Freq1h})
	require.NoError(t, err)
	require.Len(t, resp.Bars, 1)
	assert.Equal(t, int64(3600), resp.Bars[0].Timestamp)
}
