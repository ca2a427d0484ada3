package histcache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hour = int64(3600)

var base = int64(472223) * hour

func quietConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Providers = map[string]ProviderConfig{
		"test-provider": {
			RequestsPerWindow: 1000,
			Window:            time.Second,
			Burst:             100,
			DefaultPenalty:    50 * time.Millisecond,
			MaxPenalty:        time.Second,
			RequestTimeout:    time.Second,
		},
	}
	return cfg
}

func hourlyRaw(rng Range) []RawBar {
	var out []RawBar
	for ts := rng.Start; ts < rng.End; ts += hour {
		out = append(out, RawBar{
			Ticker:    "BTC-USD",
			Timestamp: time.Unix(ts, 0).UTC(),
			Frequency: "1h",
			Open:      "100",
			High:      "110",
			Low:       "90",
			Close:     fmt.Sprintf("%d", 100+ts%7),
			Volume:    "1",
		})
	}
	return out
}

func TestCacheEndToEnd(t *testing.T) {
	ctx := context.Background()
	rng, err := NewRange(base, base+6*hour)
	require.NoError(t, err)

	client := NewScriptedClient("test-provider", ScriptedResponse{Bars: hourlyRaw(rng)})
	cache, err := Open(ctx, quietConfig(), client)
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.HealthCheck(ctx))

	missing, err := cache.Gaps(ctx, "BTC-USD", Freq1h, rng)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, rng, missing[0])

	result, err := cache.Get(ctx, "BTC-USD", Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 6)
	assert.True(t, result.Manifest.Complete())
	assert.NotEmpty(t, result.Manifest.RequestID)

	covered, err := cache.Coverage(ctx, "BTC-USD", Freq1h, rng)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.Equal(t, rng, covered[0])

	// Second request is a pure cache hit.
	_, err = cache.Get(ctx, "BTC-USD", Freq1h, rng)
	require.NoError(t, err)
	assert.Equal(t, 1, client.CallCount())
	assert.Equal(t, int64(1), cache.Metrics().CacheHits)
}

func TestCacheDuckDBBackend(t *testing.T) {
	ctx := context.Background()
	cfg := quietConfig()
	cfg.Storage.Type = "duckdb"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "bars.db")

	rng, err := NewRange(base, base+3*hour)
	require.NoError(t, err)

	client := NewScriptedClient("test-provider", ScriptedResponse{Bars: hourlyRaw(rng)})
	cache, err := Open(ctx, cfg, client)
	require.NoError(t, err)
	defer cache.Close()

	result, err := cache.Get(ctx, "BTC-USD", Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 3)
}

func TestCacheFrequencyTableOption(t *testing.T) {
	ctx := context.Background()
	rng, err := NewRange(base, base+2*hour)
	require.NoError(t, err)

	raw := hourlyRaw(rng)
	for i := range raw {
		raw[i].Frequency = "60m" // yfinance label
	}

	client := NewScriptedClient("test-provider", ScriptedResponse{Bars: raw})
	cache, err := Open(ctx, quietConfig(), client, WithFrequencyTable(YFinanceFrequencies()))
	require.NoError(t, err)
	defer cache.Close()

	result, err := cache.Get(ctx, "BTC-USD", Freq1h, rng)
	require.NoError(t, err)
	require.Len(t, result.Bars, 2)
	assert.Equal(t, Freq1h, result.Bars[0].Frequency)
}

func TestCacheBadRequest(t *testing.T) {
	ctx := context.Background()
	cache, err := Open(ctx, quietConfig(), NewScriptedClient("test-provider"))
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Get(ctx, "", Freq1h, Range{Start: base, End: base + hour})
	assert.ErrorIs(t, err, ErrBadRequest)
}
