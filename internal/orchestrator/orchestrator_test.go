package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histcache/internal/config"
	"histcache/internal/errs"
	"histcache/internal/models"
	"histcache/internal/provider"
	"histcache/internal/ratelimit"
	"histcache/internal/storage"
)

const hour = int64(3600)

var base = int64(472223) * hour // hour-aligned epoch

func testLimiter() *ratelimit.Registry {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"test-provider": {
			RequestsPerWindow: 1000,
			Window:            time.Second,
			Burst:             100,
			DefaultPenalty:    50 * time.Millisecond,
			MaxPenalty:        time.Second,
			RequestTimeout:    time.Second,
		},
	}
	return ratelimit.NewRegistry(cfg, nil)
}

func newOrchestrator(t *testing.T, client provider.Client) (*Orchestrator, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(nil)
	orch, err := New(Config{
		Store:   store,
		Client:  client,
		Limiter: testLimiter(),
		Retry: errs.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		Unit: models.UnitSeconds,
	})
	require.NoError(t, err)
	return orch, store
}

// rawBarsFor synthesizes one well-formed raw bar per hourly slot of rng.
func rawBarsFor(rng models.Range) []provider.RawBar {
	var out []provider.RawBar
	for ts := rng.Start; ts < rng.End; ts += hour {
		out = append(out, provider.RawBar{
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

func TestGetColdCacheThenIdempotent(t *testing.T) {
	rng := models.Range{Start: base, End: base + 10*hour}
	client := provider.NewScripted("test-provider",
		provider.Response{Bars: rawBarsFor(rng)},
	)
	orch, _ := newOrchestrator(t, client)
	ctx := context.Background()

	result, err := orch.Get(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 10)
	assert.True(t, result.Manifest.Complete())
	assert.Equal(t, 1, result.Manifest.GapsFound)
	assert.Equal(t, 1, client.CallCount())

	// Same request again: everything is cached, the provider must not be
	// touched.
	again, err := orch.Get(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, again.Bars, 10)
	assert.Zero(t, again.Manifest.GapsFound)
	assert.Equal(t, 1, client.CallCount(), "a cache hit costs zero provider calls")
	assert.Equal(t, int64(1), orch.Metrics().CacheHits)
}

func TestGetFetchesOnlyMissingSubranges(t *testing.T) {
	rng := models.Range{Start: base, End: base + 10*hour}
	middle := models.Range{Start: base + 3*hour, End: base + 7*hour}

	client := provider.NewScripted("test-provider",
		provider.Response{Bars: rawBarsFor(middle)},
		provider.Response{Bars: rawBarsFor(models.Range{Start: base, End: base + 3*hour})},
		provider.Response{Bars: rawBarsFor(models.Range{Start: base + 7*hour, End: base + 10*hour})},
	)
	orch, _ := newOrchestrator(t, client)
	ctx := context.Background()

	// Warm the middle of the range first.
	_, err := orch.Get(ctx, "BTC-USD", models.Freq1h, middle)
	require.NoError(t, err)
	require.Equal(t, 1, client.CallCount())

	// The wider request must fetch only the two flanks.
	result, err := orch.Get(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 10)
	assert.Equal(t, 2, result.Manifest.GapsFound)
	require.Equal(t, 3, client.CallCount())

	calls := client.Calls()
	assert.Equal(t, models.Range{Start: base, End: base + 3*hour}, calls[1].Range)
	assert.Equal(t, models.Range{Start: base + 7*hour, End: base + 10*hour}, calls[2].Range)
}

func TestGetPartialFailureKeepsProgress(t *testing.T) {
	// Stored slots at hours 2 and 6 split the request into three gaps.
	rng := models.Range{Start: base, End: base + 10*hour}
	gap1 := models.Range{Start: base, End: base + 2*hour}
	gap2 := models.Range{Start: base + 3*hour, End: base + 6*hour}
	gap3 := models.Range{Start: base + 7*hour, End: base + 10*hour}

	transient := errs.NewTransientProviderError("test-provider", errors.New("upstream 503"))
	client := provider.NewScripted("test-provider",
		provider.Response{Bars: rawBarsFor(gap1)},
		provider.Response{Err: transient}, // gap2, attempt 1
		provider.Response{Err: transient}, // gap2, attempt 2: retries exhausted
		provider.Response{Bars: rawBarsFor(gap3)},
	)
	orch, store := newOrchestrator(t, client)
	ctx := context.Background()

	seed := rawBarsFor(models.Range{Start: base + 2*hour, End: base + 3*hour})
	seed = append(seed, rawBarsFor(models.Range{Start: base + 6*hour, End: base + 7*hour})...)
	for _, rb := range seed {
		bar, err := models.NewBar(rb.Ticker, rb.Timestamp.Unix(), models.Freq1h,
			rb.Open, rb.High, rb.Low, rb.Close, rb.Volume, "test-provider", models.UnitSeconds)
		require.NoError(t, err)
		require.NoError(t, store.Upsert(ctx, []models.Bar{*bar}))
	}

	result, err := orch.Get(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err, "one failed gap degrades to partial success, not an error")

	assert.Equal(t, 3, result.Manifest.GapsFound)
	assert.Equal(t, 2, result.Manifest.GapsFilled)
	require.Len(t, result.Manifest.Unresolved, 1)
	assert.Equal(t, gap2, result.Manifest.Unresolved[0].Range)
	assert.Equal(t, 2, result.Manifest.Unresolved[0].Attempts)
	assert.False(t, result.Manifest.Complete())

	// Bars from the gaps that did succeed are stored and served.
	assert.Len(t, result.Bars, 7)

	// A later request retries only the failed sub-range.
	followup := provider.NewScripted("test-provider", provider.Response{Bars: rawBarsFor(gap2)})
	orch2, err := New(Config{
		Store: store, Client: followup, Limiter: testLimiter(), Unit: models.UnitSeconds,
	})
	require.NoError(t, err)

	result, err = orch2.Get(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 10)
	require.Equal(t, 1, followup.CallCount())
	assert.Equal(t, gap2, followup.Calls()[0].Range)
}

func TestGetPermanentErrorAborts(t *testing.T) {
	rng := models.Range{Start: base, End: base + 5*hour}
	client := provider.NewScripted("test-provider",
		provider.Response{Err: errs.NewPermanentProviderError("test-provider", errors.New("unknown ticker"))},
	)
	orch, _ := newOrchestrator(t, client)

	_, err := orch.Get(context.Background(), "NOPE", models.Freq1h, rng)
	require.Error(t, err)
	var pe *errs.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Transient())
	assert.Equal(t, 1, client.CallCount(), "permanent failures are not retried")
}

func TestGetThrottleWidensPenalty(t *testing.T) {
	rng := models.Range{Start: base, End: base + 2*hour}
	client := provider.NewScripted("test-provider",
		provider.Response{Err: errs.NewThrottledProviderError("test-provider", 200*time.Millisecond, errors.New("429"))},
		provider.Response{Bars: rawBarsFor(rng)},
	)
	orch, _ := newOrchestrator(t, client)

	start := time.Now()
	result, err := orch.Get(context.Background(), "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Len(t, result.Bars, 2)
	assert.Equal(t, 2, client.CallCount())

	// The retry had to wait out the 200ms penalty the throttle installed.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int64(1), orch.Metrics().Throttles)
}

func TestGetQuarantineReported(t *testing.T) {
	rng := models.Range{Start: base, End: base + 3*hour}
	raw := rawBarsFor(rng)
	raw[1].High = "10" // far below open: fails validation

	client := provider.NewScripted("test-provider", provider.Response{Bars: raw})
	orch, _ := newOrchestrator(t, client)

	result, err := orch.Get(context.Background(), "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)

	assert.Len(t, result.Bars, 2, "the anomalous bar is not stored")
	require.Len(t, result.Manifest.Quarantined, 1)
	assert.Contains(t, result.Manifest.Quarantined[0].Reason, "high")
	assert.Equal(t, int64(1), orch.Metrics().BarsQuarantined)
}

func TestGetNoDataIsUnresolved(t *testing.T) {
	rng := models.Range{Start: base, End: base + 2*hour}
	client := provider.NewScripted("test-provider", provider.Response{Bars: nil})
	orch, _ := newOrchestrator(t, client)

	result, err := orch.Get(context.Background(), "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Empty(t, result.Bars)
	require.Len(t, result.Manifest.Unresolved, 1)
	assert.Equal(t, rng, result.Manifest.Unresolved[0].Range)
}

func TestGetUnsupportedFrequencyAborts(t *testing.T) {
	rng := models.Range{Start: base, End: base + 2*hour}
	raw := rawBarsFor(rng)
	raw[0].Frequency = "weird-label"

	client := provider.NewScripted("test-provider", provider.Response{Bars: raw})
	orch, _ := newOrchestrator(t, client)

	_, err := orch.Get(context.Background(), "BTC-USD", models.Freq1h, rng)
	require.Error(t, err)
	var ufe *errs.UnsupportedFrequencyError
	assert.ErrorAs(t, err, &ufe)
}

func TestGetBadRequest(t *testing.T) {
	client := provider.NewScripted("test-provider")
	orch, _ := newOrchestrator(t, client)
	ctx := context.Background()
	rng := models.Range{Start: base, End: base + hour}

	_, err := orch.Get(ctx, "", models.Freq1h, rng)
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	_, err = orch.Get(ctx, "BTC-USD", "45m", rng)
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	_, err = orch.Get(ctx, "BTC-USD", models.Freq1h, models.Range{Start: base, End: base})
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	assert.Zero(t, client.CallCount())
}

func TestRefetchOverwrites(t *testing.T) {
	rng := models.Range{Start: base, End: base + 2*hour}

	original := rawBarsFor(rng)
	amended := rawBarsFor(rng)
	for i := range amended {
		amended[i].Close = "105"
	}

	client := provider.NewScripted("test-provider",
		provider.Response{Bars: original},
		provider.Response{Bars: amended},
	)
	orch, _ := newOrchestrator(t, client)
	ctx := context.Background()

	_, err := orch.Get(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)

	// Get would serve from cache; Refetch forces the round trip and
	// replaces the stored rows in place.
	result, err := orch.Refetch(ctx, "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)
	assert.Equal(t, 2, client.CallCount())
	require.Len(t, result.Bars, 2)
	for _, bar := range result.Bars {
		assert.Equal(t, "105", bar.Close)
	}
}

func TestMetricsCounters(t *testing.T) {
	rng := models.Range{Start: base, End: base + 3*hour}
	client := provider.NewScripted("test-provider", provider.Response{Bars: rawBarsFor(rng)})
	orch, _ := newOrchestrator(t, client)

	_, err := orch.Get(context.Background(), "BTC-USD", models.Freq1h, rng)
	require.NoError(t, err)

	m := orch.Metrics()
	assert.Equal(t, int64(1), m.Requests)
	assert.Equal(t, int64(1), m.GapsDetected)
	assert.Equal(t, int64(1), m.GapsFilled)
	assert.Equal(t, int64(1), m.ProviderCalls)
	assert.Equal(t, int64(3), m.BarsStored)
	assert.Equal(t, int64(3), m.BarsServed)
	assert.Zero(t, m.GapsUnresolved)
}

func TestNewRequiresCollaborators(t *testing.T) {
	client := provider.NewScripted("test-provider")

	_, err := New(Config{Client: client, Limiter: testLimiter()})
	assert.Error(t, err)

	_, err = New(Config{Store: storage.NewMemoryStore(nil), Limiter: testLimiter()})
	assert.Error(t, err)

	_, err = New(Config{Store: storage.NewMemoryStore(nil), Client: client})
	assert.Error(t, err)
}
