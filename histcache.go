// Package histcache is a historical OHLCV bar cache with a reconciliation
// engine. Bars are persisted keyed by (ticker, timestamp, frequency); a
// request is served from the store where possible, and only the missing
// sub-ranges are fetched from the upstream provider, rate-limited,
// normalized, and merged back.
//
// Wire-level provider clients live outside this module: implement Client and
// hand it to Open.
package histcache

import (
	"context"
	"fmt"
	"log/slog"

	"histcache/internal/calendar"
	"histcache/internal/config"
	"histcache/internal/errs"
	"histcache/internal/gaps"
	"histcache/internal/logger"
	"histcache/internal/models"
	"histcache/internal/normalize"
	"histcache/internal/orchestrator"
	"histcache/internal/provider"
	"histcache/internal/ratelimit"
	"histcache/internal/storage"
)

// Re-exported types forming the public surface.
type (
	Bar             = models.Bar
	Range           = models.Range
	Frequency       = models.Frequency
	TimestampUnit   = models.TimestampUnit
	RawBar          = provider.RawBar
	Client          = provider.Client
	Config          = config.Config
	ProviderConfig  = config.ProviderConfig
	Result          = orchestrator.Result
	Manifest        = orchestrator.Manifest
	UnresolvedGap   = orchestrator.UnresolvedGap
	QuarantinedBar  = normalize.QuarantinedBar
	MetricsSnapshot = orchestrator.MetricsSnapshot
	ProviderError   = errs.ProviderError
)

// Frequency constants.
const (
	Freq1m  = models.Freq1m
	Freq3m  = models.Freq3m
	Freq5m  = models.Freq5m
	Freq15m = models.Freq15m
	Freq30m = models.Freq30m
	Freq1h  = models.Freq1h
	Freq2h  = models.Freq2h
	Freq4h  = models.Freq4h
	Freq6h  = models.Freq6h
	Freq8h  = models.Freq8h
	Freq12h = models.Freq12h
	Freq1d  = models.Freq1d
	Freq3d  = models.Freq3d
	Freq1w  = models.Freq1w
	Freq1M  = models.Freq1M
)

// ErrBadRequest marks request-level caller mistakes; test with errors.Is.
var ErrBadRequest = errs.ErrBadRequest

// DefaultConfig returns the conservative defaults: in-memory storage, second
// resolution timestamps, every slot expected.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig builds a Config from defaults, an optional JSON file, and
// environment variables.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewRange builds a validated half-open range.
func NewRange(start, end int64) (Range, error) { return models.NewRange(start, end) }

// ParseFrequency validates a canonical frequency label.
func ParseFrequency(s string) (Frequency, error) { return models.ParseFrequency(s) }

// NewScriptedClient builds a replaying test double; see provider.Scripted.
func NewScriptedClient(name string, responses ...ScriptedResponse) *provider.Scripted {
	return provider.NewScripted(name, responses...)
}

// ScriptedResponse is one scripted fetch outcome for NewScriptedClient.
type ScriptedResponse = provider.Response

// Cache is the assembled system: storage, rate limiting, and the
// reconciliation orchestrator behind one handle. Safe for concurrent use.
type Cache struct {
	store    storage.Store
	orch     *orchestrator.Orchestrator
	analyzer *gaps.Analyzer
	logger   *slog.Logger
}

// Option adjusts how Open assembles the cache.
type Option func(*openOptions)

type openOptions struct {
	frequencyTable map[string]Frequency
}

// WithFrequencyTable maps the client's native frequency labels onto the
// canonical set, for providers that do not already speak it. See
// normalize.BinanceFrequencies and normalize.YFinanceFrequencies for seeded
// tables.
func WithFrequencyTable(table map[string]Frequency) Option {
	return func(o *openOptions) { o.frequencyTable = table }
}

// BinanceFrequencies returns the seeded frequency table for Binance-style
// interval labels.
func BinanceFrequencies() map[string]Frequency { return normalize.BinanceFrequencies() }

// YFinanceFrequencies returns the seeded frequency table for Yahoo Finance
// interval labels.
func YFinanceFrequencies() map[string]Frequency { return normalize.YFinanceFrequencies() }

// Open assembles a cache from configuration and an upstream client,
// initializing the configured storage backend.
func Open(ctx context.Context, cfg *Config, client Client, opts ...Option) (*Cache, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	log := logger.New(cfg.Logging)

	var store storage.Store
	var err error
	switch cfg.Storage.Type {
	case "duckdb":
		store, err = storage.NewDuckDBStore(cfg.Storage.Path, log)
		if err != nil {
			return nil, err
		}
	default:
		store = storage.NewMemoryStore(log)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}

	limiter := ratelimit.NewRegistry(cfg, log)

	orch, err := orchestrator.NewFromConfig(cfg, store, client, limiter, o.frequencyTable, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	cal, err := calendar.ForPolicy(cfg.Calendar, cfg.TimestampUnit)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Cache{
		store:    store,
		orch:     orch,
		analyzer: gaps.NewAnalyzer(store, cal, cfg.TimestampUnit, log),
		logger:   log,
	}, nil
}

// Get serves bars for (ticker, freq) over the half-open range, fetching only
// what the store is missing. See orchestrator.Orchestrator.Get for the full
// contract.
func (c *Cache) Get(ctx context.Context, ticker string, freq Frequency, rng Range) (*Result, error) {
	return c.orch.Get(ctx, ticker, freq, rng)
}

// Refetch forces a provider round trip for the range, overwriting stored
// bars in place.
func (c *Cache) Refetch(ctx context.Context, ticker string, freq Frequency, rng Range) (*Result, error) {
	return c.orch.Refetch(ctx, ticker, freq, rng)
}

// Coverage reports the contiguous sub-ranges of rng already present in the
// store.
func (c *Cache) Coverage(ctx context.Context, ticker string, freq Frequency, rng Range) ([]Range, error) {
	return c.analyzer.Coverage(ctx, ticker, freq, rng)
}

// Gaps reports the sub-ranges of rng a Get would need to fetch, without
// fetching them.
func (c *Cache) Gaps(ctx context.Context, ticker string, freq Frequency, rng Range) ([]Range, error) {
	return c.analyzer.Gaps(ctx, ticker, freq, rng)
}

// Metrics returns the orchestrator's counters.
func (c *Cache) Metrics() MetricsSnapshot { return c.orch.Metrics() }

// HealthCheck probes the storage backend.
func (c *Cache) HealthCheck(ctx context.Context) error { return c.store.HealthCheck(ctx) }

// Close releases the storage backend.
func (c *Cache) Close() error {
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
