// Package orchestrator drives the reconciliation flow for historical bar
// requests: check the cache, fetch only the missing sub-ranges under the
// provider's rate budget, normalize and persist what came back, and serve
// the merged result. A request degrades to partial success when some gaps
// cannot be filled; every filled gap stays durable regardless of what
// happens to the ones after it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"histcache/internal/calendar"
	"histcache/internal/config"
	"histcache/internal/errs"
	"histcache/internal/gaps"
	"histcache/internal/models"
	"histcache/internal/normalize"
	"histcache/internal/provider"
	"histcache/internal/ratelimit"
	"histcache/internal/storage"
)

// Config wires an orchestrator's collaborators. Store, Client, and Limiter
// are required; everything else has working defaults.
type Config struct {
	Store   storage.BarStore
	Client  provider.Client
	Limiter *ratelimit.Registry

	// Calendar marks non-trading slots expected-absent. Nil means every slot
	// is expected.
	Calendar calendar.Calendar

	// FrequencyTable maps the client's native frequency labels to canonical
	// ones. Nil is fine for clients that already use canonical labels.
	FrequencyTable map[string]models.Frequency

	// Timezone is the zone the client's bars are quoted in when they do not
	// declare one. Empty means UTC.
	Timezone string

	// RequestTimeout bounds each individual provider call. Zero disables the
	// per-call deadline; the request context still applies.
	RequestTimeout time.Duration

	Retry  errs.RetryConfig
	Unit   models.TimestampUnit
	Logger *slog.Logger
}

// Orchestrator serves historical bar requests from the store, reconciling
// missing ranges against one upstream provider. Safe for concurrent use.
type Orchestrator struct {
	store    storage.BarStore
	client   provider.Client
	limiter  *ratelimit.Registry
	analyzer *gaps.Analyzer
	norm     *normalize.Normalizer

	retry   errs.RetryConfig
	timeout time.Duration
	unit    models.TimestampUnit
	logger  *slog.Logger
	metrics *Metrics
}

// UnresolvedGap records one sub-range the reconciliation could not fill and
// why, so the caller can retry it later.
type UnresolvedGap struct {
	Range    models.Range `json:"range"`
	Reason   string       `json:"reason"`
	Attempts int          `json:"attempts"`
}

// Manifest summarizes what one request did: how many gaps were found, which
// ones remain open, and which bars were quarantined during normalization.
type Manifest struct {
	RequestID   string                     `json:"request_id"`
	Ticker      string                     `json:"ticker"`
	Frequency   models.Frequency           `json:"frequency"`
	Range       models.Range               `json:"range"`
	GapsFound   int                        `json:"gaps_found"`
	GapsFilled  int                        `json:"gaps_filled"`
	Unresolved  []UnresolvedGap            `json:"unresolved,omitempty"`
	Quarantined []normalize.QuarantinedBar `json:"quarantined,omitempty"`
}

// Complete reports whether every detected gap was filled.
func (m *Manifest) Complete() bool { return len(m.Unresolved) == 0 }

// Result is a served request: the merged bars ordered ascending by
// timestamp, plus the manifest of what reconciliation did to produce them.
type Result struct {
	Bars     []models.Bar
	Manifest Manifest
}

// New builds an orchestrator from explicitly wired collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("provider client is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Unit == "" {
		cfg.Unit = models.UnitSeconds
	}
	if cfg.Retry == (errs.RetryConfig{}) {
		cfg.Retry = errs.DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	logger := cfg.Logger.With("component", "orchestrator", "provider", cfg.Client.Name())

	return &Orchestrator{
		store:    cfg.Store,
		client:   cfg.Client,
		limiter:  cfg.Limiter,
		analyzer: gaps.NewAnalyzer(cfg.Store, cfg.Calendar, cfg.Unit, cfg.Logger),
		norm:     normalize.New(cfg.Client.Name(), cfg.Timezone, cfg.FrequencyTable, cfg.Unit, cfg.Logger),
		retry:    cfg.Retry,
		timeout:  cfg.RequestTimeout,
		unit:     cfg.Unit,
		logger:   logger,
		metrics:  &Metrics{},
	}, nil
}

// NewFromConfig builds an orchestrator from application configuration,
// resolving the calendar policy, retry bounds, and the client's per-provider
// settings (source zone, call timeout) from cfg.
func NewFromConfig(cfg *config.Config, store storage.BarStore, client provider.Client, limiter *ratelimit.Registry, freqTable map[string]models.Frequency, logger *slog.Logger) (*Orchestrator, error) {
	cal, err := calendar.ForPolicy(cfg.Calendar, cfg.TimestampUnit)
	if err != nil {
		return nil, err
	}
	pc := cfg.Provider(client.Name())
	return New(Config{
		Store:          store,
		Client:         client,
		Limiter:        limiter,
		Calendar:       cal,
		FrequencyTable: freqTable,
		Timezone:       pc.Timezone,
		RequestTimeout: pc.RequestTimeout,
		Retry: errs.RetryConfig{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		Unit:   cfg.TimestampUnit,
		Logger: logger,
	})
}

// Get serves bars for (ticker, freq) over the half-open range rng. Ranges
// already in the store are never refetched; each missing sub-range costs at
// most the configured retry attempts against the provider. On return with a
// nil error the Result holds everything the store now has for the range,
// and the manifest lists any gaps that could not be filled this time.
//
// Errors: request mistakes match errs.ErrBadRequest; permanent provider
// failures, unsupported frequency labels, and storage failures abort the
// request. Bars upserted before the abort remain stored.
func (o *Orchestrator) Get(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) (*Result, error) {
	if err := validateRequest(ticker, freq, rng); err != nil {
		return nil, err
	}
	o.metrics.Requests.Add(1)

	manifest := Manifest{
		RequestID: uuid.NewString(),
		Ticker:    ticker,
		Frequency: freq,
		Range:     rng,
	}
	logger := o.logger.With("request_id", manifest.RequestID, "ticker", ticker, "frequency", freq)

	missing, err := o.analyzer.Gaps(ctx, ticker, freq, rng)
	if err != nil {
		return nil, err
	}
	manifest.GapsFound = len(missing)
	o.metrics.GapsDetected.Add(int64(len(missing)))
	if len(missing) == 0 {
		o.metrics.CacheHits.Add(1)
	}

	logger.Info("request started", "range", rng, "gaps", len(missing))

	for _, gap := range missing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unresolved, err := o.fillGap(ctx, logger, ticker, freq, gap, &manifest)
		if err != nil {
			return nil, err
		}
		if unresolved != nil {
			manifest.Unresolved = append(manifest.Unresolved, *unresolved)
			o.metrics.GapsUnresolved.Add(1)
			continue
		}
		manifest.GapsFilled++
		o.metrics.GapsFilled.Add(1)
	}

	bars, err := o.merge(ctx, ticker, freq, rng)
	if err != nil {
		return nil, err
	}
	o.metrics.BarsServed.Add(int64(len(bars)))

	logger.Info("request completed",
		"bars", len(bars),
		"gaps_filled", manifest.GapsFilled,
		"gaps_unresolved", len(manifest.Unresolved),
		"quarantined", len(manifest.Quarantined))

	return &Result{Bars: bars, Manifest: manifest}, nil
}

// Refetch forces a provider round trip for the whole range, overwriting any
// stored bars it re-covers. Used to repair known-bad upstream data; cached
// content is otherwise never refetched.
func (o *Orchestrator) Refetch(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) (*Result, error) {
	if err := validateRequest(ticker, freq, rng); err != nil {
		return nil, err
	}
	o.metrics.Requests.Add(1)

	manifest := Manifest{
		RequestID: uuid.NewString(),
		Ticker:    ticker,
		Frequency: freq,
		Range:     rng,
		GapsFound: 1,
	}
	logger := o.logger.With("request_id", manifest.RequestID, "ticker", ticker, "frequency", freq)
	logger.Info("refetch started", "range", rng)

	unresolved, err := o.fillGap(ctx, logger, ticker, freq, rng, &manifest)
	if err != nil {
		return nil, err
	}
	if unresolved != nil {
		manifest.Unresolved = append(manifest.Unresolved, *unresolved)
		o.metrics.GapsUnresolved.Add(1)
	} else {
		manifest.GapsFilled++
		o.metrics.GapsFilled.Add(1)
	}

	bars, err := o.merge(ctx, ticker, freq, rng)
	if err != nil {
		return nil, err
	}
	o.metrics.BarsServed.Add(int64(len(bars)))

	return &Result{Bars: bars, Manifest: manifest}, nil
}

// Metrics returns the orchestrator's counters.
func (o *Orchestrator) Metrics() MetricsSnapshot { return o.metrics.Snapshot() }

// fillGap runs acquire-fetch-normalize-upsert for one missing sub-range.
// A nil, nil return means the gap was filled and persisted. A non-nil
// UnresolvedGap means retries were exhausted or the provider had no data;
// the request carries on with the next gap. A non-nil error aborts the
// whole request.
func (o *Orchestrator) fillGap(ctx context.Context, logger *slog.Logger, ticker string, freq models.Frequency, gap models.Range, manifest *Manifest) (*UnresolvedGap, error) {
	attempts := 0
	var raw []provider.RawBar

	operation := func() error {
		attempts++
		if err := o.limiter.Acquire(ctx, o.client.Name()); err != nil {
			return backoff.Permanent(err)
		}

		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if o.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		}
		defer cancel()

		o.metrics.ProviderCalls.Add(1)
		fetched, err := o.client.Fetch(callCtx, ticker, freq, gap)
		if err != nil {
			return o.classifyFetchError(ctx, logger, gap, err)
		}
		raw = fetched
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(errs.NewBackoff(o.retry), ctx))
	if err != nil {
		var pe *errs.ProviderError
		if errors.As(err, &pe) && !pe.Transient() {
			return nil, fmt.Errorf("fetching %s %s %s: %w", ticker, freq, gap, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("gap left unresolved", "range", gap, "attempts", attempts, "error", err)
		return &UnresolvedGap{Range: gap, Reason: err.Error(), Attempts: attempts}, nil
	}

	result, err := o.norm.Normalize(ticker, raw)
	if err != nil {
		// Unsupported frequency labels mean the provider wiring is wrong
		// for this request; retrying other gaps would fail the same way.
		return nil, err
	}
	manifest.Quarantined = append(manifest.Quarantined, result.Quarantined...)
	o.metrics.BarsQuarantined.Add(int64(len(result.Quarantined)))

	if len(result.Bars) == 0 {
		logger.Warn("provider returned no storable bars", "range", gap, "quarantined", len(result.Quarantined))
		return &UnresolvedGap{Range: gap, Reason: "provider returned no storable bars", Attempts: attempts}, nil
	}

	if err := o.store.Upsert(ctx, result.Bars); err != nil {
		return nil, err
	}
	o.metrics.BarsStored.Add(int64(len(result.Bars)))

	logger.Debug("gap filled", "range", gap, "bars", len(result.Bars), "attempts", attempts)
	return nil, nil
}

// classifyFetchError maps a provider failure onto the retry policy:
// transient errors and per-call timeouts retry, throttling additionally
// widens the provider's penalty window, and everything else is permanent.
func (o *Orchestrator) classifyFetchError(ctx context.Context, logger *slog.Logger, gap models.Range, err error) error {
	var pe *errs.ProviderError
	if errors.As(err, &pe) {
		if pe.Throttled() {
			o.metrics.Throttles.Add(1)
			o.limiter.Penalize(o.client.Name(), pe.RetryAfter)
		}
		if pe.Transient() {
			logger.Debug("transient provider failure", "range", gap, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	// A deadline hit on the per-call context is a timeout, which retries;
	// cancellation of the request context aborts.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		logger.Debug("provider call timed out", "range", gap)
		return errs.NewTransientProviderError(o.client.Name(), err)
	}
	if ctx.Err() != nil {
		return backoff.Permanent(ctx.Err())
	}

	// Unclassified errors are not retried.
	return backoff.Permanent(errs.NewPermanentProviderError(o.client.Name(), err))
}

// merge reads back everything stored for the range in one ordered query.
func (o *Orchestrator) merge(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]models.Bar, error) {
	resp, err := o.store.Query(ctx, storage.QueryRequest{
		Ticker:    ticker,
		Frequency: freq,
		Range:     rng,
	})
	if err != nil {
		return nil, err
	}
	return resp.Bars, nil
}

func validateRequest(ticker string, freq models.Frequency, rng models.Range) error {
	if ticker == "" {
		return errs.BadRequest("ticker cannot be empty")
	}
	if !freq.IsValid() {
		return errs.BadRequest("unknown frequency %q", freq)
	}
	if err := rng.Validate(); err != nil {
		return errs.BadRequest("invalid range: %v", err)
	}
	return nil
}
