// Package gaps computes which sub-ranges of a requested time range are not
// yet covered by stored bars. The analyzer walks the expected timestamp grid
// for a frequency against the sorted stored timestamps; consecutive missing
// slots coalesce into a single range so each gap costs one rate-limited
// provider request instead of many.
package gaps

import (
	"context"
	"fmt"
	"log/slog"

	"histcache/internal/calendar"
	"histcache/internal/models"
	"histcache/internal/storage"
)

// Analyzer computes gaps and coverage for (ticker, frequency) keys.
type Analyzer struct {
	store  storage.BarStore
	cal    calendar.Calendar
	unit   models.TimestampUnit
	logger *slog.Logger
}

// NewAnalyzer builds an analyzer over the given store. A nil calendar means
// every slot is expected.
func NewAnalyzer(store storage.BarStore, cal calendar.Calendar, unit models.TimestampUnit, logger *slog.Logger) *Analyzer {
	if cal == nil {
		cal = calendar.AllSessions{}
	}
	if unit == "" {
		unit = models.UnitSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		store:  store,
		cal:    cal,
		unit:   unit,
		logger: logger.With("component", "gap_analyzer"),
	}
}

// Gaps returns the ordered, non-overlapping sub-ranges of rng that must be
// fetched for (ticker, freq). The expected grid is anchored at epoch
// multiples of the frequency step; a slot the calendar marks closed is
// skipped without closing an open gap, so a gap spans a weekend when bars
// are missing on both sides of it. Once every returned gap is fetched and
// upserted, coverage equals the requested range modulo calendar-closed
// slots and quarantined bars.
func (a *Analyzer) Gaps(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]models.Range, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	step := a.step(freq)
	if step <= 0 {
		return nil, fmt.Errorf("unknown frequency %q", freq)
	}

	stored, err := a.store.Timestamps(ctx, ticker, freq, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored timestamps: %w", err)
	}

	existing := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		existing[ts] = struct{}{}
	}

	var gaps []models.Range
	var open bool
	var gapStart, lastMissing int64

	for ts := alignUp(rng.Start, step); ts < rng.End; ts += step {
		if !a.cal.IsExpected(ts, freq) {
			continue
		}
		if _, ok := existing[ts]; ok {
			if open {
				gaps = append(gaps, models.Range{Start: gapStart, End: lastMissing + step})
				open = false
			}
			continue
		}
		if !open {
			gapStart = ts
			open = true
		}
		lastMissing = ts
	}
	if open {
		gaps = append(gaps, models.Range{Start: gapStart, End: lastMissing + step})
	}

	a.logger.Debug("gap analysis completed",
		"ticker", ticker,
		"frequency", freq,
		"range", rng,
		"stored", len(stored),
		"gaps", len(gaps))

	return gaps, nil
}

// Coverage returns the contiguous ranges of rng already present in storage
// for (ticker, freq). Derived on demand, never stored. Calendar-closed slots
// do not break a covered run.
func (a *Analyzer) Coverage(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]models.Range, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	step := a.step(freq)
	if step <= 0 {
		return nil, fmt.Errorf("unknown frequency %q", freq)
	}

	stored, err := a.store.Timestamps(ctx, ticker, freq, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored timestamps: %w", err)
	}

	existing := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		existing[ts] = struct{}{}
	}

	var covered []models.Range
	var open bool
	var runStart, lastPresent int64

	for ts := alignUp(rng.Start, step); ts < rng.End; ts += step {
		if !a.cal.IsExpected(ts, freq) {
			continue
		}
		if _, ok := existing[ts]; ok {
			if !open {
				runStart = ts
				open = true
			}
			lastPresent = ts
			continue
		}
		if open {
			covered = append(covered, models.Range{Start: runStart, End: lastPresent + step})
			open = false
		}
	}
	if open {
		covered = append(covered, models.Range{Start: runStart, End: lastPresent + step})
	}

	return covered, nil
}

// step returns the grid step in epoch ticks for the configured unit.
func (a *Analyzer) step(freq models.Frequency) int64 {
	return freq.StepSeconds() * a.unit.PerSecond()
}

// alignUp rounds ts up to the next multiple of step.
func alignUp(ts, step int64) int64 {
	if rem := ts % step; rem != 0 {
		return ts + step - rem
	}
	return ts
}
