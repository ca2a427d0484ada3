// Package normalize turns provider-native raw bars into canonical stored
// bars. The pipeline runs four steps in order: frequency canonicalization
// (batch-fatal on unknown labels), timezone conversion to UTC epoch,
// data-quality screening with quarantine, and duplicate collapse where the
// later occurrence wins.
package normalize

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"histcache/internal/errs"
	"histcache/internal/models"
	"histcache/internal/provider"
)

// QuarantinedBar is a raw bar excluded from storage together with the reason
// it failed. Quarantined bars are reported, never persisted; their slots
// remain open gaps.
type QuarantinedBar struct {
	Raw    provider.RawBar `json:"raw"`
	Reason string          `json:"reason"`
}

// Result is the outcome of normalizing one fetched batch.
type Result struct {
	Bars        []models.Bar
	Quarantined []QuarantinedBar
}

// Normalizer converts raw bars from one provider into canonical form.
type Normalizer struct {
	source      string
	defaultZone string
	frequencies map[string]models.Frequency
	unit        models.TimestampUnit
	logger      *slog.Logger
	now         func() time.Time

	locMu sync.Mutex
	locs  map[string]*time.Location
}

// New builds a normalizer for the named provider. frequencies maps the
// provider's native frequency labels to canonical ones; canonical labels are
// always accepted, so a nil map works for providers that already speak the
// canonical set. defaultZone applies to raw bars that carry no zone of their
// own; empty means UTC.
func New(source, defaultZone string, frequencies map[string]models.Frequency, unit models.TimestampUnit, logger *slog.Logger) *Normalizer {
	if unit == "" {
		unit = models.UnitSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		source:      source,
		defaultZone: defaultZone,
		frequencies: frequencies,
		unit:        unit,
		logger:      logger.With("component", "normalizer", "source", source),
		now:         time.Now,
		locs:        make(map[string]*time.Location),
	}
}

// Normalize converts a fetched batch for ticker into canonical bars, sorted
// ascending by timestamp with at most one bar per period. An unknown
// frequency label fails the whole batch with *errs.UnsupportedFrequencyError;
// every other defect is per-bar and lands in Result.Quarantined.
func (n *Normalizer) Normalize(ticker string, raw []provider.RawBar) (*Result, error) {
	result := &Result{}
	byKey := make(map[models.Key]int)

	for _, rb := range raw {
		freq, err := n.canonicalFrequency(rb.Frequency)
		if err != nil {
			return nil, err
		}

		ts, err := n.toEpoch(rb)
		if err != nil {
			n.logger.Warn("dropping bar with unresolvable timezone",
				"ticker", ticker, "zone", rb.Zone, "error", err)
			result.Quarantined = append(result.Quarantined, QuarantinedBar{Raw: rb, Reason: err.Error()})
			continue
		}

		barTicker := rb.Ticker
		if barTicker == "" {
			barTicker = ticker
		}

		bar := models.Bar{
			Ticker:    barTicker,
			Timestamp: ts,
			Frequency: freq,
			Open:      rb.Open,
			High:      rb.High,
			Low:       rb.Low,
			Close:     rb.Close,
			Volume:    rb.Volume,
			Source:    n.source,
			CreatedAt: n.unit.FromTime(n.now().UTC()),
		}
		if err := bar.Validate(); err != nil {
			qe := &errs.DataQualityError{Check: "bar_validation", Detail: err.Error()}
			n.logger.Warn("quarantining anomalous bar",
				"ticker", barTicker, "timestamp", ts, "error", err)
			result.Quarantined = append(result.Quarantined, QuarantinedBar{Raw: rb, Reason: qe.Error()})
			continue
		}

		// Duplicate keys collapse to the last occurrence in wire order.
		// Keyed by (ticker, timestamp, frequency): a batch whose native
		// labels map to distinct canonical frequencies keeps one bar per
		// frequency.
		if idx, ok := byKey[bar.Key()]; ok {
			result.Bars[idx] = bar
			continue
		}
		byKey[bar.Key()] = len(result.Bars)
		result.Bars = append(result.Bars, bar)
	}

	sort.Slice(result.Bars, func(i, j int) bool {
		return result.Bars[i].Timestamp < result.Bars[j].Timestamp
	})

	return result, nil
}

// canonicalFrequency resolves a provider-native label, falling back to the
// canonical set for providers that already use it.
func (n *Normalizer) canonicalFrequency(label string) (models.Frequency, error) {
	if freq, ok := n.frequencies[label]; ok {
		return freq, nil
	}
	if freq, err := models.ParseFrequency(label); err == nil {
		return freq, nil
	}
	return "", &errs.UnsupportedFrequencyError{Provider: n.source, Label: label}
}

// toEpoch reinterprets the raw bar's wall clock in its source zone and
// converts it to a UTC epoch value in the configured unit.
func (n *Normalizer) toEpoch(rb provider.RawBar) (int64, error) {
	zone := rb.Zone
	if zone == "" {
		zone = n.defaultZone
	}

	loc := time.UTC
	if zone != "" && zone != "UTC" {
		var err error
		loc, err = n.location(zone)
		if err != nil {
			return 0, &errs.TimezoneError{Zone: zone, Err: err}
		}
	}

	w := rb.Timestamp
	localized := time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), loc)
	return n.unit.FromTime(localized), nil
}

// location caches time.LoadLocation lookups; the tzdata scan is not free and
// every bar in a batch usually shares one zone.
func (n *Normalizer) location(zone string) (*time.Location, error) {
	n.locMu.Lock()
	defer n.locMu.Unlock()

	if loc, ok := n.locs[zone]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load location: %w", err)
	}
	n.locs[zone] = loc
	return loc, nil
}
