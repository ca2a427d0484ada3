// Package models provides the core value types for historical market data:
// bars, time ranges, and canonical frequencies, along with their validation
// rules.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one OHLCV observation for an instrument over one period.
// Timestamp is the period start as a UTC epoch value whose unit (seconds or
// milliseconds) is fixed process-wide by configuration. Price and volume
// fields are decimal strings; all arithmetic goes through shopspring/decimal
// to avoid float drift in validation and comparison.
//
// (Ticker, Timestamp, Frequency) is the unique key: at most one stored bar
// per instrument per period per frequency, regardless of which provider
// supplied it. A refetch of an already-keyed bar overwrites in place.
type Bar struct {
	Ticker    string    `json:"ticker" db:"ticker"`
	Timestamp int64     `json:"timestamp" db:"timestamp"`
	Frequency Frequency `json:"frequency" db:"frequency"`
	Open      string    `json:"open" db:"open"`
	High      string    `json:"high" db:"high"`
	Low       string    `json:"low" db:"low"`
	Close     string    `json:"close" db:"close"`
	Volume    string    `json:"volume" db:"volume"`
	Source    string    `json:"source" db:"source"`
	CreatedAt int64     `json:"created_at" db:"created_at"`
}

// Key identifies a bar's storage slot.
type Key struct {
	Ticker    string
	Timestamp int64
	Frequency Frequency
}

// Key returns the unique storage key for the bar.
func (b *Bar) Key() Key {
	return Key{Ticker: b.Ticker, Timestamp: b.Timestamp, Frequency: b.Frequency}
}

// ValidationError reports which field of a bar failed validation and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the bar's structural and data-quality invariants:
// non-empty ticker and source, canonical frequency, parseable non-negative
// decimals, volume >= 0, and low <= min(open, close) <= max(open, close) <= high.
// Returns a *ValidationError describing the first violation found.
func (b *Bar) Validate() error {
	if b.Ticker == "" {
		return &ValidationError{Field: "ticker", Message: "ticker cannot be empty"}
	}
	if !b.Frequency.IsValid() {
		return &ValidationError{Field: "frequency", Message: fmt.Sprintf("unknown frequency %q", b.Frequency)}
	}
	if b.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be a positive epoch value"}
	}
	if b.Source == "" {
		return &ValidationError{Field: "source", Message: "source cannot be empty"}
	}

	open, err := decimal.NewFromString(b.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price: %v", err)}
	}
	high, err := decimal.NewFromString(b.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price: %v", err)}
	}
	low, err := decimal.NewFromString(b.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price: %v", err)}
	}
	close, err := decimal.NewFromString(b.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price: %v", err)}
	}
	volume, err := decimal.NewFromString(b.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThan(zero) {
		return &ValidationError{Field: "open", Message: "open price must be non-negative"}
	}
	if high.LessThan(zero) {
		return &ValidationError{Field: "high", Message: "high price must be non-negative"}
	}
	if low.LessThan(zero) {
		return &ValidationError{Field: "low", Message: "low price must be non-negative"}
	}
	if close.LessThan(zero) {
		return &ValidationError{Field: "close", Message: "close price must be non-negative"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be non-negative"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be >= max(open, close) (%s)", high, maxOpenClose),
		}
	}
	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be <= min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// OpenDecimal returns the open price as a decimal.Decimal.
func (b *Bar) OpenDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Open)
}

// HighDecimal returns the high price as a decimal.Decimal.
func (b *Bar) HighDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.High)
}

// LowDecimal returns the low price as a decimal.Decimal.
func (b *Bar) LowDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Low)
}

// CloseDecimal returns the close price as a decimal.Decimal.
func (b *Bar) CloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Close)
}

// VolumeDecimal returns the volume as a decimal.Decimal.
func (b *Bar) VolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Volume)
}

// Time converts the bar timestamp to a time.Time in UTC using the given unit.
func (b *Bar) Time(unit TimestampUnit) time.Time {
	return unit.ToTime(b.Timestamp)
}

// String implements fmt.Stringer for log output.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{%s %s @%d O:%s H:%s L:%s C:%s V:%s src:%s}",
		b.Ticker, b.Frequency, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume, b.Source)
}

// NewBar builds a bar and validates it in one step. CreatedAt is stamped with
// the current UTC epoch in the given unit.
func NewBar(ticker string, ts int64, freq Frequency, open, high, low, close, volume, source string, unit TimestampUnit) (*Bar, error) {
	bar := &Bar{
		Ticker:    ticker,
		Timestamp: ts,
		Frequency: freq,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Source:    source,
		CreatedAt: unit.FromTime(time.Now().UTC()),
	}
	if err := bar.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create bar: %w", err)
	}
	return bar, nil
}

// TimestampUnit fixes the resolution of epoch timestamps process-wide.
type TimestampUnit string

const (
	// UnitSeconds stores timestamps as UTC epoch seconds (the default).
	UnitSeconds TimestampUnit = "s"
	// UnitMilliseconds stores timestamps as UTC epoch milliseconds.
	UnitMilliseconds TimestampUnit = "ms"
)

// FromTime converts a time.Time to an epoch value in this unit.
func (u TimestampUnit) FromTime(t time.Time) int64 {
	if u == UnitMilliseconds {
		return t.UnixMilli()
	}
	return t.Unix()
}

// ToTime converts an epoch value in this unit back to a UTC time.Time.
func (u TimestampUnit) ToTime(ts int64) time.Time {
	if u == UnitMilliseconds {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// PerSecond returns the number of epoch ticks in one second for this unit.
func (u TimestampUnit) PerSecond() int64 {
	if u == UnitMilliseconds {
		return 1000
	}
	return 1
}
