package models

import "fmt"

// Range is a half-open timestamp interval [Start, End) at some frequency's
// resolution. It is purely a query and coverage-computation artifact and is
// never persisted.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// NewRange builds a validated half-open range.
func NewRange(start, end int64) (Range, error) {
	r := Range{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// Validate checks that the range is non-empty and well ordered.
func (r Range) Validate() error {
	if r.Start >= r.End {
		return fmt.Errorf("invalid range: start (%d) must be before end (%d)", r.Start, r.End)
	}
	return nil
}

// IsZero reports whether the range is the zero value.
func (r Range) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

// Contains reports whether ts falls inside the half-open interval.
func (r Range) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

// Overlaps reports whether two half-open ranges share any timestamp.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Duration returns End-Start in epoch ticks.
func (r Range) Duration() int64 {
	return r.End - r.Start
}

// Slots returns the number of expected grid slots of the given frequency
// inside the range, assuming the range is step-aligned. Partial trailing
// slots count as one.
func (r Range) Slots(freq Frequency, unit TimestampUnit) int64 {
	step := freq.StepSeconds() * unit.PerSecond()
	if step <= 0 {
		return 0
	}
	return (r.Duration() + step - 1) / step
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
