// Package calendar decides which grid slots are expected to carry a bar.
// Slots the calendar marks closed (non-trading periods) are
// known-expected-absent: the gap analyzer does not treat them as gaps.
//
// The default policy is conservative: every slot is expected. Market-aware
// policies refine this; they are selected by configuration, not hardcoded.
package calendar

import (
	"fmt"
	"time"

	"histcache/internal/models"
)

// Calendar reports whether a grid slot at ts (epoch in the process-wide
// unit) is an expected trading period for the given frequency.
type Calendar interface {
	Name() string
	IsExpected(ts int64, freq models.Frequency) bool
}

// AllSessions expects a bar in every slot. Correct for 24/7 markets and the
// safe default when the trading schedule is unknown: a closed period shows
// up as a fetchable gap rather than being silently skipped.
type AllSessions struct{}

func (AllSessions) Name() string { return "all" }

func (AllSessions) IsExpected(ts int64, freq models.Frequency) bool { return true }

// Weekdays marks Saturday and Sunday slots (UTC) as expected-absent.
// Approximates equity-style schedules without holiday data; holidays still
// surface as gaps and resolve to unresolved entries when the provider
// returns nothing for them.
type Weekdays struct {
	Unit models.TimestampUnit
}

func (Weekdays) Name() string { return "weekdays" }

func (c Weekdays) IsExpected(ts int64, freq models.Frequency) bool {
	unit := c.Unit
	if unit == "" {
		unit = models.UnitSeconds
	}
	switch unit.ToTime(ts).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// ForPolicy resolves a configured policy name to a Calendar.
func ForPolicy(policy string, unit models.TimestampUnit) (Calendar, error) {
	switch policy {
	case "", "all":
		return AllSessions{}, nil
	case "weekdays":
		return Weekdays{Unit: unit}, nil
	default:
		return nil, fmt.Errorf("unknown calendar policy %q", policy)
	}
}
