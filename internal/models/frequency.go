package models

import (
	"fmt"
	"time"
)

// Frequency is the canonical bar period tag used throughout the system.
// Provider-native interval labels are mapped onto this closed set before
// anything is stored; arbitrary strings are rejected rather than accepted.
type Frequency string

const (
	Freq1m  Frequency = "1m"
	Freq3m  Frequency = "3m"
	Freq5m  Frequency = "5m"
	Freq15m Frequency = "15m"
	Freq30m Frequency = "30m"
	Freq1h  Frequency = "1h"
	Freq2h  Frequency = "2h"
	Freq4h  Frequency = "4h"
	Freq6h  Frequency = "6h"
	Freq8h  Frequency = "8h"
	Freq12h Frequency = "12h"
	Freq1d  Frequency = "1d"
	Freq3d  Frequency = "3d"
	Freq1w  Frequency = "1w"
	Freq1M  Frequency = "1M"
)

// frequencySteps holds the nominal step size in seconds for each canonical
// frequency. 1M uses a 30-day approximation.
var frequencySteps = map[Frequency]int64{
	Freq1m:  60,
	Freq3m:  3 * 60,
	Freq5m:  5 * 60,
	Freq15m: 15 * 60,
	Freq30m: 30 * 60,
	Freq1h:  3600,
	Freq2h:  2 * 3600,
	Freq4h:  4 * 3600,
	Freq6h:  6 * 3600,
	Freq8h:  8 * 3600,
	Freq12h: 12 * 3600,
	Freq1d:  86400,
	Freq3d:  3 * 86400,
	Freq1w:  7 * 86400,
	Freq1M:  30 * 86400,
}

// ParseFrequency validates a canonical frequency label. It accepts only the
// closed canonical set; provider-native labels must go through the
// normalizer's frequency table instead.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if _, ok := frequencySteps[f]; !ok {
		return "", fmt.Errorf("unknown frequency %q", s)
	}
	return f, nil
}

// IsValid reports whether f is a member of the canonical set.
func (f Frequency) IsValid() bool {
	_, ok := frequencySteps[f]
	return ok
}

// StepSeconds returns the nominal period length in seconds.
// Returns 0 for an invalid frequency.
func (f Frequency) StepSeconds() int64 {
	return frequencySteps[f]
}

// Duration returns the nominal period length as a time.Duration.
func (f Frequency) Duration() time.Duration {
	return time.Duration(f.StepSeconds()) * time.Second
}

func (f Frequency) String() string {
	return string(f)
}

// Frequencies returns the canonical set in ascending step order.
func Frequencies() []Frequency {
	return []Frequency{
		Freq1m, Freq3m, Freq5m, Freq15m, Freq30m,
		Freq1h, Freq2h, Freq4h, Freq6h, Freq8h, Freq12h,
		Freq1d, Freq3d, Freq1w, Freq1M,
	}
}
