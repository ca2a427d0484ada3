// Package provider defines the upstream data source contract. Concrete
// wire-level clients live outside this module; anything that can produce raw
// bars for a (ticker, frequency, range) request plugs in through Client.
package provider

import (
	"context"
	"time"

	"histcache/internal/models"
)

// RawBar is one bar as the upstream returned it, before normalization.
// Timestamp carries the provider-native wall clock; Zone names the IANA
// location it should be interpreted in (empty means the timestamp is already
// UTC). Frequency is the provider's native label, translated to the
// canonical set during normalization. Prices and volume are kept as the
// decimal strings the wire carried so no precision is lost before
// validation.
type RawBar struct {
	Ticker    string
	Timestamp time.Time
	Zone      string
	Frequency string
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
}

// Client fetches raw bars from one upstream source. Fetch is called once per
// gap with the canonical frequency; the client translates it to whatever its
// wire protocol expects. Returned bars may be unordered, duplicated, or
// anomalous; normalization handles all of that. Errors should be wrapped in
// errs.ProviderError so the orchestrator can tell transient failures from
// permanent ones.
type Client interface {
	// Name identifies the provider for rate limiting, penalties, and the
	// source column of persisted bars.
	Name() string

	// Fetch returns the raw bars covering rng for the ticker at the given
	// frequency. The range is half-open: bars at rng.End are excluded.
	Fetch(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]RawBar, error)
}
