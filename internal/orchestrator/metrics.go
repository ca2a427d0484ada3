package orchestrator

import "sync/atomic"

// Metrics holds the orchestrator's operational counters. All fields are
// updated atomically; read them through Snapshot.
type Metrics struct {
	Requests        atomic.Int64
	CacheHits       atomic.Int64
	GapsDetected    atomic.Int64
	GapsFilled      atomic.Int64
	GapsUnresolved  atomic.Int64
	ProviderCalls   atomic.Int64
	Throttles       atomic.Int64
	BarsStored      atomic.Int64
	BarsQuarantined atomic.Int64
	BarsServed      atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Requests        int64 `json:"requests"`
	CacheHits       int64 `json:"cache_hits"`
	GapsDetected    int64 `json:"gaps_detected"`
	GapsFilled      int64 `json:"gaps_filled"`
	GapsUnresolved  int64 `json:"gaps_unresolved"`
	ProviderCalls   int64 `json:"provider_calls"`
	Throttles       int64 `json:"throttles"`
	BarsStored      int64 `json:"bars_stored"`
	BarsQuarantined int64 `json:"bars_quarantined"`
	BarsServed      int64 `json:"bars_served"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:        m.Requests.Load(),
		CacheHits:       m.CacheHits.Load(),
		GapsDetected:    m.GapsDetected.Load(),
		GapsFilled:      m.GapsFilled.Load(),
		GapsUnresolved:  m.GapsUnresolved.Load(),
		ProviderCalls:   m.ProviderCalls.Load(),
		Throttles:       m.Throttles.Load(),
		BarsStored:      m.BarsStored.Load(),
		BarsQuarantined: m.BarsQuarantined.Load(),
		BarsServed:      m.BarsServed.Load(),
	}
}
