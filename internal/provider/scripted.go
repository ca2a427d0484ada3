package provider

import (
	"context"
	"sync"

	"histcache/internal/models"
)

// FetchCall records the arguments of one Fetch invocation on a Scripted
// client.
type FetchCall struct {
	Ticker    string
	Frequency models.Frequency
	Range     models.Range
}

// Response is one scripted Fetch outcome.
type Response struct {
	Bars []RawBar
	Err  error
}

// Scripted is a Client that replays a fixed sequence of responses, used by
// tests and local development. Responses are consumed in order; once the
// script runs out, Fetch returns empty results. All methods are safe for
// concurrent use.
type Scripted struct {
	name string

	mu        sync.Mutex
	responses []Response
	calls     []FetchCall
}

// NewScripted builds a scripted client that answers Fetch with the given
// responses in order.
func NewScripted(name string, responses ...Response) *Scripted {
	return &Scripted{name: name, responses: responses}
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Fetch(ctx context.Context, ticker string, freq models.Frequency, rng models.Range) ([]RawBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, FetchCall{Ticker: ticker, Frequency: freq, Range: rng})

	if len(s.responses) == 0 {
		return nil, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp.Bars, resp.Err
}

// Calls returns a copy of the recorded Fetch invocations.
func (s *Scripted) Calls() []FetchCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FetchCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount reports how many times Fetch was invoked.
func (s *Scripted) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var _ Client = (*Scripted)(nil)
