// Package ratelimit paces outbound provider requests. Each provider identity
// gets one token bucket (golang.org/x/time/rate) shared by every concurrent
// request targeting that provider, plus a penalty window that throttling
// responses widen additively.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"histcache/internal/config"
)

// Registry holds one limiter per provider identity, created lazily from
// configuration on first use.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*providerLimiter
	provider func(name string) config.ProviderConfig
	logger   *slog.Logger
}

// providerLimiter pairs the token bucket with the penalty window state.
type providerLimiter struct {
	limiter *rate.Limiter

	mu             sync.Mutex
	penaltyUntil   time.Time
	defaultPenalty time.Duration
	maxPenalty     time.Duration
}

// NewRegistry builds a registry that resolves per-provider budgets through
// cfg.Provider.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		limiters: make(map[string]*providerLimiter),
		provider: cfg.Provider,
		logger:   logger.With("component", "ratelimit"),
	}
}

func (r *Registry) get(provider string) *providerLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pl, ok := r.limiters[provider]; ok {
		return pl
	}

	pc := r.provider(provider)
	perSecond := float64(pc.RequestsPerWindow) / pc.Window.Seconds()
	pl := &providerLimiter{
		limiter:        rate.NewLimiter(rate.Limit(perSecond), pc.Burst),
		defaultPenalty: pc.DefaultPenalty,
		maxPenalty:     pc.MaxPenalty,
	}
	r.limiters[provider] = pl

	r.logger.Debug("created provider limiter",
		"provider", provider,
		"requests_per_window", pc.RequestsPerWindow,
		"window", pc.Window,
		"burst", pc.Burst)

	return pl
}

// Acquire blocks the calling goroutine until a request token is available
// for the provider under its configured budget, first waiting out any active
// penalty window. Token handout order follows the limiter's reservation
// queue, so no caller can starve another. Returns the context's error if it
// is canceled while waiting.
func (r *Registry) Acquire(ctx context.Context, provider string) error {
	pl := r.get(provider)

	for {
		pl.mu.Lock()
		wait := time.Until(pl.penaltyUntil)
		pl.mu.Unlock()

		if wait <= 0 {
			break
		}

		r.logger.Debug("waiting out penalty window", "provider", provider, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := pl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", provider, err)
	}
	return nil
}

// Penalize widens the provider's next availability window after a throttling
// response. The hint (or the configured default when the provider gave none)
// extends the current penalty deadline additively rather than resetting the
// bucket, and the accumulated window is capped at the configured maximum so
// persistent rate-limit fights stay bounded.
func (r *Registry) Penalize(provider string, backoffHint time.Duration) {
	pl := r.get(provider)

	if backoffHint <= 0 {
		backoffHint = pl.defaultPenalty
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := time.Now()
	base := pl.penaltyUntil
	if base.Before(now) {
		base = now
	}
	until := base.Add(backoffHint)
	if pl.maxPenalty > 0 {
		if ceiling := now.Add(pl.maxPenalty); until.After(ceiling) {
			until = ceiling
		}
	}
	pl.penaltyUntil = until

	r.logger.Warn("provider penalized",
		"provider", provider,
		"hint", backoffHint,
		"penalty_until", until)
}

// PenaltyRemaining reports how long the provider's penalty window has left.
// Zero means no penalty is active.
func (r *Registry) PenaltyRemaining(provider string) time.Duration {
	pl := r.get(provider)
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if rem := time.Until(pl.penaltyUntil); rem > 0 {
		return rem
	}
	return 0
}
