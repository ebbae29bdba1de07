// Package ratelimit gates outbound provider calls. One policy object per
// provider covers both observed limit styles: a hard spacing floor between
// calls and an hourly budget modeled as a token bucket. A penalty box arms
// the limiter far into the future after a provider-side 429.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Policy is the per-provider limit configuration.
type Policy struct {
	// MinInterval is the spacing floor between two calls. Zero disables it.
	MinInterval time.Duration
	// HourlyBudget caps calls per hour via token-bucket refill. Zero
	// disables the budget.
	HourlyBudget int
}

type state struct {
	policy Policy

	tokens       float64
	lastRefill   time.Time
	lastCall     time.Time // zero until the first recorded call
	penaltyUntil time.Time
}

// Limiter tracks per-provider call state. Read-only queries have no side
// effects; RecordCall must be invoked exactly once per actually-issued
// outbound request, never on cache hits.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*state
}

// New creates a limiter with the given per-provider policies.
func New(policies map[string]Policy) *Limiter {
	l := &Limiter{providers: make(map[string]*state, len(policies))}
	now := time.Now()
	for name, p := range policies {
		l.providers[name] = &state{
			policy:     p,
			tokens:     float64(p.HourlyBudget), // start full
			lastRefill: now,
		}
	}
	return l
}

// CanCall reports whether an outbound call to provider is allowed now.
func (l *Limiter) CanCall(provider string) bool {
	return l.TimeUntilNext(provider) <= 0
}

// TimeUntilNext returns how long until the next call is permitted;
// zero (or negative) means a call is allowed now. Unknown providers are
// unrestricted pass-through.
func (l *Limiter) TimeUntilNext(provider string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.providers[provider]
	if !ok {
		return 0
	}
	now := time.Now()
	s.refill(now)

	var wait time.Duration
	if until := s.penaltyUntil.Sub(now); until > wait {
		wait = until
	}
	if s.policy.MinInterval > 0 && !s.lastCall.IsZero() {
		if until := s.lastCall.Add(s.policy.MinInterval).Sub(now); until > wait {
			wait = until
		}
	}
	if s.policy.HourlyBudget > 0 && s.tokens < 1 {
		deficit := 1 - s.tokens
		if until := time.Duration(deficit / s.rate() * float64(time.Second)); until > wait {
			wait = until
		}
	}
	return wait
}

// RecordCall marks an outbound request as issued: the spacing clock
// restarts and one budget token is consumed.
func (l *Limiter) RecordCall(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.providers[provider]
	if !ok {
		return
	}
	now := time.Now()
	s.refill(now)
	s.lastCall = now
	if s.policy.HourlyBudget > 0 {
		s.tokens--
		if s.tokens < 0 {
			s.tokens = 0
		}
	}
}

// Penalize blocks the provider for d from now. Used after exhausted 429
// retries so the orchestrator does not immediately come back.
func (l *Limiter) Penalize(provider string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.providers[provider]
	if !ok {
		return
	}
	until := time.Now().Add(d)
	if until.After(s.penaltyUntil) {
		s.penaltyUntil = until
	}
}

// CallsRemaining returns the whole tokens currently available for the
// provider's hourly budget; -1 means unbudgeted (unlimited).
func (l *Limiter) CallsRemaining(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.providers[provider]
	if !ok || s.policy.HourlyBudget <= 0 {
		return -1
	}
	s.refill(time.Now())
	return int(math.Floor(s.tokens))
}

// rate returns budget tokens per second.
func (s *state) rate() float64 {
	return float64(s.policy.HourlyBudget) / 3600.0
}

// refill accrues budget tokens since the last refill, capped at the budget.
func (s *state) refill(now time.Time) {
	if s.policy.HourlyBudget <= 0 {
		return
	}
	elapsed := now.Sub(s.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	s.tokens += elapsed * s.rate()
	if limit := float64(s.policy.HourlyBudget); s.tokens > limit {
		s.tokens = limit
	}
	s.lastRefill = now
}
