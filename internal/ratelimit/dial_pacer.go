// Package ratelimit paces outbound telephony traffic. Providers meter
// call initiations per account; dialing faster than the contracted
// rate gets requests throttled or the account flagged, so the pacer
// spreads dials out and backs off further when the provider pushes
// back.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default pacing values, sized for a small telephony account.
const (
	DefaultCallsPerSecond = 2.0
	DefaultBurst          = 5
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
)

// DialPacerConfig tunes the outbound dial pacer.
type DialPacerConfig struct {
	// CallsPerSecond is the steady-state dial rate.
	CallsPerSecond float64
	// Burst is the short-term dial allowance above the steady rate.
	Burst int
	// BaseDelay is the extra delay applied after one provider failure.
	BaseDelay time.Duration
	// MaxDelay caps the failure backoff.
	MaxDelay time.Duration
}

func (c DialPacerConfig) withDefaults() DialPacerConfig {
	if c.CallsPerSecond <= 0 {
		c.CallsPerSecond = DefaultCallsPerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// DialPacer throttles outbound call initiations: a token bucket for
// the steady rate, plus an adaptive delay that doubles on provider
// failures and clears on the first success.
type DialPacer struct {
	config  DialPacerConfig
	limiter *rate.Limiter

	mu           sync.Mutex
	currentDelay time.Duration
}

// NewDialPacer creates a pacer. Zero-value config fields fall back to
// the package defaults.
func NewDialPacer(config DialPacerConfig) *DialPacer {
	config = config.withDefaults()
	return &DialPacer{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.CallsPerSecond), config.Burst),
	}
}

// Wait blocks until the next dial is allowed: a rate token plus any
// failure backoff currently in force.
func (p *DialPacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("dial pacing interrupted: %w", err)
	}

	p.mu.Lock()
	delay := p.currentDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RecordSuccess clears the failure backoff.
func (p *DialPacer) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentDelay = 0
}

// RecordFailure doubles the backoff, starting at BaseDelay and capped
// at MaxDelay.
func (p *DialPacer) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentDelay == 0 {
		p.currentDelay = p.config.BaseDelay
		return
	}
	p.currentDelay *= 2
	if p.currentDelay > p.config.MaxDelay {
		p.currentDelay = p.config.MaxDelay
	}
}

// CurrentDelay reports the failure backoff currently in force.
func (p *DialPacer) CurrentDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay
}
