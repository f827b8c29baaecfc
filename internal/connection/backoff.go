package connection

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes the delay before a reconnect attempt. attempt is
// 0-based: Delay(0) is the wait before the first retry.
type Policy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same interval before every attempt.
type Fixed struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Exponential backs off as min(Base * Multiplier^attempt, Max), then
// applies +/- Jitter (a fraction in [0, 1]) to spread reconnect storms.
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// Delay returns the backoff for attempt.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 2
	}

	delay := float64(e.Base) * math.Pow(mult, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}

	if e.Jitter > 0 {
		r := rand.Float64
		if e.rand != nil {
			r = e.rand
		}
		// Scale by a factor in [1-Jitter, 1+Jitter).
		delay *= 1 - e.Jitter + 2*e.Jitter*r()
	}

	switch {
	case delay < 0:
		return 0
	case delay >= math.MaxInt64:
		// Base*Multiplier^attempt left the Duration range (Max unset).
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Backoff strategy names accepted by ReconnectConfig.
const (
	StrategyExponential = "exponential"
	StrategyFixed       = "fixed"
)

// ReconnectConfig configures automatic reconnection.
type ReconnectConfig struct {
	Strategy    string        // "exponential" (default) or "fixed"
	BaseDelay   time.Duration // Fixed interval, or first exponential delay
	MaxDelay    time.Duration // Exponential cap
	Multiplier  float64
	Jitter      float64
	MaxAttempts int // Failed attempts before Closed; <= 0 retries forever
}

// DefaultReconnectConfig returns capped exponential backoff with jitter.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Strategy:    StrategyExponential,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Policy builds the backoff policy described by the config.
func (c ReconnectConfig) Policy() (Policy, error) {
	switch c.Strategy {
	case "", StrategyExponential:
		return Exponential{
			Base:       c.BaseDelay,
			Max:        c.MaxDelay,
			Multiplier: c.Multiplier,
			Jitter:     c.Jitter,
		}, nil
	case StrategyFixed:
		return Fixed{Interval: c.BaseDelay}, nil
	default:
		return nil, fmt.Errorf("unknown reconnect strategy %q", c.Strategy)
	}
}

// Exhausted reports whether attempts has reached the configured limit.
func (c ReconnectConfig) Exhausted(attempts int) bool {
	return c.MaxAttempts > 0 && attempts >= c.MaxAttempts
}
