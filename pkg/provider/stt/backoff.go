package stt

import "time"

// Default reconnection parameters shared by the streaming providers.
const (
	DefaultBackoffBase  = 1 * time.Second
	DefaultBackoffMax   = 30 * time.Second
	DefaultMaxAttempts  = 10
)

// BackoffPolicy computes the wait between reconnection attempts after an
// unexpected socket closure: the base delay doubles per attempt up to a cap,
// and the attempt count is bounded.
type BackoffPolicy struct {
	// Base is the delay before the first retry. Defaults to 1s if zero.
	Base time.Duration

	// Max caps the delay growth. Defaults to 30s if zero.
	Max time.Duration

	// MaxAttempts bounds the number of reconnection attempts before the
	// session reports a terminal close. Defaults to 10 if zero.
	MaxAttempts int
}

// withDefaults returns a copy of p with zero fields replaced by defaults.
func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBackoffBase
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoffMax
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Delay returns the wait before the given 1-based attempt, or false when the
// attempt exceeds the bounded count.
func (p BackoffPolicy) Delay(attempt int) (time.Duration, bool) {
	p = p.withDefaults()
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}
	d := p.Base << (attempt - 1)
	if d > p.Max || d <= 0 { // d <= 0 guards shift overflow
		d = p.Max
	}
	return d, true
}
