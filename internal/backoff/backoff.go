package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBase   = time.Second
	DefaultMax    = 60 * time.Second
	DefaultJitter = 0.2
)

// Policy computes retry delays: min(Max, Base * 2^attempt * (1 ± Jitter)).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// WithBase returns a copy of p using base, or p unchanged when base is zero.
func (p Policy) WithBase(base time.Duration) Policy {
	if base > 0 {
		p.Base = base
	}
	return p
}

// Envelope is the delay for attempt without jitter, capped at Max.
func (p Policy) Envelope(attempt int) time.Duration {
	base, ceil := p.bounds()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(ceil) {
		return ceil
	}
	return time.Duration(d)
}

// Delay is the jittered delay before retrying after attempt.
func (p Policy) Delay(attempt int) time.Duration {
	base, ceil := p.bounds()
	if attempt < 0 {
		attempt = 0
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	j := p.Jitter
	if j < 0 {
		j = 0
	}
	factor := 1 + j*(2*r()-1)
	d := float64(base) * math.Pow(2, float64(attempt)) * factor
	if d >= float64(ceil) {
		return ceil
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func (p Policy) bounds() (time.Duration, time.Duration) {
	base, ceil := p.Base, p.Max
	if base <= 0 {
		base = DefaultBase
	}
	if ceil <= 0 {
		ceil = DefaultMax
	}
	return base, ceil
}
