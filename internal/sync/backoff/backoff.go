// Package backoff computes retry delays for failed sync entries.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Defaults used when configuration leaves a field unset.
const (
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 5 * time.Minute
	DefaultMaxRetries = 5
)

// Policy is an exponential backoff with additive jitter:
//
//	NextDelay(n) = min(MaxDelay, BaseDelay * 2^n) + jitter, jitter in [0, BaseDelay)
type Policy struct {
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`

	// Jitter returns a value in [0, limit). Nil draws from math/rand/v2.
	Jitter func(limit time.Duration) time.Duration `mapstructure:"-" yaml:"-"`
}

// Default returns the default policy.
func Default() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		MaxRetries: DefaultMaxRetries,
	}
}

// Validate rejects policies that cannot produce sane delays.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("backoff base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("backoff max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("backoff max retries must not be negative, got %d", p.MaxRetries)
	}
	return nil
}

// ShouldRetry reports whether another attempt is allowed after attemptCount
// scheduled retries.
func (p Policy) ShouldRetry(attemptCount int) bool {
	return attemptCount < p.MaxRetries
}

// NextDelay returns the wait before retry number attemptCount+1.
func (p Policy) NextDelay(attemptCount int) time.Duration {
	return p.capped(attemptCount) + p.jitter()
}

// capped is min(MaxDelay, BaseDelay*2^n) without overflow.
func (p Policy) capped(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	if n >= 63 || p.BaseDelay > p.MaxDelay>>uint(n) {
		return p.MaxDelay
	}
	d := p.BaseDelay << uint(n)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) jitter() time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(p.BaseDelay)
	}
	return rand.N(p.BaseDelay)
}
