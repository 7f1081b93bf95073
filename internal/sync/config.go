package sync

import (
	"fmt"
	"time"

	"github.com/dukanx/backend/internal/sync/backoff"
)

// Config holds orchestrator configuration.
type Config struct {
	MaxConcurrency int           // simultaneous remote writes
	BatchSize      int           // entries fetched per cycle
	AutoStart      bool          // start the poll loop on Initialize
	PollInterval   time.Duration // wait between cycles when idle
	LeaseTimeout   time.Duration // claim lifetime before reclaim
	RemoteTimeout  time.Duration // per-attempt remote call bound
	EventBuffer    int           // default subscriber buffer
	Retention      time.Duration // age after which terminal entries are pruned
	Backoff        backoff.Policy
}

// DefaultConfig returns default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		BatchSize:      50,
		AutoStart:      true,
		PollInterval:   30 * time.Second,
		LeaseTimeout:   2 * time.Minute,
		RemoteTimeout:  30 * time.Second,
		EventBuffer:    64,
		Retention:      30 * 24 * time.Hour,
		Backoff:        backoff.Default(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote timeout must be positive, got %s", c.RemoteTimeout)
	}
	// A lease shorter than a remote call would be reclaimed mid-flight.
	if c.LeaseTimeout <= c.RemoteTimeout {
		return fmt.Errorf("lease timeout %s must exceed remote timeout %s", c.LeaseTimeout, c.RemoteTimeout)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("event buffer must not be negative, got %d", c.EventBuffer)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative, got %s", c.Retention)
	}
	if err := c.Backoff.Validate(); err != nil {
		return err
	}
	return nil
}
