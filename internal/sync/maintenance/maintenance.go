// Package maintenance runs periodic queue housekeeping: dead letters are
// exported to the archive, then terminal entries past retention are
// pruned. Export runs first so nothing is pruned before it is archived.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/sync/archive"
)

// Interval defines the maintenance frequency.
type Interval string

const (
	IntervalManual  Interval = "manual"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

// Duration converts the interval to a time.Duration.
func (i Interval) Duration() (time.Duration, error) {
	switch i {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, nil
	}
	return 0, fmt.Errorf("unknown maintenance interval %q", i)
}

// Config holds the maintenance configuration.
type Config struct {
	Interval          Interval `mapstructure:"interval" yaml:"interval"`
	ExportDeadLetters bool     `mapstructure:"export_dead_letters" yaml:"export_dead_letters"`
}

// DefaultConfig returns daily maintenance with dead-letter export.
func DefaultConfig() Config {
	return Config{Interval: IntervalDaily, ExportDeadLetters: true}
}

// Queue is the orchestrator surface maintenance needs.
type Queue interface {
	archive.DeadLetterSource
	Prune(ctx context.Context) (int, error)
}

// Exporter archives dead letters.
type Exporter interface {
	Export(ctx context.Context, src archive.DeadLetterSource, limit int) (*archive.Manifest, error)
}

// Report summarizes one maintenance run.
type Report struct {
	Export *archive.Manifest `json:"export,omitempty"`
	Pruned int               `json:"pruned"`
}

// Maintainer runs housekeeping on a fixed period.
type Maintainer struct {
	queue    Queue
	exporter Exporter // nil disables export
	cfg      Config
	every    time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Maintainer. exporter may be nil.
func New(queue Queue, exporter Exporter, cfg Config) (*Maintainer, error) {
	every, err := cfg.Interval.Duration()
	if err != nil {
		return nil, err
	}
	if !cfg.ExportDeadLetters {
		exporter = nil
	}
	return &Maintainer{queue: queue, exporter: exporter, cfg: cfg, every: every}, nil
}

// Start begins periodic maintenance. It is a no-op in manual mode or when
// already running.
func (m *Maintainer) Start(ctx context.Context) {
	if m.every <= 0 {
		logging.Info("Queue maintenance in manual mode")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop(ctx, m.stopCh)

	logging.Info("Queue maintenance started", map[string]interface{}{
		"interval":            string(m.cfg.Interval),
		"export_dead_letters": m.exporter != nil,
	})
}

// Stop halts the loop and waits for a running pass to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Maintainer) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				logging.Error("Scheduled queue maintenance failed", err)
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce exports dead letters (when enabled) and prunes. A failed export
// skips pruning.
func (m *Maintainer) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	if m.exporter != nil {
		manifest, err := m.exporter.Export(ctx, m.queue, 0)
		if err != nil {
			return report, fmt.Errorf("export dead letters: %w", err)
		}
		report.Export = manifest
	}

	n, err := m.queue.Prune(ctx)
	if err != nil {
		return report, fmt.Errorf("prune: %w", err)
	}
	report.Pruned = n

	logging.Info("Queue maintenance completed", map[string]interface{}{
		"pruned":   n,
		"exported": report.Export != nil && report.Export.Count > 0,
	})
	return report, nil
}
