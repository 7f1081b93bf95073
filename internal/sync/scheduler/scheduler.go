// Package scheduler nudges the sync manager in the background.
//
// The Scheduler ticks periodically while online and nudges immediately
// when connectivity returns. Ticks while offline are skipped; entries keep
// accumulating in the durable queue until the next online tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dukanx/backend/internal/logging"
)

// Trigger is the sync entry point the Scheduler drives.
type Trigger interface {
	// TriggerSync requests a cycle and reports whether it was accepted.
	TriggerSync() bool
}

// Scheduler manages background sync nudges.
type Scheduler struct {
	trigger  Trigger
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	isRunning       bool
	isOnline        bool
	lastTriggerTime time.Time
	triggered       int
	skipped         int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"` // how often to nudge while online
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Interval: time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(trigger Trigger, config *SchedulerConfig) *Scheduler {
	if config == nil || config.Interval <= 0 {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		trigger:  trigger,
		interval: config.Interval,
		isOnline: true, // Assume online initially
	}
}

// Start starts the background loop. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

// Stop stops the background loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// SetOnlineStatus records connectivity. Going from offline to online
// nudges the manager right away when the scheduler is running.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.nudge("connectivity resumed")
	}
}

func (s *Scheduler) periodicLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.nudge("periodic")
		}
	}
}

func (s *Scheduler) nudge(reason string) {
	accepted := s.trigger.TriggerSync()

	s.mu.Lock()
	if accepted {
		s.triggered++
		s.lastTriggerTime = time.Now()
	} else {
		s.skipped++
	}
	s.mu.Unlock()

	if !accepted {
		logging.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
	}
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool       `json:"is_running" yaml:"is_running"`
	IsOnline        bool       `json:"is_online" yaml:"is_online"`
	Interval        string     `json:"interval" yaml:"interval"`
	LastTriggerTime *time.Time `json:"last_trigger_time,omitempty" yaml:"last_trigger_time,omitempty"`
	Triggered       int        `json:"triggered" yaml:"triggered"`
	Skipped         int        `json:"skipped" yaml:"skipped"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
		Interval:  s.interval.String(),
		Triggered: s.triggered,
		Skipped:   s.skipped,
	}
	if !s.lastTriggerTime.IsZero() {
		t := s.lastTriggerTime
		status.LastTriggerTime = &t
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
