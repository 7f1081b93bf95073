package sync

import (
	"time"

	"github.com/dukanx/backend/internal/models"
)

// SyncStatus represents the current orchestrator status.
type SyncStatus string

const (
	SyncStatusStopped SyncStatus = "stopped"
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SyncResult summarizes one or more poll cycles.
type SyncResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Cycles       int           `json:"cycles"`
	Reclaimed    int           `json:"reclaimed"`
	Attempted    int           `json:"attempted"`
	Synced       int           `json:"synced"`
	Conflicts    int           `json:"conflicts"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"dead_lettered"`
	// Remaining counts entries eligible when ForceSyncAll started that no
	// cycle could claim, such as writes queued behind a retrying one.
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

func (r *SyncResult) add(o *SyncResult) {
	r.Cycles += o.Cycles
	r.Reclaimed += o.Reclaimed
	r.Attempted += o.Attempted
	r.Synced += o.Synced
	r.Conflicts += o.Conflicts
	r.Retried += o.Retried
	r.DeadLettered += o.DeadLettered
	if o.Error != "" {
		r.Error = o.Error
	}
}

// HealthMetrics is a point-in-time view of the queue and orchestrator.
type HealthMetrics struct {
	Status           SyncStatus               `json:"status"`
	Counts           map[models.SyncState]int `json:"counts"`
	OldestPendingAge time.Duration            `json:"oldest_pending_age"`
	DeadLetterCount  int                      `json:"dead_letter_count"`
	ConflictCount    int                      `json:"conflict_count"`
	InFlight         int64                    `json:"in_flight"`
	Cycles           int64                    `json:"cycles"`
	LastCycleAt      *time.Time               `json:"last_cycle_at,omitempty"`
	LastCycleError   string                   `json:"last_cycle_error,omitempty"`
	DroppedEvents    int64                    `json:"dropped_events"`
}

// cycleStatus is the outcome of the most recent cycle.
type cycleStatus struct {
	at  time.Time
	err error
}
