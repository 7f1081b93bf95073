package models

import "time"

// QueueStats summarizes the queue for health reporting.
type QueueStats struct {
	Counts          map[SyncState]int `json:"counts"`
	OldestPendingAt *time.Time        `json:"oldest_pending_at,omitempty"`
	DeadLetterCount int               `json:"dead_letter_count"`
	ConflictCount   int               `json:"conflict_count"`
}

// Total returns the number of entries across all states.
func (s *QueueStats) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Backlog returns entries that still need remote work.
func (s *QueueStats) Backlog() int {
	return s.Counts[StatePending] + s.Counts[StateRetry] + s.Counts[StateFailed] + s.Counts[StateInProgress]
}
