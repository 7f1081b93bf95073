package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
)

// MemoryStore is an in-process queue store with the same compare-and-set
// and per-document ordering rules as the SQLite store.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[models.UUID]*models.SyncQueueEntry
	conflicts []*models.ConflictLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[models.UUID]*models.SyncQueueEntry),
	}
}

// Insert stores a new entry.
func (s *MemoryStore) Insert(ctx context.Context, e *models.SyncQueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; ok {
		return apperrors.Newf(apperrors.ErrDuplicate, "entry %s already exists", e.ID)
	}
	s.entries[e.ID] = e.Clone()

	logging.Debug("Enqueued sync entry", map[string]interface{}{
		"entry_id":   e.ID.String(),
		"operation":  string(e.OperationType),
		"collection": e.TargetCollection,
	})
	return nil
}

// FetchEligible returns up to limit claimable entries in FIFO order.
func (s *MemoryStore) FetchEligible(ctx context.Context, now time.Time, limit int) ([]*models.SyncQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SyncQueueEntry
	for _, e := range s.sortedLocked() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e.IsEligible(now) && s.claimableLocked(e) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Claim stores claimed if the entry is still in state from and no other
// entry for the same document is in flight or ahead of it.
func (s *MemoryStore) Claim(ctx context.Context, claimed *models.SyncQueueEntry, from models.SyncState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[claimed.ID]
	if !ok {
		return false, apperrors.Newf(apperrors.ErrNotFound, "entry %s not found", claimed.ID)
	}
	if cur.State != from || !s.claimableLocked(cur) {
		return false, nil
	}
	s.entries[claimed.ID] = claimed.Clone()
	return true, nil
}

// Update replaces the entry if it is still in state from. A non-nil audit
// record is stored with it.
func (s *MemoryStore) Update(ctx context.Context, e *models.SyncQueueEntry, from models.SyncState, audit *models.ConflictLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[e.ID]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "entry %s not found", e.ID)
	}
	if cur.State != from {
		return apperrors.Newf(apperrors.ErrStateConflict, "entry %s is %s, expected %s", e.ID, cur.State, from)
	}
	s.entries[e.ID] = e.Clone()
	if audit != nil {
		a := *audit
		s.conflicts = append(s.conflicts, &a)
	}
	return nil
}

// Get returns a copy of the entry with the given id.
func (s *MemoryStore) Get(ctx context.Context, id models.UUID) (*models.SyncQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "entry %s not found", id)
	}
	return e.Clone(), nil
}

// ListByState returns entries in state, oldest first. limit <= 0 means all.
func (s *MemoryStore) ListByState(ctx context.Context, state models.SyncState, limit int) ([]*models.SyncQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SyncQueueEntry
	for _, e := range s.sortedLocked() {
		if e.State != state {
			continue
		}
		out = append(out, e.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListExpiredLeases returns IN_PROGRESS entries whose lease has run out.
func (s *MemoryStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]*models.SyncQueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SyncQueueEntry
	for _, e := range s.sortedLocked() {
		if e.State == models.StateInProgress && e.LeaseExpiresAt != nil && !now.Before(*e.LeaseExpiresAt) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Stats summarizes the queue.
func (s *MemoryStore) Stats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.QueueStats{
		Counts:        make(map[models.SyncState]int, len(models.AllStates)),
		ConflictCount: len(s.conflicts),
	}
	for _, st := range models.AllStates {
		stats.Counts[st] = 0
	}
	for _, e := range s.entries {
		stats.Counts[e.State]++
		if e.State == models.StatePending || e.State == models.StateRetry {
			if stats.OldestPendingAt == nil || e.CreatedAt.Before(*stats.OldestPendingAt) {
				t := e.CreatedAt
				stats.OldestPendingAt = &t
			}
		}
	}
	stats.DeadLetterCount = stats.Counts[models.StateDeadLetter]
	return stats, nil
}

// ListConflicts returns audit records, newest first.
func (s *MemoryStore) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ConflictLog
	for i := len(s.conflicts) - 1; i >= 0; i-- {
		c := *s.conflicts[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Prune removes terminal entries and audit records last touched before
// the cutoff. It returns the number of entries removed.
func (s *MemoryStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.State.IsTerminal() && e.UpdatedAt.Before(before) {
			delete(s.entries, id)
			removed++
		}
	}
	kept := s.conflicts[:0]
	for _, c := range s.conflicts {
		if !c.DetectedAt.Before(before) {
			kept = append(kept, c)
		}
	}
	s.conflicts = kept

	if removed > 0 {
		logging.Info("Pruned sync queue", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// sortedLocked returns entries ordered by (CreatedAt, ID).
func (s *MemoryStore) sortedLocked() []*models.SyncQueueEntry {
	out := make([]*models.SyncQueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return Before(out[i], out[j]) })
	return out
}

// claimableLocked reports whether e is the head of its document's queue
// and nothing else for that document is in flight.
func (s *MemoryStore) claimableLocked(e *models.SyncQueueEntry) bool {
	for _, other := range s.entries {
		if other.ID == e.ID || other.Key() != e.Key() {
			continue
		}
		if other.State == models.StateInProgress {
			return false
		}
		if !other.State.IsTerminal() && Before(other, e) {
			return false
		}
	}
	return true
}

// Before orders entries FIFO by (CreatedAt, ID).
func Before(a, b *models.SyncQueueEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
