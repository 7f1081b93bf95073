package sync

import (
	"context"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
	"github.com/dukanx/backend/internal/sync/conflict"
	"github.com/dukanx/backend/internal/sync/queue"
)

// errLeaseExpired is recorded on entries reclaimed from a dead worker.
var errLeaseExpired = apperrors.New(apperrors.ErrSyncTimeout, "lease expired")

// tally accumulates per-entry outcomes from concurrent workers.
type tally struct {
	mu      gosync.Mutex
	res     *SyncResult
	claimed []models.UUID
}

func (t *tally) record(fn func(r *SyncResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.res)
}

// runCycle performs one poll cycle and returns its summary together with
// the ids it claimed. A store failure aborts the cycle.
func (m *Manager) runCycle(ctx context.Context, rt *runtime) (*SyncResult, []models.UUID, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.running.Store(true)
	defer m.running.Store(false)

	start := m.now()
	t := &tally{res: &SyncResult{StartTime: start, Cycles: 1}}

	err := m.cycle(ctx, rt, t)

	end := m.now()
	t.res.EndTime = end
	t.res.Duration = end.Sub(start)
	m.cycles.Add(1)

	if err != nil && ctx.Err() == nil {
		t.res.Error = err.Error()
		logging.ErrorWithCode("Sync cycle aborted", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"attempted": t.res.Attempted,
		})
		rt.events.publish(SyncEvent{Kind: EventCycleFailed, Error: err.Error(), At: end})
	} else if t.res.Attempted > 0 || t.res.Reclaimed > 0 {
		logging.Info("Sync cycle completed", map[string]interface{}{
			"attempted":     t.res.Attempted,
			"synced":        t.res.Synced,
			"conflicts":     t.res.Conflicts,
			"retried":       t.res.Retried,
			"dead_lettered": t.res.DeadLettered,
			"reclaimed":     t.res.Reclaimed,
			"duration_ms":   t.res.Duration.Milliseconds(),
		})
	}
	if ctx.Err() == nil {
		m.lastMu.Lock()
		m.last = &cycleStatus{at: end, err: err}
		m.lastMu.Unlock()
	}
	return t.res, t.claimed, err
}

func (m *Manager) cycle(ctx context.Context, rt *runtime, t *tally) error {
	if err := m.reclaim(ctx, rt, t); err != nil {
		return err
	}

	entries, err := rt.store.FetchEligible(ctx, m.now(), rt.cfg.BatchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rt.cfg.MaxConcurrency)

	for _, e := range entries {
		if gctx.Err() != nil {
			break
		}
		// g.Go blocks until a worker slot is free, so the lease is
		// stamped only when the remote call is about to start.
		g.Go(func() error {
			return m.claimAndDispatch(ctx, gctx, rt, e, t)
		})
	}
	return g.Wait()
}

// claimAndDispatch claims e and, when the claim wins, dispatches it. A lost
// claim or an entry no longer claimable is skipped; a store failure aborts
// the cycle.
func (m *Manager) claimAndDispatch(ctx, gctx context.Context, rt *runtime, e *models.SyncQueueEntry, t *tally) error {
	if gctx.Err() != nil {
		return nil
	}
	claimed, err := queue.Claim(e, m.now(), rt.cfg.LeaseTimeout)
	if err != nil {
		return nil
	}
	ok, err := rt.store.Claim(gctx, claimed, e.State)
	if err != nil {
		if gctx.Err() != nil {
			return nil
		}
		return err
	}
	if !ok {
		return nil
	}

	t.mu.Lock()
	t.claimed = append(t.claimed, claimed.ID)
	t.res.Attempted++
	t.mu.Unlock()

	// The outcome is persisted on a detached context so a claimed entry is
	// never abandoned mid-flight by Dispose.
	m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	return m.dispatch(context.WithoutCancel(ctx), rt, claimed, t)
}

// reclaim fails entries whose lease expired and settles them through the
// retry policy.
func (m *Manager) reclaim(ctx context.Context, rt *runtime, t *tally) error {
	now := m.now()
	expired, err := rt.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return err
	}
	for _, e := range expired {
		logging.Warn("Reclaiming expired sync lease", map[string]interface{}{
			"entry_id": e.ID.String(),
			"document": e.Key().String(),
		})
		if err := m.fail(ctx, rt, e, errLeaseExpired, now, t); err != nil {
			return err
		}
		t.record(func(r *SyncResult) { r.Reclaimed++ })
	}
	return nil
}

// dispatch applies one claimed entry remotely and persists the outcome.
func (m *Manager) dispatch(ctx context.Context, rt *runtime, e *models.SyncQueueEntry, t *tally) error {
	rctx, cancel := context.WithTimeout(ctx, rt.cfg.RemoteTimeout)
	result, remoteErr := m.remote.Apply(rctx, models.ApplyRequest{
		OperationType:    e.OperationType,
		TargetCollection: e.TargetCollection,
		DocumentID:       e.DocumentID,
		Payload:          e.Payload,
		ExpectedVersion:  e.LocalVersion,
		UserID:           e.UserID,
	})
	if remoteErr == nil && rctx.Err() == context.DeadlineExceeded {
		remoteErr = rctx.Err()
	}
	cancel()

	decision := m.resolver.Resolve(e, result, remoteErr)
	now := m.now()

	switch decision.Action {
	case conflict.ActionApply, conflict.ActionServerWins:
		serverWins := decision.Action == conflict.ActionServerWins
		next, err := queue.Succeed(e, decision.RemoteVersion, serverWins, now)
		if err != nil {
			return err
		}
		if err := rt.store.Update(ctx, next, models.StateInProgress, decision.Audit); err != nil {
			return m.lostRace(e, err)
		}
		kind := EventSynced
		t.record(func(r *SyncResult) { r.Synced++ })
		if serverWins {
			kind = EventConflictResolved
			t.record(func(r *SyncResult) { r.Conflicts++ })
		}
		rt.events.publish(entryEvent(kind, next, now))
		return nil

	default:
		return m.fail(ctx, rt, e, decision.Cause, now, t)
	}
}

// fail persists IN_PROGRESS -> FAILED -> RETRY|DEAD_LETTER as one update.
func (m *Manager) fail(ctx context.Context, rt *runtime, e *models.SyncQueueEntry, cause error, now time.Time, t *tally) error {
	failed, err := queue.Fail(e, cause, now)
	if err != nil {
		return err
	}
	settled, err := queue.Settle(failed, rt.cfg.Backoff, now)
	if err != nil {
		return err
	}
	if err := rt.store.Update(ctx, settled, models.StateInProgress, nil); err != nil {
		return m.lostRace(e, err)
	}

	rt.events.publish(entryEvent(EventFailed, failed, now))
	if settled.State == models.StateDeadLetter {
		logging.ErrorWithCode("Sync entry dead-lettered", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
			"entry_id": e.ID.String(),
			"document": e.Key().String(),
			"attempts": settled.AttemptCount,
		})
		t.record(func(r *SyncResult) { r.DeadLettered++ })
		rt.events.publish(entryEvent(EventDeadLettered, settled, now))
		return nil
	}
	t.record(func(r *SyncResult) { r.Retried++ })
	rt.events.publish(entryEvent(EventRetryScheduled, settled, now))
	return nil
}

// lostRace swallows compare-and-set misses, which mean another worker
// already moved the entry on, and propagates real store failures.
func (m *Manager) lostRace(e *models.SyncQueueEntry, err error) error {
	if apperrors.Is(err, apperrors.ErrStateConflict) || apperrors.Is(err, apperrors.ErrNotFound) {
		logging.Warn("Sync entry moved on before outcome was stored", map[string]interface{}{
			"entry_id": e.ID.String(),
			"error":    err.Error(),
		})
		return nil
	}
	return err
}
