package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
	"github.com/dukanx/backend/internal/sync/conflict"
	"github.com/dukanx/backend/internal/sync/queue"
	"github.com/dukanx/backend/internal/uuid"
)

// Manager orchestrates replication of the local queue.
//
// A Manager is created once per remote and bound to a store with
// Initialize. Dispose releases it so it can be initialized again.
type Manager struct {
	remote   RemoteSyncTarget
	resolver *conflict.Resolver
	now      func() time.Time
	newID    func() (string, error)

	mu gosync.Mutex
	rt *runtime

	// cycleMu serializes poll-loop cycles with ForceSyncAll.
	cycleMu  gosync.Mutex
	running  atomic.Bool
	inFlight atomic.Int64
	cycles   atomic.Int64

	lastMu gosync.RWMutex
	last   *cycleStatus
}

// runtime is the state bound by one Initialize call.
type runtime struct {
	store  LocalQueueStore
	cfg    Config
	events *broadcaster
	nudge  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // nil without a poll loop

	// Without a poll loop, TriggerSync runs one cycle in the background.
	triggered atomic.Bool
	oneShots  gosync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides queue entry id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithResolver overrides the conflict resolver.
func WithResolver(r *conflict.Resolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// NewManager creates a Manager that writes to remote.
func NewManager(remote RemoteSyncTarget, opts ...Option) *Manager {
	m := &Manager{
		remote: remote,
		now:    time.Now,
		newID:  uuid.NewOrdered,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = conflict.NewResolver(conflict.WithClock(m.now))
	}
	return m
}

// Initialize binds the Manager to store and starts the poll loop when
// cfg.AutoStart is set.
func (m *Manager) Initialize(store LocalQueueStore, cfg Config) error {
	if store == nil {
		return apperrors.New(apperrors.ErrInvalid, "queue store is required")
	}
	if m.remote == nil {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "remote sync target is required")
	}
	if err := cfg.Validate(); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid sync config", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rt != nil {
		return apperrors.New(apperrors.ErrAlreadyInitialized, "sync manager already initialized")
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		store:  store,
		cfg:    cfg,
		events: newBroadcaster(),
		nudge:  make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.AutoStart {
		rt.done = make(chan struct{})
		go m.loop(rt)
	}
	m.rt = rt

	m.lastMu.Lock()
	m.last = nil
	m.lastMu.Unlock()

	logging.Info("Sync manager initialized", map[string]interface{}{
		"max_concurrency": cfg.MaxConcurrency,
		"batch_size":      cfg.BatchSize,
		"poll_interval":   cfg.PollInterval.String(),
		"max_retries":     cfg.Backoff.MaxRetries,
		"auto_start":      cfg.AutoStart,
	})
	return nil
}

// Dispose stops the poll loop, waits for in-flight remote calls and
// closes all subscriptions. It is a no-op on an uninitialized Manager.
func (m *Manager) Dispose() {
	m.mu.Lock()
	rt := m.rt
	m.rt = nil
	m.mu.Unlock()

	if rt == nil {
		return
	}

	rt.cancel()
	if rt.done != nil {
		<-rt.done
	}
	rt.oneShots.Wait()
	// Wait out a ForceSyncAll cycle started before cancellation.
	m.cycleMu.Lock()
	m.cycleMu.Unlock()

	rt.events.close()
	logging.Info("Sync manager disposed")
}

func (m *Manager) current() (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "sync manager not initialized")
	}
	return m.rt, nil
}

// Enqueue validates req and persists it as a PENDING entry. The remote is
// never contacted from this call.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (models.UUID, error) {
	rt, err := m.current()
	if err != nil {
		return "", err
	}

	id, err := m.newID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "generate entry id", err)
	}
	entry, err := queue.NewEntry(req, models.UUID(id), m.now())
	if err != nil {
		return "", err
	}
	if err := rt.store.Insert(ctx, entry); err != nil {
		return "", err
	}

	logging.Debug("Sync entry enqueued", map[string]interface{}{
		"entry_id":  id,
		"operation": string(entry.OperationType),
		"document":  entry.Key().String(),
	})
	m.nudge(rt)
	return entry.ID, nil
}

// TriggerSync requests a cycle now. With a poll loop the loop is woken;
// without one a single cycle runs in the background. It returns false
// when the Manager is not initialized or a cycle is already in progress.
// Repeated triggers before the cycle starts coalesce into one.
func (m *Manager) TriggerSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt := m.rt
	if rt == nil || m.running.Load() {
		return false
	}
	if rt.done != nil {
		m.nudge(rt)
		return true
	}
	if !rt.triggered.CompareAndSwap(false, true) {
		return true
	}
	// Added under m.mu so Dispose, which clears m.rt first, never waits
	// on a group that can still grow.
	rt.oneShots.Add(1)
	go func() {
		defer rt.oneShots.Done()
		defer rt.triggered.Store(false)
		if rt.ctx.Err() != nil {
			return
		}
		m.runCycle(rt.ctx, rt)
	}()
	return true
}

// SyncNow is an alias for TriggerSync.
func (m *Manager) SyncNow() bool {
	return m.TriggerSync()
}

func (m *Manager) nudge(rt *runtime) {
	select {
	case rt.nudge <- struct{}{}:
	default:
	}
}

// ForceSyncAll runs at least one cycle, and keeps running cycles until
// every entry eligible at call time has been attempted. It stops early when a cycle can claim
// nothing, when ctx ends, or when the Manager is disposed.
func (m *Manager) ForceSyncAll(ctx context.Context) (*SyncResult, error) {
	rt, err := m.current()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rt.ctx, cancel)
	defer stop()

	start := m.now()
	remaining, err := m.eligibleIDs(ctx, rt, start)
	if err != nil {
		return nil, err
	}

	total := &SyncResult{StartTime: start}
	finish := func() *SyncResult {
		total.Remaining = len(remaining)
		total.EndTime = m.now()
		total.Duration = total.EndTime.Sub(total.StartTime)
		return total
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(), err
		}
		res, claimed, err := m.runCycle(ctx, rt)
		total.add(res)
		if err != nil {
			return finish(), err
		}
		for _, id := range claimed {
			delete(remaining, id)
		}
		if len(remaining) == 0 || (len(claimed) == 0 && res.Reclaimed == 0) {
			break
		}
	}

	if len(remaining) > 0 {
		logging.Warn("Force sync left entries unattempted", map[string]interface{}{
			"remaining": len(remaining),
		})
	}
	return finish(), nil
}

func (m *Manager) eligibleIDs(ctx context.Context, rt *runtime, now time.Time) (map[models.UUID]struct{}, error) {
	ids := make(map[models.UUID]struct{})
	for _, state := range []models.SyncState{models.StatePending, models.StateRetry} {
		entries, err := rt.store.ListByState(ctx, state, -1)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsEligible(now) {
				ids[e.ID] = struct{}{}
			}
		}
	}
	return ids, nil
}

// GetHealthMetrics reports queue counts and orchestrator status.
func (m *Manager) GetHealthMetrics(ctx context.Context) (*HealthMetrics, error) {
	rt, err := m.current()
	if err != nil {
		return nil, err
	}

	now := m.now()
	stats, err := rt.store.Stats(ctx, now)
	if err != nil {
		return nil, err
	}

	h := &HealthMetrics{
		Status:          SyncStatusIdle,
		Counts:          stats.Counts,
		DeadLetterCount: stats.DeadLetterCount,
		ConflictCount:   stats.ConflictCount,
		InFlight:        m.inFlight.Load(),
		Cycles:          m.cycles.Load(),
		DroppedEvents:   rt.events.dropped.Load(),
	}
	if stats.OldestPendingAt != nil {
		if age := now.Sub(*stats.OldestPendingAt); age > 0 {
			h.OldestPendingAge = age
		}
	}

	m.lastMu.RLock()
	last := m.last
	m.lastMu.RUnlock()
	if last != nil {
		at := last.at
		h.LastCycleAt = &at
		if last.err != nil {
			h.LastCycleError = last.err.Error()
			h.Status = SyncStatusFailed
		}
	}
	if !rt.cfg.AutoStart && h.Status == SyncStatusIdle {
		h.Status = SyncStatusStopped
	}
	if m.running.Load() {
		h.Status = SyncStatusSyncing
	}
	return h, nil
}

// Subscribe returns a stream of sync events and a cancel function. A
// non-positive buffer uses the configured default. The channel is closed
// by cancel or Dispose.
func (m *Manager) Subscribe(buffer int) (<-chan SyncEvent, func()) {
	rt, err := m.current()
	if err != nil {
		ch := make(chan SyncEvent)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = rt.cfg.EventBuffer
	}
	return rt.events.subscribe(buffer)
}

// ListDeadLetters returns dead-lettered entries, oldest first.
func (m *Manager) ListDeadLetters(ctx context.Context, limit int) ([]*models.SyncQueueEntry, error) {
	rt, err := m.current()
	if err != nil {
		return nil, err
	}
	return rt.store.ListByState(ctx, models.StateDeadLetter, limit)
}

// ListConflicts returns conflict audit records, newest first.
func (m *Manager) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	rt, err := m.current()
	if err != nil {
		return nil, err
	}
	return rt.store.ListConflicts(ctx, limit)
}

// Requeue re-enqueues a dead letter as a fresh PENDING entry and returns
// the new entry's id. The dead letter is kept.
func (m *Manager) Requeue(ctx context.Context, deadLetterID models.UUID) (models.UUID, error) {
	rt, err := m.current()
	if err != nil {
		return "", err
	}

	dead, err := rt.store.Get(ctx, deadLetterID)
	if err != nil {
		return "", err
	}
	id, err := m.newID()
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "generate entry id", err)
	}
	now := m.now()
	entry, err := queue.Requeue(dead, models.UUID(id), now)
	if err != nil {
		return "", err
	}
	if err := rt.store.Insert(ctx, entry); err != nil {
		return "", err
	}

	logging.Info("Dead letter requeued", map[string]interface{}{
		"dead_letter_id": deadLetterID.String(),
		"entry_id":       id,
		"document":       entry.Key().String(),
	})
	rt.events.publish(entryEvent(EventRequeued, entry, now))
	m.nudge(rt)
	return entry.ID, nil
}

// Prune deletes terminal entries and conflict records older than the
// configured retention. A zero retention keeps everything.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	rt, err := m.current()
	if err != nil {
		return 0, err
	}
	if rt.cfg.Retention == 0 {
		return 0, nil
	}

	n, err := rt.store.Prune(ctx, m.now().Add(-rt.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Pruned sync history", map[string]interface{}{
			"removed":   n,
			"retention": rt.cfg.Retention.String(),
		})
	}
	return n, nil
}

// loop runs cycles until the runtime is cancelled. A cycle that fills its
// batch is followed immediately by another.
func (m *Manager) loop(rt *runtime) {
	defer close(rt.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-timer.C:
		case <-rt.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		res, _, err := m.runCycle(rt.ctx, rt)
		if rt.ctx.Err() != nil {
			return
		}
		wait := rt.cfg.PollInterval
		if err == nil && res.Attempted >= rt.cfg.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}
