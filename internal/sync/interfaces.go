// Package sync drives queued local writes to the remote replica.
//
// The Manager polls the local queue, claims eligible entries under
// per-document exclusivity, applies them remotely on a bounded worker
// pool and persists each outcome as a single state transition.
package sync

import (
	"context"
	"time"

	"github.com/dukanx/backend/internal/models"
	"github.com/dukanx/backend/internal/sync/queue"
)

// LocalQueueStore is the durable queue. Implementations must make each
// mutating call atomic and enforce the compare-and-set on from.
type LocalQueueStore interface {
	// Insert persists a new PENDING entry.
	Insert(ctx context.Context, e *models.SyncQueueEntry) error

	// FetchEligible returns up to limit claimable entries, oldest first.
	FetchEligible(ctx context.Context, now time.Time, limit int) ([]*models.SyncQueueEntry, error)

	// Claim persists claimed if the stored entry is still in state from and
	// no other entry for the same document is in flight or ahead of it.
	Claim(ctx context.Context, claimed *models.SyncQueueEntry, from models.SyncState) (bool, error)

	// Update persists e if the stored entry is still in state from. A
	// non-nil audit record commits in the same transaction.
	Update(ctx context.Context, e *models.SyncQueueEntry, from models.SyncState, audit *models.ConflictLog) error

	Get(ctx context.Context, id models.UUID) (*models.SyncQueueEntry, error)
	ListByState(ctx context.Context, state models.SyncState, limit int) ([]*models.SyncQueueEntry, error)
	ListExpiredLeases(ctx context.Context, now time.Time) ([]*models.SyncQueueEntry, error)
	Stats(ctx context.Context, now time.Time) (*models.QueueStats, error)
	ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// RemoteSyncTarget applies one conditional write to the remote replica.
// Errors should carry SYNC_TRANSIENT or SYNC_PERMANENT codes; anything
// else is treated as transient.
type RemoteSyncTarget interface {
	Apply(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error)
}

// EnqueueRequest describes a local mutation to replicate.
type EnqueueRequest = queue.EnqueueRequest

var _ LocalQueueStore = (*queue.MemoryStore)(nil)
