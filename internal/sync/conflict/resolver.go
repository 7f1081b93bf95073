// Package conflict decides the outcome of a remote write attempt.
//
// The remote replica is authoritative. A version conflict never
// overwrites the remote document: the local write is discarded and an
// audit record keeps the discarded payload for review.
package conflict

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
	"github.com/dukanx/backend/internal/uuid"
)

// Action is what the orchestrator should do with the attempted entry.
type Action string

const (
	// ActionApply marks the entry SYNCED; the remote holds our write.
	ActionApply Action = "apply"
	// ActionServerWins marks the entry SYNCED with the remote copy kept.
	ActionServerWins Action = "server_wins"
	// ActionRetry marks the entry FAILED and lets backoff decide.
	ActionRetry Action = "retry"
)

// Decision is the resolver's verdict for one attempt.
type Decision struct {
	Action        Action
	RemoteVersion int64
	Cause         error
	Audit         *models.ConflictLog
}

// Resolver turns remote results into decisions.
type Resolver struct {
	now   func() time.Time
	newID func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source used for audit records.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator overrides audit record id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Resolver) { r.newID = gen }
}

// NewResolver creates a server-wins Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now, newID: uuid.New}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve decides the outcome of applying entry remotely.
func (r *Resolver) Resolve(entry *models.SyncQueueEntry, result models.ApplyResult, remoteErr error) Decision {
	if remoteErr != nil {
		return r.retry(entry, classify(remoteErr))
	}

	switch result.Status {
	case models.ApplyApplied:
		v := result.NewVersion
		if v == 0 {
			v = entry.LocalVersion
		}
		return Decision{Action: ActionApply, RemoteVersion: v}

	case models.ApplyNotFound:
		if entry.OperationType == models.OpDelete {
			logging.Debug("Delete target already absent", map[string]interface{}{
				"entry_id": entry.ID.String(),
				"document": entry.Key().String(),
			})
			return Decision{Action: ActionApply, RemoteVersion: entry.LocalVersion}
		}
		return r.retry(entry, apperrors.Newf(apperrors.ErrPermanentRemote,
			"%s target %s not found remotely", entry.OperationType, entry.Key()))

	case models.ApplyConflict:
		return r.resolveConflict(entry, result)
	}

	return r.retry(entry, apperrors.Newf(apperrors.ErrPermanentRemote,
		"unexpected remote status %q", result.Status))
}

func (r *Resolver) resolveConflict(entry *models.SyncQueueEntry, result models.ApplyResult) Decision {
	// A remote copy at our own version is an earlier attempt of ours that
	// landed before its acknowledgement was lost, unless the remote can
	// show it holds different content.
	if result.RemoteVersion == entry.LocalVersion &&
		(result.RemotePayloadHash == "" || result.RemotePayloadHash == models.PayloadHash(entry.Payload)) {
		logging.Info("Remote already holds local version", map[string]interface{}{
			"entry_id":      entry.ID.String(),
			"document":      entry.Key().String(),
			"local_version": entry.LocalVersion,
		})
		return Decision{Action: ActionApply, RemoteVersion: result.RemoteVersion}
	}

	audit := &models.ConflictLog{
		ID:               models.UUID(r.newID()),
		EntryID:          entry.ID,
		TargetCollection: entry.TargetCollection,
		DocumentID:       entry.DocumentID,
		LocalVersion:     entry.LocalVersion,
		RemoteVersion:    result.RemoteVersion,
		Resolution:       models.ResolutionServerWins,
		DiscardedPayload: append([]byte(nil), entry.Payload...),
		DetectedAt:       r.now(),
	}

	logging.Warn("Version conflict resolved server-wins", map[string]interface{}{
		"entry_id":       entry.ID.String(),
		"document":       entry.Key().String(),
		"local_version":  entry.LocalVersion,
		"remote_version": result.RemoteVersion,
		"remote_ahead":   result.RemoteVersion > entry.LocalVersion,
	})

	return Decision{
		Action:        ActionServerWins,
		RemoteVersion: result.RemoteVersion,
		Cause: apperrors.Newf(apperrors.ErrSyncConflict,
			"local v%d discarded for remote v%d", entry.LocalVersion, result.RemoteVersion),
		Audit: audit,
	}
}

func (r *Resolver) retry(entry *models.SyncQueueEntry, cause error) Decision {
	ctx := map[string]interface{}{
		"entry_id": entry.ID.String(),
		"document": entry.Key().String(),
		"attempts": entry.AttemptCount,
	}
	if apperrors.Is(cause, apperrors.ErrPermanentRemote) {
		logging.ErrorWithCode("Remote rejected sync entry", string(apperrors.ErrPermanentRemote), cause, ctx)
	} else {
		logging.Warn("Remote write failed, will retry", mergeErr(ctx, cause))
	}
	return Decision{Action: ActionRetry, Cause: cause}
}

// classify maps bare errors onto the sync error codes. Timeouts and
// unclassified errors are transient.
func classify(err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "remote call timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrTransientRemote, "remote call failed", err)
}

func mergeErr(ctx map[string]interface{}, err error) map[string]interface{} {
	ctx["error"] = err.Error()
	return ctx
}
