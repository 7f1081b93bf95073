// Package queue holds the sync queue state machine and an in-memory
// queue store.
//
// Transition functions are pure: they take an entry and return a new
// copy in the target state, leaving the input untouched. Persisting the
// result is the caller's job.
package queue

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
)

// RetryPolicy decides whether and when a failed entry is retried.
type RetryPolicy interface {
	ShouldRetry(attemptCount int) bool
	NextDelay(attemptCount int) time.Duration
}

// EnqueueRequest describes a local mutation to replicate.
type EnqueueRequest struct {
	OperationType    models.OperationType `json:"operation_type"`
	TargetCollection string               `json:"target_collection"`
	DocumentID       string               `json:"document_id"`
	Payload          json.RawMessage      `json:"payload,omitempty"`
	UserID           string               `json:"user_id,omitempty"`
	LocalVersion     int64                `json:"local_version"`
}

// Validate checks the request before it becomes a queue entry.
func (r EnqueueRequest) Validate() error {
	if !r.OperationType.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown operation type %q", r.OperationType)
	}
	if strings.TrimSpace(r.TargetCollection) == "" {
		return apperrors.New(apperrors.ErrInvalid, "target collection is required")
	}
	if strings.TrimSpace(r.DocumentID) == "" {
		return apperrors.New(apperrors.ErrInvalid, "document id is required")
	}
	if r.LocalVersion < 1 {
		return apperrors.Newf(apperrors.ErrInvalid, "local version must be >= 1, got %d", r.LocalVersion)
	}
	return models.ValidatePayload(r.OperationType, r.TargetCollection, r.Payload)
}

// transitions lists every allowed state change.
var transitions = map[models.SyncState][]models.SyncState{
	models.StatePending:    {models.StateInProgress},
	models.StateRetry:      {models.StateInProgress},
	models.StateInProgress: {models.StateSynced, models.StateFailed},
	models.StateFailed:     {models.StateRetry, models.StateDeadLetter},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to models.SyncState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NewEntry builds a PENDING entry from req. The payload is copied so later
// edits by the producer never leak into the queue.
func NewEntry(req EnqueueRequest, id models.UUID, now time.Time) (*models.SyncQueueEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// Stored bytes must equal the bytes a JSON transport sends, which
	// json.Marshal compacts, or the remote's payload hash never matches
	// PayloadHash on replay.
	var payload json.RawMessage
	if len(req.Payload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, req.Payload); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
		}
		payload = json.RawMessage(buf.Bytes())
	}
	return &models.SyncQueueEntry{
		ID:               id,
		UserID:           req.UserID,
		OperationType:    req.OperationType,
		TargetCollection: req.TargetCollection,
		DocumentID:       req.DocumentID,
		Payload:          payload,
		State:            models.StatePending,
		CreatedAt:        now,
		UpdatedAt:        now,
		LocalVersion:     req.LocalVersion,
	}, nil
}

// Claim moves a PENDING or due RETRY entry to IN_PROGRESS with a lease.
func Claim(e *models.SyncQueueEntry, now time.Time, lease time.Duration) (*models.SyncQueueEntry, error) {
	if !CanTransition(e.State, models.StateInProgress) {
		return nil, invalid(e, models.StateInProgress, "")
	}
	if !e.IsEligible(now) {
		return nil, invalid(e, models.StateInProgress, "retry not due")
	}
	out := e.Clone()
	out.State = models.StateInProgress
	out.NextAttemptAt = nil
	expires := now.Add(lease)
	out.LeaseExpiresAt = &expires
	out.UpdatedAt = now
	return out, nil
}

// Succeed moves an IN_PROGRESS entry to SYNCED.
func Succeed(e *models.SyncQueueEntry, remoteVersion int64, conflictResolved bool, now time.Time) (*models.SyncQueueEntry, error) {
	if !CanTransition(e.State, models.StateSynced) {
		return nil, invalid(e, models.StateSynced, "")
	}
	out := e.Clone()
	out.State = models.StateSynced
	out.LastError = nil
	out.LeaseExpiresAt = nil
	out.NextAttemptAt = nil
	out.RemoteVersion = &remoteVersion
	out.ConflictResolved = conflictResolved
	out.UpdatedAt = now
	return out, nil
}

// Fail moves an IN_PROGRESS entry to FAILED, recording cause.
func Fail(e *models.SyncQueueEntry, cause error, now time.Time) (*models.SyncQueueEntry, error) {
	if !CanTransition(e.State, models.StateFailed) {
		return nil, invalid(e, models.StateFailed, "")
	}
	out := e.Clone()
	out.State = models.StateFailed
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	out.LastError = &msg
	out.LeaseExpiresAt = nil
	out.UpdatedAt = now
	return out, nil
}

// Settle resolves a FAILED entry to RETRY, or DEAD_LETTER once the policy
// ceiling is reached. AttemptCount counts scheduled retries.
func Settle(e *models.SyncQueueEntry, policy RetryPolicy, now time.Time) (*models.SyncQueueEntry, error) {
	if e.State != models.StateFailed {
		return nil, invalid(e, models.StateRetry, "settle requires FAILED")
	}
	out := e.Clone()
	out.UpdatedAt = now
	if !policy.ShouldRetry(e.AttemptCount) {
		out.State = models.StateDeadLetter
		out.NextAttemptAt = nil
		return out, nil
	}
	next := now.Add(policy.NextDelay(e.AttemptCount))
	out.State = models.StateRetry
	out.AttemptCount = e.AttemptCount + 1
	out.NextAttemptAt = &next
	return out, nil
}

// Requeue creates a fresh PENDING entry from a dead letter. The dead
// letter itself is left untouched.
func Requeue(dead *models.SyncQueueEntry, id models.UUID, now time.Time) (*models.SyncQueueEntry, error) {
	if dead.State != models.StateDeadLetter {
		return nil, invalid(dead, models.StatePending, "only dead letters can be requeued")
	}
	out := dead.Clone()
	from := dead.ID
	out.ID = id
	out.State = models.StatePending
	out.AttemptCount = 0
	out.NextAttemptAt = nil
	out.LastError = nil
	out.LeaseExpiresAt = nil
	out.RemoteVersion = nil
	out.ConflictResolved = false
	out.RequeuedFrom = &from
	out.CreatedAt = now
	out.UpdatedAt = now
	return out, nil
}

func invalid(e *models.SyncQueueEntry, to models.SyncState, reason string) error {
	ctx := map[string]interface{}{
		"entry_id": e.ID.String(),
		"from":     string(e.State),
		"to":       string(to),
	}
	if reason != "" {
		ctx["reason"] = reason
	}
	logging.Warn("Rejected sync queue transition", ctx)

	if reason != "" {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "%s -> %s: %s", e.State, to, reason)
	}
	return apperrors.Newf(apperrors.ErrInvalidTransition, "%s -> %s", e.State, to)
}
