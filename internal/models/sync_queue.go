package models

import (
	"encoding/json"
	"time"
)

// SyncState is the lifecycle state of a sync queue entry.
type SyncState string

const (
	StatePending    SyncState = "PENDING"
	StateInProgress SyncState = "IN_PROGRESS"
	StateSynced     SyncState = "SYNCED"
	StateFailed     SyncState = "FAILED"
	StateRetry      SyncState = "RETRY"
	StateDeadLetter SyncState = "DEAD_LETTER"
)

// AllStates lists every state in lifecycle order.
var AllStates = []SyncState{
	StatePending, StateInProgress, StateSynced, StateFailed, StateRetry, StateDeadLetter,
}

// IsTerminal reports whether no further transition is allowed from s.
func (s SyncState) IsTerminal() bool {
	return s == StateSynced || s == StateDeadLetter
}

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// OperationType is the kind of mutation being replicated.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Valid reports whether op is a known operation.
func (op OperationType) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// DocumentKey identifies a remote document.
type DocumentKey struct {
	Collection string
	DocumentID string
}

func (k DocumentKey) String() string {
	return k.Collection + "/" + k.DocumentID
}

// SyncQueueEntry is one durable unit of pending replication work.
type SyncQueueEntry struct {
	ID               UUID            `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"user_id"`
	OperationType    OperationType   `db:"operation_type" json:"operation_type"`
	TargetCollection string          `db:"target_collection" json:"target_collection"`
	DocumentID       string          `db:"document_id" json:"document_id"`
	Payload          json.RawMessage `db:"payload" json:"payload,omitempty"`
	State            SyncState       `db:"state" json:"state"`
	AttemptCount     int             `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt    *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError        *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
	LocalVersion     int64           `db:"local_version" json:"local_version"`
	LeaseExpiresAt   *time.Time      `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	RequeuedFrom     *UUID           `db:"requeued_from" json:"requeued_from,omitempty"`
	RemoteVersion    *int64          `db:"remote_version" json:"remote_version,omitempty"`
	ConflictResolved bool            `db:"conflict_resolved" json:"conflict_resolved"`
}

// TableName returns the table name for SyncQueueEntry.
func (SyncQueueEntry) TableName() string {
	return "sync_queue"
}

// Key returns the document this entry writes to.
func (e *SyncQueueEntry) Key() DocumentKey {
	return DocumentKey{Collection: e.TargetCollection, DocumentID: e.DocumentID}
}

// Clone returns a deep copy of the entry.
func (e *SyncQueueEntry) Clone() *SyncQueueEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	c.NextAttemptAt = cloneTime(e.NextAttemptAt)
	c.LeaseExpiresAt = cloneTime(e.LeaseExpiresAt)
	if e.LastError != nil {
		s := *e.LastError
		c.LastError = &s
	}
	if e.RequeuedFrom != nil {
		id := *e.RequeuedFrom
		c.RequeuedFrom = &id
	}
	if e.RemoteVersion != nil {
		v := *e.RemoteVersion
		c.RemoteVersion = &v
	}
	return &c
}

// IsEligible reports whether the entry may be claimed at now.
func (e *SyncQueueEntry) IsEligible(now time.Time) bool {
	switch e.State {
	case StatePending:
		return true
	case StateRetry:
		return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
