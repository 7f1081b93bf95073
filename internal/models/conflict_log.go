package models

import (
	"encoding/json"
	"time"
)

// ResolutionServerWins marks a conflict where the remote document was kept.
const ResolutionServerWins = "server_wins"

// ConflictLog is the audit record of a local write discarded in favour of
// the remote document.
type ConflictLog struct {
	ID               UUID            `db:"id" json:"id"`
	EntryID          UUID            `db:"entry_id" json:"entry_id"`
	TargetCollection string          `db:"target_collection" json:"target_collection"`
	DocumentID       string          `db:"document_id" json:"document_id"`
	LocalVersion     int64           `db:"local_version" json:"local_version"`
	RemoteVersion    int64           `db:"remote_version" json:"remote_version"`
	Resolution       string          `db:"resolution" json:"resolution"`
	DiscardedPayload json.RawMessage `db:"discarded_payload" json:"discarded_payload,omitempty"`
	DetectedAt       time.Time       `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}
