package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ApplyStatus is the outcome reported by a remote replica.
type ApplyStatus string

const (
	ApplyApplied  ApplyStatus = "applied"
	ApplyConflict ApplyStatus = "conflict"
	ApplyNotFound ApplyStatus = "not_found"
)

// ApplyRequest is a single conditional write against the remote replica.
type ApplyRequest struct {
	OperationType    OperationType   `json:"operation_type"`
	TargetCollection string          `json:"target_collection"`
	DocumentID       string          `json:"document_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion  int64           `json:"expected_version"`
	UserID           string          `json:"user_id,omitempty"`
}

// ApplyResult is the remote's answer to an ApplyRequest.
//
// NewVersion is set when Status is applied. RemoteVersion carries the
// version currently held remotely when Status is conflict, and
// RemotePayloadHash the PayloadHash of the stored document when the
// remote keeps one.
type ApplyResult struct {
	Status            ApplyStatus `json:"status"`
	NewVersion        int64       `json:"new_version,omitempty"`
	RemoteVersion     int64       `json:"remote_version,omitempty"`
	RemotePayloadHash string      `json:"remote_payload_hash,omitempty"`
}

// PayloadHash returns the hex SHA-256 of a payload.
func PayloadHash(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
