// Package remote provides RemoteSyncTarget implementations: a DynamoDB
// replica, an HTTP sync API client and an in-memory replica for tests and
// development.
//
// All targets share one versioning rule: a write carrying version v is
// applied only when the stored document is absent or older than v.
// Otherwise the target reports a conflict with the stored version.
package remote

import (
	"context"
	"encoding/json"
	gosync "sync"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
)

// Document is the remote copy of one synced document.
type Document struct {
	Version int64
	Payload json.RawMessage
	Hash    string
}

// Script overrides the next Apply call for a document. A nil Script
// entry falls through to the versioning rule.
type Script func(req models.ApplyRequest) (models.ApplyResult, error)

// MemoryTarget is an in-memory replica. Failures can be scripted per
// document to exercise retry paths.
type MemoryTarget struct {
	mu      gosync.Mutex
	docs    map[models.DocumentKey]Document
	scripts map[models.DocumentKey][]Script
	calls   []models.ApplyRequest
	hook    func(req models.ApplyRequest)
}

// NewMemoryTarget creates an empty MemoryTarget.
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{
		docs:    make(map[models.DocumentKey]Document),
		scripts: make(map[models.DocumentKey][]Script),
	}
}

// Seed stores a document directly, as if another writer had synced it.
func (t *MemoryTarget) Seed(collection, documentID string, version int64, payload json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.docs[models.DocumentKey{Collection: collection, DocumentID: documentID}] = Document{
		Version: version,
		Payload: append(json.RawMessage(nil), payload...),
		Hash:    models.PayloadHash(payload),
	}
}

// Script queues outcomes for the next Apply calls on a document.
func (t *MemoryTarget) Script(collection, documentID string, steps ...Script) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := models.DocumentKey{Collection: collection, DocumentID: documentID}
	t.scripts[key] = append(t.scripts[key], steps...)
}

// OnApply registers a hook called at the start of every Apply, outside
// the target's lock.
func (t *MemoryTarget) OnApply(hook func(req models.ApplyRequest)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

// Get returns the stored document.
func (t *MemoryTarget) Get(collection, documentID string) (Document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[models.DocumentKey{Collection: collection, DocumentID: documentID}]
	return d, ok
}

// Calls returns every request received, in arrival order.
func (t *MemoryTarget) Calls() []models.ApplyRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.ApplyRequest(nil), t.calls...)
}

// Apply implements RemoteSyncTarget.
func (t *MemoryTarget) Apply(ctx context.Context, req models.ApplyRequest) (models.ApplyResult, error) {
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return models.ApplyResult{}, apperrors.Wrap(apperrors.ErrTransientRemote, "remote call cancelled", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, req)
	key := models.DocumentKey{Collection: req.TargetCollection, DocumentID: req.DocumentID}
	if steps := t.scripts[key]; len(steps) > 0 {
		step := steps[0]
		t.scripts[key] = steps[1:]
		if step != nil {
			return step(req)
		}
	}

	cur, exists := t.docs[key]
	if req.OperationType == models.OpDelete {
		if !exists {
			return models.ApplyResult{Status: models.ApplyNotFound}, nil
		}
		if cur.Version >= req.ExpectedVersion {
			return conflict(cur), nil
		}
		delete(t.docs, key)
		return models.ApplyResult{Status: models.ApplyApplied, NewVersion: req.ExpectedVersion}, nil
	}

	if exists && cur.Version >= req.ExpectedVersion {
		return conflict(cur), nil
	}
	t.docs[key] = Document{
		Version: req.ExpectedVersion,
		Payload: append(json.RawMessage(nil), req.Payload...),
		Hash:    models.PayloadHash(req.Payload),
	}
	return models.ApplyResult{Status: models.ApplyApplied, NewVersion: req.ExpectedVersion}, nil
}

func conflict(d Document) models.ApplyResult {
	return models.ApplyResult{
		Status:            models.ApplyConflict,
		RemoteVersion:     d.Version,
		RemotePayloadHash: d.Hash,
	}
}

// Fail returns a Script step that fails with err.
func Fail(err error) Script {
	return func(models.ApplyRequest) (models.ApplyResult, error) {
		return models.ApplyResult{}, err
	}
}

// Transient returns a Script step that fails with a transient error.
func Transient(msg string) Script {
	return Fail(apperrors.New(apperrors.ErrTransientRemote, msg))
}

// Respond returns a Script step that answers with res.
func Respond(res models.ApplyResult) Script {
	return func(models.ApplyRequest) (models.ApplyResult, error) {
		return res, nil
	}
}
