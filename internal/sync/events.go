package sync

import (
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/dukanx/backend/internal/models"
)

// EventKind classifies a SyncEvent.
type EventKind string

const (
	EventSynced           EventKind = "synced"
	EventConflictResolved EventKind = "conflict_resolved"
	EventFailed           EventKind = "failed"
	EventRetryScheduled   EventKind = "retry_scheduled"
	EventDeadLettered     EventKind = "dead_lettered"
	EventRequeued         EventKind = "requeued"
	EventCycleFailed      EventKind = "cycle_failed"
)

// SyncEvent is one per-entry outcome, or a cycle failure.
type SyncEvent struct {
	Kind             EventKind            `json:"kind"`
	EntryID          models.UUID          `json:"entry_id,omitempty"`
	OperationType    models.OperationType `json:"operation_type,omitempty"`
	TargetCollection string               `json:"target_collection,omitempty"`
	DocumentID       string               `json:"document_id,omitempty"`
	State            models.SyncState     `json:"state,omitempty"`
	AttemptCount     int                  `json:"attempt_count"`
	NextAttemptAt    *time.Time           `json:"next_attempt_at,omitempty"`
	ConflictResolved bool                 `json:"conflict_resolved,omitempty"`
	Error            string               `json:"error,omitempty"`
	At               time.Time            `json:"at"`
}

// Success reports whether the event marks a successful outcome.
func (e SyncEvent) Success() bool {
	return e.Kind == EventSynced || e.Kind == EventConflictResolved
}

func entryEvent(kind EventKind, e *models.SyncQueueEntry, at time.Time) SyncEvent {
	ev := SyncEvent{
		Kind:             kind,
		EntryID:          e.ID,
		OperationType:    e.OperationType,
		TargetCollection: e.TargetCollection,
		DocumentID:       e.DocumentID,
		State:            e.State,
		AttemptCount:     e.AttemptCount,
		NextAttemptAt:    e.NextAttemptAt,
		ConflictResolved: e.ConflictResolved,
		At:               at,
	}
	if e.LastError != nil {
		ev.Error = *e.LastError
	}
	return ev
}

// broadcaster fans events out to bounded subscriber channels. A full
// subscriber loses the event rather than stalling dispatch.
type broadcaster struct {
	mu      gosync.Mutex
	subs    map[int]chan SyncEvent
	nextID  int
	closed  bool
	dropped atomic.Int64
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan SyncEvent)}
}

func (b *broadcaster) subscribe(buffer int) (<-chan SyncEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan SyncEvent, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// publish sends under the lock so events reach each subscriber in
// publication order.
func (b *broadcaster) publish(ev SyncEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}
