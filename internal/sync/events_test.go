package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukanx/backend/internal/models"
)

func TestBroadcaster_orderAndCancel(t *testing.T) {
	b := newBroadcaster()
	ch, cancel := b.subscribe(4)

	for _, kind := range []EventKind{EventFailed, EventRetryScheduled, EventSynced} {
		b.publish(SyncEvent{Kind: kind})
	}
	assert.Equal(t, []EventKind{EventFailed, EventRetryScheduled, EventSynced}, kinds(drain(ch)))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	b.publish(SyncEvent{Kind: EventSynced})
	assert.Zero(t, b.dropped.Load())
}

func TestBroadcaster_closeAll(t *testing.T) {
	b := newBroadcaster()
	a, cancelA := b.subscribe(1)
	c, _ := b.subscribe(1)

	b.close()
	_, openA := <-a
	_, openC := <-c
	assert.False(t, openA)
	assert.False(t, openC)
	cancelA()

	late, _ := b.subscribe(1)
	_, open := <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
}

func TestEntryEvent(t *testing.T) {
	msg := "[SYNC_TRANSIENT] 503"
	e := &models.SyncQueueEntry{
		ID:               "e-1",
		OperationType:    models.OpCreate,
		TargetCollection: models.CollectionBills,
		DocumentID:       "b-1",
		State:            models.StateRetry,
		AttemptCount:     2,
		LastError:        &msg,
	}

	ev := entryEvent(EventRetryScheduled, e, t0)
	require.Equal(t, models.UUID("e-1"), ev.EntryID)
	assert.Equal(t, msg, ev.Error)
	assert.Equal(t, 2, ev.AttemptCount)
	assert.False(t, ev.Success())
}
