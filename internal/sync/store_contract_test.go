package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukanx/backend/internal/db"
	"github.com/dukanx/backend/internal/models"
	"github.com/dukanx/backend/internal/sync/queue"
	"github.com/dukanx/backend/internal/sync/remote"
)

var _ LocalQueueStore = (*db.QueueStore)(nil)

// storeFactories yields every LocalQueueStore implementation.
func storeFactories(t *testing.T) map[string]func() LocalQueueStore {
	return map[string]func() LocalQueueStore{
		"memory": func() LocalQueueStore { return queue.NewMemoryStore() },
		"sqlite": func() LocalQueueStore {
			d, err := db.Open(t.TempDir())
			require.NoError(t, err)
			s := db.NewQueueStore(d.DB)
			t.Cleanup(func() {
				_ = s.Close()
				_ = d.Close()
			})
			return s
		},
	}
}

// TestStoreContract runs the same orchestrator flows on each store.
func TestStoreContract(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("retry then conflict audit", func(t *testing.T) {
				store := open()
				target := remote.NewMemoryTarget()
				clock := &fakeClock{now: t0}
				m := NewManager(target, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
				require.NoError(t, m.Initialize(store, testConfig(3)))
				defer m.Dispose()
				ctx := context.Background()

				target.Script(models.CollectionProducts, "p-1", remote.Transient("503"))
				target.Seed(models.CollectionCustomers, "c-1", 9, json.RawMessage(`{"name":"Remote"}`))

				first, err := m.Enqueue(ctx, productUpdate("p-1", 1, "Atta"))
				require.NoError(t, err)
				clock.Advance(time.Millisecond)
				second, err := m.Enqueue(ctx, productUpdate("p-1", 2, "Atta 5kg"))
				require.NoError(t, err)
				clock.Advance(time.Millisecond)
				stale, err := m.Enqueue(ctx, EnqueueRequest{
					OperationType:    models.OpUpdate,
					TargetCollection: models.CollectionCustomers,
					DocumentID:       "c-1",
					Payload:          json.RawMessage(`{"name":"Local"}`),
					LocalVersion:     3,
				})
				require.NoError(t, err)

				_, err = m.ForceSyncAll(ctx)
				require.NoError(t, err)

				e, err := store.Get(ctx, first)
				require.NoError(t, err)
				assert.Equal(t, models.StateRetry, e.State)
				assert.Equal(t, 1, e.AttemptCount)

				e, err = store.Get(ctx, second)
				require.NoError(t, err)
				assert.Equal(t, models.StatePending, e.State)

				e, err = store.Get(ctx, stale)
				require.NoError(t, err)
				assert.Equal(t, models.StateSynced, e.State)
				assert.True(t, e.ConflictResolved)

				clock.Advance(time.Second)
				_, err = m.ForceSyncAll(ctx)
				require.NoError(t, err)

				for _, id := range []models.UUID{first, second} {
					e, err := store.Get(ctx, id)
					require.NoError(t, err)
					assert.Equal(t, models.StateSynced, e.State, "entry %s", id)
				}

				logs, err := m.ListConflicts(ctx, 10)
				require.NoError(t, err)
				require.Len(t, logs, 1)
				assert.Equal(t, stale, logs[0].EntryID)
				assert.JSONEq(t, `{"name":"Local"}`, string(logs[0].DiscardedPayload))

				health, err := m.GetHealthMetrics(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, health.Counts[models.StateSynced])
				assert.Equal(t, 1, health.ConflictCount)
			})

			t.Run("dead letter and requeue", func(t *testing.T) {
				store := open()
				target := remote.NewMemoryTarget()
				clock := &fakeClock{now: t0}
				m := NewManager(target, WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
				require.NoError(t, m.Initialize(store, testConfig(1)))
				defer m.Dispose()
				ctx := context.Background()

				target.Script(models.CollectionProducts, "p-1", remote.Transient("a"), remote.Transient("b"))
				id, err := m.Enqueue(ctx, productUpdate("p-1", 1, "Atta"))
				require.NoError(t, err)

				for i := 0; i < 2; i++ {
					_, err = m.ForceSyncAll(ctx)
					require.NoError(t, err)
					clock.Advance(time.Minute)
				}

				dead, err := m.ListDeadLetters(ctx, 10)
				require.NoError(t, err)
				require.Len(t, dead, 1)
				assert.Equal(t, id, dead[0].ID)
				assert.Equal(t, 1, dead[0].AttemptCount)

				fresh, err := m.Requeue(ctx, id)
				require.NoError(t, err)
				_, err = m.ForceSyncAll(ctx)
				require.NoError(t, err)

				e, err := store.Get(ctx, fresh)
				require.NoError(t, err)
				assert.Equal(t, models.StateSynced, e.State)
				require.NotNil(t, e.RequeuedFrom)
				assert.Equal(t, id, *e.RequeuedFrom)
			})

			t.Run("claim compare and set", func(t *testing.T) {
				store := open()
				ctx := context.Background()

				for i := 0; i < 2; i++ {
					e, err := queue.NewEntry(productUpdate("p-1", int64(i+1), "Atta"), models.UUID(fmt.Sprintf("c-%d", i)), t0.Add(time.Duration(i)*time.Second))
					require.NoError(t, err)
					require.NoError(t, store.Insert(ctx, e))
				}

				head, err := store.Get(ctx, "c-0")
				require.NoError(t, err)
				claimed, err := queue.Claim(head, t0, time.Minute)
				require.NoError(t, err)

				ok, err := store.Claim(ctx, claimed, models.StatePending)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = store.Claim(ctx, claimed, models.StatePending)
				require.NoError(t, err)
				assert.False(t, ok, "a second claim of the same entry must lose")

				tail, err := store.Get(ctx, "c-1")
				require.NoError(t, err)
				claimedTail, err := queue.Claim(tail, t0, time.Minute)
				require.NoError(t, err)
				ok, err = store.Claim(ctx, claimedTail, models.StatePending)
				require.NoError(t, err)
				assert.False(t, ok, "a document may have only one entry in flight")
			})
		})
	}
}
