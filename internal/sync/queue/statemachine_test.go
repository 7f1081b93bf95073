package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
)

type fixedPolicy struct {
	max   int
	delay time.Duration
}

func (p fixedPolicy) ShouldRetry(n int) bool        { return n < p.max }
func (p fixedPolicy) NextDelay(n int) time.Duration { return p.delay * time.Duration(n+1) }

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newPending(t *testing.T) *models.SyncQueueEntry {
	t.Helper()
	e, err := NewEntry(EnqueueRequest{
		OperationType:    models.OpCreate,
		TargetCollection: models.CollectionCustomers,
		DocumentID:       "c-1",
		Payload:          json.RawMessage(`{"name":"Meena"}`),
		LocalVersion:     1,
	}, "e-1", t0)
	require.NoError(t, err)
	return e
}

// TestCanTransition verifies the allowed transition table.
func TestCanTransition(t *testing.T) {
	allowed := map[[2]models.SyncState]bool{
		{models.StatePending, models.StateInProgress}: true,
		{models.StateRetry, models.StateInProgress}:   true,
		{models.StateInProgress, models.StateSynced}:  true,
		{models.StateInProgress, models.StateFailed}:  true,
		{models.StateFailed, models.StateRetry}:       true,
		{models.StateFailed, models.StateDeadLetter}:  true,
	}
	for _, from := range models.AllStates {
		for _, to := range models.AllStates {
			want := allowed[[2]models.SyncState{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// TestNewEntry verifies a valid request becomes a PENDING entry.
func TestNewEntry(t *testing.T) {
	payload := json.RawMessage(`{"name":"Meena"}`)
	e, err := NewEntry(EnqueueRequest{
		OperationType:    models.OpCreate,
		TargetCollection: models.CollectionCustomers,
		DocumentID:       "c-1",
		Payload:          payload,
		UserID:           "u-1",
		LocalVersion:     3,
	}, "e-1", t0)
	require.NoError(t, err)

	assert.Equal(t, models.StatePending, e.State)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Equal(t, int64(3), e.LocalVersion)
	assert.Equal(t, t0, e.CreatedAt)
	assert.Nil(t, e.NextAttemptAt)

	payload[2] = 'X'
	assert.JSONEq(t, `{"name":"Meena"}`, string(e.Payload), "payload must be a snapshot")
}

// TestNewEntry_invalid verifies request validation.
func TestNewEntry_invalid(t *testing.T) {
	base := EnqueueRequest{
		OperationType:    models.OpUpdate,
		TargetCollection: models.CollectionProducts,
		DocumentID:       "p-1",
		Payload:          json.RawMessage(`{"name":"Dal","price":90}`),
		LocalVersion:     1,
	}
	tests := []struct {
		name   string
		mutate func(*EnqueueRequest)
		code   apperrors.ErrorCode
	}{
		{"bad op", func(r *EnqueueRequest) { r.OperationType = "upsert" }, apperrors.ErrInvalid},
		{"no collection", func(r *EnqueueRequest) { r.TargetCollection = " " }, apperrors.ErrInvalid},
		{"no document", func(r *EnqueueRequest) { r.DocumentID = "" }, apperrors.ErrInvalid},
		{"zero version", func(r *EnqueueRequest) { r.LocalVersion = 0 }, apperrors.ErrInvalid},
		{"bad payload", func(r *EnqueueRequest) { r.Payload = json.RawMessage(`{"price":-1,"name":"x"}`) }, apperrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := NewEntry(req, "e", t0)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}
}

// TestNewEntry_compactsPayload verifies the stored payload is the compact
// form a JSON transport sends, so its hash matches the server's.
func TestNewEntry_compactsPayload(t *testing.T) {
	e, err := NewEntry(EnqueueRequest{
		OperationType:    models.OpCreate,
		TargetCollection: models.CollectionCustomers,
		DocumentID:       "c-1",
		Payload:          json.RawMessage("{\"id\": \"c-1\",\n  \"name\": \"Asha\"}"),
		LocalVersion:     1,
	}, "e-1", t0)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"c-1","name":"Asha"}`, string(e.Payload))

	wire, err := json.Marshal(struct {
		Payload json.RawMessage `json:"payload"`
	}{e.Payload})
	require.NoError(t, err)
	assert.Contains(t, string(wire), string(e.Payload), "marshalling must not rewrite stored bytes")

	_, err = NewEntry(EnqueueRequest{
		OperationType:    models.OpCreate,
		TargetCollection: models.CollectionCustomers,
		DocumentID:       "c-2",
		Payload:          json.RawMessage(`{"name": "Asha"`),
		LocalVersion:     1,
	}, "e-2", t0)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
}

// TestClaim verifies PENDING -> IN_PROGRESS sets a lease and leaves the input alone.
func TestClaim(t *testing.T) {
	e := newPending(t)
	c, err := Claim(e, t0.Add(time.Second), 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, models.StateInProgress, c.State)
	require.NotNil(t, c.LeaseExpiresAt)
	assert.Equal(t, t0.Add(31*time.Second), *c.LeaseExpiresAt)
	assert.Equal(t, models.StatePending, e.State, "input must not be mutated")
	assert.Nil(t, e.LeaseExpiresAt)
}

// TestClaim_retryNotDue verifies RETRY entries wait for NextAttemptAt.
func TestClaim_retryNotDue(t *testing.T) {
	e := newPending(t)
	next := t0.Add(time.Minute)
	e.State = models.StateRetry
	e.NextAttemptAt = &next

	_, err := Claim(e, t0, time.Second)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	c, err := Claim(e, next, time.Second)
	require.NoError(t, err)
	assert.Nil(t, c.NextAttemptAt)
}

// TestSucceed verifies IN_PROGRESS -> SYNCED clears error and lease.
func TestSucceed(t *testing.T) {
	e := newPending(t)
	c, err := Claim(e, t0, time.Minute)
	require.NoError(t, err)
	msg := "old"
	c.LastError = &msg

	s, err := Succeed(c, 4, true, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.StateSynced, s.State)
	assert.Nil(t, s.LastError)
	assert.Nil(t, s.LeaseExpiresAt)
	require.NotNil(t, s.RemoteVersion)
	assert.Equal(t, int64(4), *s.RemoteVersion)
	assert.True(t, s.ConflictResolved)
	assert.Equal(t, t0.Add(time.Second), s.UpdatedAt)
}

// TestFailSettle_retry verifies FAILED -> RETRY increments attempts and schedules backoff.
func TestFailSettle_retry(t *testing.T) {
	policy := fixedPolicy{max: 3, delay: time.Second}
	c, err := Claim(newPending(t), t0, time.Minute)
	require.NoError(t, err)

	f, err := Fail(c, errors.New("503"), t0)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, f.State)
	require.NotNil(t, f.LastError)
	assert.Equal(t, "503", *f.LastError)

	r, err := Settle(f, policy, t0)
	require.NoError(t, err)
	assert.Equal(t, models.StateRetry, r.State)
	assert.Equal(t, 1, r.AttemptCount)
	require.NotNil(t, r.NextAttemptAt)
	assert.Equal(t, t0.Add(time.Second), *r.NextAttemptAt, "delay uses the attempt count before increment")
	assert.Equal(t, 0, f.AttemptCount)
}

// TestSettle_deadLetter verifies the ceiling routes to DEAD_LETTER without incrementing.
func TestSettle_deadLetter(t *testing.T) {
	policy := fixedPolicy{max: 2, delay: time.Second}
	e := newPending(t)
	e.State = models.StateFailed
	e.AttemptCount = 2

	d, err := Settle(e, policy, t0)
	require.NoError(t, err)
	assert.Equal(t, models.StateDeadLetter, d.State)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Nil(t, d.NextAttemptAt)
}

// TestTerminalStatesImmutable verifies no transition leaves SYNCED or DEAD_LETTER.
func TestTerminalStatesImmutable(t *testing.T) {
	policy := fixedPolicy{max: 5, delay: time.Second}
	for _, st := range []models.SyncState{models.StateSynced, models.StateDeadLetter} {
		e := newPending(t)
		e.State = st

		_, err := Claim(e, t0, time.Second)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "Claim from %s", st)
		_, err = Succeed(e, 1, false, t0)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "Succeed from %s", st)
		_, err = Fail(e, errors.New("x"), t0)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "Fail from %s", st)
		_, err = Settle(e, policy, t0)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "Settle from %s", st)
	}
}

// TestAttemptCount_monotonic verifies attempts never decrease across a retry chain.
func TestAttemptCount_monotonic(t *testing.T) {
	policy := fixedPolicy{max: 4, delay: time.Millisecond}
	e := newPending(t)
	now := t0
	last := 0
	for e.State != models.StateDeadLetter {
		c, err := Claim(e, now, time.Second)
		require.NoError(t, err)
		f, err := Fail(c, errors.New("down"), now)
		require.NoError(t, err)
		e, err = Settle(f, policy, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, e.AttemptCount, last)
		last = e.AttemptCount
		now = now.Add(time.Hour)
	}
	assert.Equal(t, 4, e.AttemptCount)
}

// TestRequeue verifies a dead letter produces a fresh PENDING entry.
func TestRequeue(t *testing.T) {
	dead := newPending(t)
	dead.State = models.StateDeadLetter
	dead.AttemptCount = 5
	msg := "permanent"
	dead.LastError = &msg

	r, err := Requeue(dead, "e-2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.UUID("e-2"), r.ID)
	assert.Equal(t, models.StatePending, r.State)
	assert.Equal(t, 0, r.AttemptCount)
	assert.Nil(t, r.LastError)
	require.NotNil(t, r.RequeuedFrom)
	assert.Equal(t, models.UUID("e-1"), *r.RequeuedFrom)
	assert.Equal(t, dead.Payload, r.Payload)
	assert.Equal(t, dead.LocalVersion, r.LocalVersion)

	assert.Equal(t, models.StateDeadLetter, dead.State, "dead letter must stay untouched")

	_, err = Requeue(newPending(t), "e-3", t0)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}
