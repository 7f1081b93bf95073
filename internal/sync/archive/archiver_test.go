package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/models"
)

var exportTime = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type staticSource []*models.SyncQueueEntry

func (s staticSource) ListDeadLetters(_ context.Context, limit int) ([]*models.SyncQueueEntry, error) {
	if limit > 0 && limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

func deadLetters() staticSource {
	msg := "[SYNC_TRANSIENT] 503"
	return staticSource{
		{
			ID: "e-1", OperationType: models.OpUpdate, TargetCollection: models.CollectionBills,
			DocumentID: "b-1", Payload: json.RawMessage(`{"invoice_number":"INV-1","total":10}`),
			State: models.StateDeadLetter, AttemptCount: 5, LastError: &msg,
			CreatedAt: exportTime.Add(-time.Hour), UpdatedAt: exportTime, LocalVersion: 2,
		},
		{
			ID: "e-2", OperationType: models.OpDelete, TargetCollection: models.CollectionCustomers,
			DocumentID: "c-1", State: models.StateDeadLetter, AttemptCount: 5,
			CreatedAt: exportTime.Add(-time.Hour), UpdatedAt: exportTime, LocalVersion: 4,
		},
	}
}

func newTestArchiver(store ObjectStore) *Archiver {
	a := NewArchiver(store)
	a.now = func() time.Time { return exportTime }
	return a
}

func TestArchiver_exportAndRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestArchiver(store)

	m, err := a.Export(ctx, deadLetters(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count)
	assert.False(t, m.Existing)
	assert.True(t, strings.HasPrefix(m.Key, "dead-letters/2026/03/01/"))
	assert.True(t, strings.HasSuffix(m.Key, m.SHA256+".jsonl.sz"))
	assert.Positive(t, m.Bytes)

	raw, err := store.Get(ctx, m.Key)
	require.NoError(t, err)
	_, err = snappy.NewReader(bytes.NewReader(raw)).Read(make([]byte, 1))
	require.NoError(t, err, "object must be snappy framed")

	got, err := a.Read(ctx, m.Key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.UUID("e-1"), got[0].ID)
	assert.JSONEq(t, `{"invoice_number":"INV-1","total":10}`, string(got[0].Payload))
	require.NotNil(t, got[0].LastError)
	assert.Equal(t, models.OpDelete, got[1].OperationType)

	keys, err := a.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{m.Key}, keys)
}

func TestArchiver_identicalExportIsStoredOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestArchiver(NewMemoryStore())

	first, err := a.Export(ctx, deadLetters(), 0)
	require.NoError(t, err)
	second, err := a.Export(ctx, deadLetters(), 0)
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.True(t, second.Existing)

	keys, err := a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestArchiver_limitAndEmpty(t *testing.T) {
	ctx := context.Background()
	a := newTestArchiver(NewMemoryStore())

	m, err := a.Export(ctx, deadLetters(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count)

	m, err = a.Export(ctx, staticSource{}, 0)
	require.NoError(t, err)
	assert.Zero(t, m.Count)
	assert.Empty(t, m.Key)
}

func TestArchiver_readDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := newTestArchiver(store)

	m, err := a.Export(ctx, deadLetters(), 0)
	require.NoError(t, err)

	var forged bytes.Buffer
	w := snappy.NewBufferedWriter(&forged)
	_, err = w.Write([]byte(`{"id":"forged"}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, store.Put(ctx, m.Key, forged.Bytes()))
	_, err = a.Read(ctx, m.Key)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)

	_, err = a.Read(ctx, "dead-letters/missing.jsonl.sz")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := newTestArchiver(NewFileStore(dir))

	m, err := a.Export(ctx, deadLetters(), 0)
	require.NoError(t, err)

	fs := NewFileStore(dir)
	ok, err := fs.Exists(ctx, m.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := a.Read(ctx, m.Key)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	keys, err := fs.List(ctx, KeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{m.Key}, keys)

	err = fs.Put(ctx, "../escape", []byte("x"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	empty, err := NewFileStore(dir+"/missing").List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
