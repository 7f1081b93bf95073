package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/golang/snappy"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
)

// KeyPrefix is the object key prefix of every export.
const KeyPrefix = "dead-letters/"

const keySuffix = ".jsonl.sz"

// DeadLetterSource lists dead-lettered entries.
type DeadLetterSource interface {
	ListDeadLetters(ctx context.Context, limit int) ([]*models.SyncQueueEntry, error)
}

// Manifest describes one export.
type Manifest struct {
	Key        string    `json:"key" yaml:"key"`
	Count      int       `json:"count" yaml:"count"`
	Bytes      int       `json:"bytes" yaml:"bytes"`
	SHA256     string    `json:"sha256" yaml:"sha256"`
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at"`
	Existing   bool      `json:"existing" yaml:"existing"` // identical export already stored
}

// Archiver writes dead-letter exports to an ObjectStore.
type Archiver struct {
	store ObjectStore
	now   func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(store ObjectStore) *Archiver {
	return &Archiver{store: store, now: time.Now}
}

// Export lists up to limit dead letters from src and archives them. An
// empty source yields a zero-count manifest and writes nothing.
func (a *Archiver) Export(ctx context.Context, src DeadLetterSource, limit int) (*Manifest, error) {
	entries, err := src.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	return a.ExportEntries(ctx, entries)
}

// ExportEntries archives entries as one object.
func (a *Archiver) ExportEntries(ctx context.Context, entries []*models.SyncQueueEntry) (*Manifest, error) {
	now := a.now().UTC()
	if len(entries) == 0 {
		return &Manifest{ExportedAt: now}, nil
	}

	var lines bytes.Buffer
	enc := json.NewEncoder(&lines)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "encode dead letter", err)
		}
	}
	sum := sha256.Sum256(lines.Bytes())
	digest := hex.EncodeToString(sum[:])
	key := KeyPrefix + now.Format("2006/01/02") + "/" + digest + keySuffix

	m := &Manifest{Key: key, Count: len(entries), SHA256: digest, ExportedAt: now}

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		m.Existing = true
		return m, nil
	}

	var compressed bytes.Buffer
	w := snappy.NewBufferedWriter(&compressed)
	if _, err := w.Write(lines.Bytes()); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "compress export", err)
	}
	if err := w.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "compress export", err)
	}
	m.Bytes = compressed.Len()

	if err := a.store.Put(ctx, key, compressed.Bytes()); err != nil {
		return nil, err
	}

	logging.Info("Exported dead letters", map[string]interface{}{
		"key":   key,
		"count": m.Count,
		"bytes": m.Bytes,
	})
	return m, nil
}

// Read loads an export and verifies its content against the digest in
// its key.
func (a *Archiver) Read(ctx context.Context, key string) ([]*models.SyncQueueEntry, error) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(snappy.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "decompress export", err)
	}

	want := strings.TrimSuffix(path.Base(key), keySuffix)
	sum := sha256.Sum256(raw)
	if got := hex.EncodeToString(sum[:]); got != want {
		return nil, apperrors.Newf(apperrors.ErrValidation, "export hash mismatch: expected %s, got %s", want, got)
	}

	var out []*models.SyncQueueEntry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e models.SyncQueueEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("decode line %d", len(out)+1), err)
		}
		out = append(out, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "scan export", err)
	}
	return out, nil
}

// List returns every export key, oldest day first.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	return a.store.List(ctx, KeyPrefix)
}
