package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
)

const entryColumns = `id, user_id, operation_type, target_collection, document_id, payload, state,
	attempt_count, next_attempt_at, last_error, created_at, updated_at, local_version,
	lease_expires_at, requeued_from, remote_version, conflict_resolved`

const conflictColumns = `id, entry_id, target_collection, document_id, local_version,
	remote_version, resolution, discarded_payload, detected_at`

// blockedBy matches another entry for the same document that is in flight
// or is an earlier non-terminal entry. %[1]s names the outer row.
const blockedBy = `EXISTS (
	SELECT 1 FROM sync_queue o
	WHERE o.target_collection = %[1]s.target_collection
	  AND o.document_id = %[1]s.document_id
	  AND o.id <> %[1]s.id
	  AND (o.state = 'IN_PROGRESS'
	       OR (o.state NOT IN ('SYNCED', 'DEAD_LETTER')
	           AND (o.created_at < %[1]s.created_at
	                OR (o.created_at = %[1]s.created_at AND o.id < %[1]s.id)))))`

var (
	queryInsert = `INSERT INTO sync_queue (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryFetchEligible = `SELECT ` + entryColumns + ` FROM sync_queue q
		WHERE (q.state = 'PENDING'
		       OR (q.state = 'RETRY' AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= ?)))
		  AND NOT ` + fmt.Sprintf(blockedBy, "q") + `
		ORDER BY q.created_at, q.id
		LIMIT ?`

	queryClaim = `UPDATE sync_queue
		SET state = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?, lease_expires_at = ?
		WHERE id = ? AND state = ? AND NOT ` + fmt.Sprintf(blockedBy, "sync_queue")

	queryUpdate = `UPDATE sync_queue
		SET state = ?, attempt_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?,
		    lease_expires_at = ?, remote_version = ?, conflict_resolved = ?
		WHERE id = ? AND state = ?`

	queryGet = `SELECT ` + entryColumns + ` FROM sync_queue WHERE id = ?`

	queryListByState = `SELECT ` + entryColumns + ` FROM sync_queue
		WHERE state = ? ORDER BY created_at, id LIMIT ?`

	queryExpiredLeases = `SELECT ` + entryColumns + ` FROM sync_queue
		WHERE state = 'IN_PROGRESS' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
		ORDER BY created_at, id`

	queryInsertConflict = `INSERT INTO conflict_log (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryListConflicts = `SELECT ` + conflictColumns + ` FROM conflict_log
		ORDER BY detected_at DESC, id DESC LIMIT ?`
)

// QueueStore is the SQLite implementation of the sync queue store. Every
// state change is a single transaction guarded by a compare-and-set on
// the prior state.
type QueueStore struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewQueueStore creates a QueueStore over an opened, migrated database.
func NewQueueStore(db *sql.DB) *QueueStore {
	return &QueueStore{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *QueueStore) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If already stored by another goroutine, use existing
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *QueueStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Insert stores a new entry.
func (s *QueueStore) Insert(ctx context.Context, e *models.SyncQueueEntry) error {
	stmt, err := s.PrepareStmt(ctx, queryInsert)
	if err != nil {
		return storeErr("prepare insert", err)
	}
	if _, err := stmt.ExecContext(ctx, insertArgs(e)...); err != nil {
		return insertErr(e, err)
	}
	return nil
}

// InsertTx stores a new entry inside the caller's transaction so a
// business write and its sync entry commit together.
func (s *QueueStore) InsertTx(ctx context.Context, tx *sql.Tx, e *models.SyncQueueEntry) error {
	// The caller's transaction holds the only connection, so no prepare here.
	if _, err := tx.ExecContext(ctx, queryInsert, insertArgs(e)...); err != nil {
		return insertErr(e, err)
	}
	return nil
}

// FetchEligible returns up to limit claimable entries in FIFO order.
func (s *QueueStore) FetchEligible(ctx context.Context, now time.Time, limit int) ([]*models.SyncQueueEntry, error) {
	return s.queryEntries(ctx, queryFetchEligible, toMillis(now), sqlLimit(limit))
}

// Claim persists claimed if the row is still in state from and nothing
// else for the document is in flight or ahead of it.
func (s *QueueStore) Claim(ctx context.Context, claimed *models.SyncQueueEntry, from models.SyncState) (bool, error) {
	stmt, err := s.PrepareStmt(ctx, queryClaim)
	if err != nil {
		return false, storeErr("prepare claim", err)
	}
	res, err := stmt.ExecContext(ctx,
		string(claimed.State),
		claimed.AttemptCount,
		nullMillis(claimed.NextAttemptAt),
		nullString(claimed.LastError),
		toMillis(claimed.UpdatedAt),
		nullMillis(claimed.LeaseExpiresAt),
		claimed.ID.String(),
		string(from),
	)
	if err != nil {
		if isConstraint(err) {
			return false, nil
		}
		return false, storeErr("claim entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("claim rows affected", err)
	}
	return n == 1, nil
}

// Update persists e if the row is still in state from, together with the
// audit record when one is given.
func (s *QueueStore) Update(ctx context.Context, e *models.SyncQueueEntry, from models.SyncState, audit *models.ConflictLog) error {
	// Prepare before BeginTx: the transaction holds the only connection.
	stmt, err := s.PrepareStmt(ctx, queryUpdate)
	if err != nil {
		return storeErr("prepare update", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin update", err)
	}
	defer tx.Rollback()

	res, err := tx.StmtContext(ctx, stmt).ExecContext(ctx,
		string(e.State),
		e.AttemptCount,
		nullMillis(e.NextAttemptAt),
		nullString(e.LastError),
		toMillis(e.UpdatedAt),
		nullMillis(e.LeaseExpiresAt),
		nullInt64(e.RemoteVersion),
		e.ConflictResolved,
		e.ID.String(),
		string(from),
	)
	if err != nil {
		return storeErr("update entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update rows affected", err)
	}
	if n == 0 {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT state FROM sync_queue WHERE id = ?`, e.ID.String()).Scan(&cur)
		if err == sql.ErrNoRows {
			return apperrors.Newf(apperrors.ErrNotFound, "entry %s not found", e.ID)
		}
		if err != nil {
			return storeErr("read current state", err)
		}
		return apperrors.Newf(apperrors.ErrStateConflict, "entry %s is %s, expected %s", e.ID, cur, from)
	}

	if audit != nil {
		if _, err := tx.ExecContext(ctx, queryInsertConflict,
			audit.ID.String(),
			audit.EntryID.String(),
			audit.TargetCollection,
			audit.DocumentID,
			audit.LocalVersion,
			audit.RemoteVersion,
			audit.Resolution,
			[]byte(audit.DiscardedPayload),
			toMillis(audit.DetectedAt),
		); err != nil {
			return storeErr("insert conflict log", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit update", err)
	}
	return nil
}

// Get returns the entry with the given id.
func (s *QueueStore) Get(ctx context.Context, id models.UUID) (*models.SyncQueueEntry, error) {
	entries, err := s.queryEntries(ctx, queryGet, id.String())
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "entry %s not found", id)
	}
	return entries[0], nil
}

// ListByState returns entries in state, oldest first. limit <= 0 means all.
func (s *QueueStore) ListByState(ctx context.Context, state models.SyncState, limit int) ([]*models.SyncQueueEntry, error) {
	return s.queryEntries(ctx, queryListByState, string(state), sqlLimit(limit))
}

// ListExpiredLeases returns IN_PROGRESS entries whose lease has run out.
func (s *QueueStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]*models.SyncQueueEntry, error) {
	return s.queryEntries(ctx, queryExpiredLeases, toMillis(now))
}

// Stats summarizes the queue.
func (s *QueueStore) Stats(ctx context.Context, now time.Time) (*models.QueueStats, error) {
	stats := &models.QueueStats{Counts: make(map[models.SyncState]int, len(models.AllStates))}
	for _, st := range models.AllStates {
		stats.Counts[st] = 0
	}

	if err := s.countStates(ctx, stats); err != nil {
		return nil, err
	}
	stats.DeadLetterCount = stats.Counts[models.StateDeadLetter]

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM sync_queue WHERE state IN ('PENDING', 'RETRY')`).Scan(&oldest); err != nil {
		return nil, storeErr("oldest pending", err)
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		stats.OldestPendingAt = &t
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_log`).Scan(&stats.ConflictCount); err != nil {
		return nil, storeErr("count conflicts", err)
	}
	return stats, nil
}

func (s *QueueStore) countStates(ctx context.Context, stats *models.QueueStats) error {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_queue GROUP BY state`)
	if err != nil {
		return storeErr("count states", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return storeErr("scan state count", err)
		}
		stats.Counts[models.SyncState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return storeErr("iterate state counts", err)
	}
	return nil
}

// ListConflicts returns audit records, newest first.
func (s *QueueStore) ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	stmt, err := s.PrepareStmt(ctx, queryListConflicts)
	if err != nil {
		return nil, storeErr("prepare list conflicts", err)
	}
	rows, err := stmt.QueryContext(ctx, sqlLimit(limit))
	if err != nil {
		return nil, storeErr("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			c           models.ConflictLog
			id, entryID string
			payload     []byte
			detectedAt  int64
		)
		if err := rows.Scan(&id, &entryID, &c.TargetCollection, &c.DocumentID, &c.LocalVersion,
			&c.RemoteVersion, &c.Resolution, &payload, &detectedAt); err != nil {
			return nil, storeErr("scan conflict", err)
		}
		c.ID = models.UUID(id)
		c.EntryID = models.UUID(entryID)
		c.DiscardedPayload = payload
		c.DetectedAt = fromMillis(detectedAt)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate conflicts", err)
	}
	return out, nil
}

// Prune removes terminal entries and audit records last touched before
// the cutoff. It returns the number of entries removed.
func (s *QueueStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin prune", err)
	}
	defer tx.Rollback()

	cutoff := toMillis(before)
	if _, err := tx.ExecContext(ctx, `DELETE FROM conflict_log WHERE detected_at < ?`, cutoff); err != nil {
		return 0, storeErr("prune conflicts", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE state IN ('SYNCED', 'DEAD_LETTER') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, storeErr("prune entries", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("prune rows affected", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit prune", err)
	}

	if n > 0 {
		logging.Info("Pruned sync queue", map[string]interface{}{"removed": n})
	}
	return int(n), nil
}

func (s *QueueStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*models.SyncQueueEntry, error) {
	stmt, err := s.PrepareStmt(ctx, query)
	if err != nil {
		return nil, storeErr("prepare query", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, storeErr("query entries", err)
	}
	defer rows.Close()

	var out []*models.SyncQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storeErr("scan entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate entries", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*models.SyncQueueEntry, error) {
	var (
		e                                    models.SyncQueueEntry
		id, op, state                        string
		payload                              []byte
		nextAttempt, leaseExpires, remoteVer sql.NullInt64
		lastError, requeuedFrom              sql.NullString
		createdAt, updatedAt                 int64
	)
	if err := row.Scan(&id, &e.UserID, &op, &e.TargetCollection, &e.DocumentID, &payload, &state,
		&e.AttemptCount, &nextAttempt, &lastError, &createdAt, &updatedAt, &e.LocalVersion,
		&leaseExpires, &requeuedFrom, &remoteVer, &e.ConflictResolved); err != nil {
		return nil, err
	}
	e.ID = models.UUID(id)
	e.OperationType = models.OperationType(op)
	e.State = models.SyncState(state)
	if len(payload) > 0 {
		e.Payload = payload
	}
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	if nextAttempt.Valid {
		t := fromMillis(nextAttempt.Int64)
		e.NextAttemptAt = &t
	}
	if leaseExpires.Valid {
		t := fromMillis(leaseExpires.Int64)
		e.LeaseExpiresAt = &t
	}
	if remoteVer.Valid {
		v := remoteVer.Int64
		e.RemoteVersion = &v
	}
	if lastError.Valid {
		s := lastError.String
		e.LastError = &s
	}
	if requeuedFrom.Valid {
		u := models.UUID(requeuedFrom.String)
		e.RequeuedFrom = &u
	}
	return &e, nil
}

func insertArgs(e *models.SyncQueueEntry) []interface{} {
	var requeuedFrom interface{}
	if e.RequeuedFrom != nil {
		requeuedFrom = e.RequeuedFrom.String()
	}
	var payload interface{}
	if len(e.Payload) > 0 {
		payload = []byte(e.Payload)
	}
	return []interface{}{
		e.ID.String(),
		e.UserID,
		string(e.OperationType),
		e.TargetCollection,
		e.DocumentID,
		payload,
		string(e.State),
		e.AttemptCount,
		nullMillis(e.NextAttemptAt),
		nullString(e.LastError),
		toMillis(e.CreatedAt),
		toMillis(e.UpdatedAt),
		e.LocalVersion,
		nullMillis(e.LeaseExpiresAt),
		requeuedFrom,
		nullInt64(e.RemoteVersion),
		e.ConflictResolved,
	}
}

// Times are stored as Unix milliseconds.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "constraint failed")
}

func insertErr(e *models.SyncQueueEntry, err error) error {
	if isConstraint(err) && strings.Contains(err.Error(), "sync_queue.id") {
		return apperrors.Newf(apperrors.ErrDuplicate, "entry %s already exists", e.ID)
	}
	if isConstraint(err) {
		return apperrors.Wrap(apperrors.ErrConstraint, "insert entry", err)
	}
	return storeErr("insert entry", err)
}

func storeErr(op string, err error) error {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStoreFailure, op, err)
}
