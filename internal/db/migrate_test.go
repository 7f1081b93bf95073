package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dukanx/backend/internal/errors"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func ledgerSchema() fstest.MapFS {
	return fstest.MapFS{
		"V2__add_note.up.sql":   {Data: []byte(`ALTER TABLE ledger ADD COLUMN note TEXT;`)},
		"V1__ledger.up.sql":     {Data: []byte(`CREATE TABLE ledger (id TEXT PRIMARY KEY, amount INTEGER NOT NULL);`)},
		"V2__add_note.down.sql": {Data: []byte(`ALTER TABLE ledger DROP COLUMN note;`)},
		"V1__ledger.down.sql":   {Data: []byte(`DROP TABLE ledger;`)},
		"README.md":             {Data: []byte(`not a migration`)},
		"Vx__bad.up.sql":        {Data: []byte(`not a migration`)},
		"V3__.up.sql":           {Data: []byte(`not a migration`)},
	}
}

func TestParseSchemaFile(t *testing.T) {
	tests := []struct {
		file    string
		version int
		name    string
		ok      bool
	}{
		{"V1__sync_queue.up.sql", 1, "sync_queue", true},
		{"V12__conflict_log.up.sql", 12, "conflict_log", true},
		{"V1__sync_queue.down.sql", 0, "", false},
		{"V0__zero.up.sql", 0, "", false},
		{"1__no_prefix.up.sql", 0, "", false},
		{"V2__.up.sql", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			f, ok := parseSchemaFile(tt.file)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.version, f.version)
			assert.Equal(t, tt.name, f.name)
		})
	}
}

func TestMigrator_Up(t *testing.T) {
	ctx := context.Background()
	db := openRaw(t)
	m := NewMigrator(db, ledgerSchema())
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	_, err := m.Version(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration), "version before Init")

	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Init(ctx))
	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, m.Up(ctx))
	_, err = db.Exec(`INSERT INTO ledger (id, amount, note) VALUES ('b-1', 640, 'cash')`)
	require.NoError(t, err, "V1 then V2 must have run in order")

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "ledger", applied[0].Name)
	assert.Equal(t, "add_note", applied[1].Name)
	assert.Len(t, applied[0].Checksum, 64)
	assert.Equal(t, at, applied[0].AppliedAt)

	require.NoError(t, m.Up(ctx), "second run is a no-op")
	v, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMigrator_UpDetectsEditedMigration(t *testing.T) {
	ctx := context.Background()
	dir := ledgerSchema()
	m := NewMigrator(openRaw(t), dir)
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Up(ctx))

	dir["V1__ledger.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE ledger (id TEXT PRIMARY KEY);`)}
	err := m.Up(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
	assert.Contains(t, err.Error(), "V1 was modified")
}

func TestMigrator_UpRollsBackFailedMigration(t *testing.T) {
	ctx := context.Background()
	dir := fstest.MapFS{
		"V1__ledger.up.sql": {Data: []byte(`CREATE TABLE ledger (id TEXT PRIMARY KEY);`)},
		"V2__broken.up.sql": {Data: []byte(`CREATE TABLE side (id TEXT); ALTER TABLE missing ADD COLUMN x TEXT;`)},
	}
	db := openRaw(t)
	m := NewMigrator(db, dir)
	require.NoError(t, m.Init(ctx))

	err := m.Up(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='side'`).Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows, "partial V2 must not be committed")
}

func TestMigrator_Down(t *testing.T) {
	ctx := context.Background()
	db := openRaw(t)
	m := NewMigrator(db, Migrations())
	require.NoError(t, m.Init(ctx))

	assert.True(t, apperrors.Is(m.Down(ctx), apperrors.ErrNotFound))

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Down(ctx))

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='conflict_log'`).Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, m.Up(ctx), "re-applying after rollback")
	v, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMigrator_DownWithoutFile(t *testing.T) {
	ctx := context.Background()
	m := NewMigrator(openRaw(t), fstest.MapFS{
		"V1__ledger.up.sql": {Data: []byte(`CREATE TABLE ledger (id TEXT);`)},
	})
	require.NoError(t, m.Init(ctx))
	require.NoError(t, m.Up(ctx))
	assert.True(t, apperrors.Is(m.Down(ctx), apperrors.ErrMigration))
}

func TestMigrations_embedded(t *testing.T) {
	files, err := NewMigrator(nil, Migrations()).files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "sync_queue", files[0].name)
	assert.Equal(t, "conflict_log", files[1].name)
}
