package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// schemaFile is one V<n>__<name>.up.sql file.
type schemaFile struct {
	version int
	name    string
	file    string
}

// Migrator applies V<n>__<name>.up.sql files from an fs.FS in version
// order and rolls back with the matching .down.sql file.
type Migrator struct {
	db  *sql.DB
	dir fs.FS
	now func() time.Time
}

// NewMigrator creates a Migrator over dir.
func NewMigrator(db *sql.DB, dir fs.FS) *Migrator {
	return &Migrator{db: db, dir: dir, now: time.Now}
}

// Init creates the schema_migrations table.
func (m *Migrator) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		name TEXT NOT NULL CHECK(length(name) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64),
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create schema_migrations", err)
	}
	return nil
}

// Version returns the highest applied version, 0 for an empty schema.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var v int
	if err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	return v, nil
}

// Applied lists applied migrations in version order.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "list applied migrations", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var at int64
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &at); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMigration, "scan applied migration", err)
		}
		a.AppliedAt = fromMillis(at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "list applied migrations", err)
	}
	return out, nil
}

// files lists the up migrations in dir, sorted by version. Names that do
// not follow V<n>__<name>.up.sql are ignored.
func (m *Migrator) files() ([]schemaFile, error) {
	entries, err := fs.ReadDir(m.dir, ".")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "read migrations", err)
	}

	var out []schemaFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f, ok := parseSchemaFile(e.Name()); ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func parseSchemaFile(file string) (schemaFile, bool) {
	base, ok := strings.CutSuffix(file, ".up.sql")
	if !ok {
		return schemaFile{}, false
	}
	prefix, name, ok := strings.Cut(base, "__")
	if !ok || name == "" || !strings.HasPrefix(prefix, "V") {
		return schemaFile{}, false
	}
	v, err := strconv.Atoi(prefix[1:])
	if err != nil || v <= 0 {
		return schemaFile{}, false
	}
	return schemaFile{version: v, name: name, file: file}, true
}

// Up applies every migration not yet recorded. Each migration runs in its
// own transaction. A recorded migration whose file no longer matches its
// checksum fails the run before anything newer is applied.
func (m *Migrator) Up(ctx context.Context) error {
	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	sums := make(map[int]string, len(applied))
	for _, a := range applied {
		sums[a.Version] = a.Checksum
	}

	files, err := m.files()
	if err != nil {
		return err
	}
	for _, f := range files {
		body, err := fs.ReadFile(m.dir, f.file)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "read "+f.file, err)
		}
		sum := checksum(body)
		if prev, ok := sums[f.version]; ok {
			if prev != sum {
				return apperrors.Newf(apperrors.ErrMigration, "migration V%d was modified after being applied", f.version)
			}
			continue
		}
		if err := m.apply(ctx, f, body, sum); err != nil {
			return err
		}
		logging.Info("Applied schema migration", map[string]interface{}{
			"version": f.version,
			"name":    f.name,
		})
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, f schemaFile, body []byte, sum string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "begin migration", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "apply "+f.file, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
		f.version, f.name, sum, toMillis(m.now())); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "record "+f.file, err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "commit "+f.file, err)
	}
	return nil
}

// Down rolls back the latest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrNotFound, "no migration to roll back")
	}

	matches, err := fs.Glob(m.dir, "V"+strconv.Itoa(current)+"__*.down.sql")
	if err != nil || len(matches) == 0 {
		return apperrors.Newf(apperrors.ErrMigration, "no down migration for V%d", current)
	}
	body, err := fs.ReadFile(m.dir, matches[0])
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read "+matches[0], err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "begin rollback", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "roll back "+matches[0], err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, current); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "unrecord migration", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "commit rollback", err)
	}

	logging.Warn("Rolled back schema migration", map[string]interface{}{"version": current})
	return nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
