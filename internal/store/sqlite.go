package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filestore/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	configRetentionEnabled = "auto_delete_enabled"
	configRetentionSeconds = "auto_delete_seconds"
)

var codeCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "filestore_code_collisions_total",
	Help: "Generated codes rejected because they were already in use.",
})

// SQLiteStore is the durable code store backed by SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	gen *Generator
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// pending migrations. gen draws the codes for SaveSingle and SaveBatch; nil
// means 8 characters of upper-case letters and digits.
func NewSQLiteStore(dbPath string, gen *Generator) (*SQLiteStore, error) {
	memory := dbPath == ":memory:"
	db, err := sqlx.Open("sqlite3", dsn(dbPath, memory))
	if err != nil {
		return nil, err
	}
	if memory {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if gen == nil {
		gen = NewGenerator(DefaultCodeLength, AlphabetUpperDigits)
	}
	return &SQLiteStore{db: db, gen: gen}, nil
}

func dsn(dbPath string, memory bool) string {
	params := "_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	if !memory {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + params
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close db as well; the source is an embed.FS.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type fileRow struct {
	Code       string `db:"code"`
	PayloadRef int64  `db:"payload_ref"`
	Owner      int64  `db:"owner"`
	CreatedAt  int64  `db:"created_at"`
	Caption    string `db:"caption"`
	Kind       string `db:"kind"`
}

func (r fileRow) record() *FileRecord {
	return &FileRecord{
		Code:       r.Code,
		PayloadRef: r.PayloadRef,
		Owner:      r.Owner,
		CreatedAt:  time.Unix(r.CreatedAt, 0),
		Caption:    r.Caption,
		Kind:       ParseKind(r.Kind),
	}
}

type batchItemRow struct {
	Code       string `db:"code"`
	BatchOwner int64  `db:"batch_owner"`
	CreatedAt  int64  `db:"created_at"`
	ItemCount  int    `db:"item_count"`
	Position   int    `db:"position"`
	PayloadRef int64  `db:"payload_ref"`
	Owner      int64  `db:"owner"`
}

const fileColumns = `code, payload_ref, owner, created_at, caption, kind`

func insertCode(ctx context.Context, tx *sqlx.Tx, code string, kind CodeKind) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO codes (code, kind) VALUES (?, ?)`, code, string(kind))
	if isUniqueViolation(err) {
		return ErrCodeCollision
	}
	return err
}

// StoreSingle inserts a FileRecord under rec.Code.
func (s *SQLiteStore) StoreSingle(ctx context.Context, rec *FileRecord) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertCode(ctx, tx, rec.Code, CodeFile); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (code, payload_ref, owner, created_at, caption, kind)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.Code, rec.PayloadRef, rec.Owner, rec.CreatedAt.Unix(), rec.Caption, string(rec.Kind))
		return err
	})
}

// SaveSingle stores rec under a freshly generated code and returns the code.
func (s *SQLiteStore) SaveSingle(ctx context.Context, rec *FileRecord) (string, error) {
	return s.GenerateUniqueCode(ctx, func(code string) error {
		rec.Code = code
		return s.StoreSingle(ctx, rec)
	})
}

// StoreBatch inserts the batch record and all of its items in one
// transaction. refs order is the delivery order.
func (s *SQLiteStore) StoreBatch(ctx context.Context, code string, owner int64, ts time.Time, refs []int64) (*BatchRecord, error) {
	if len(refs) == 0 {
		return nil, ErrEmptyBatch
	}
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertCode(ctx, tx, code, CodeBatch); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (code, owner, created_at, item_count) VALUES (?, ?, ?, ?)
		`, code, owner, ts.Unix(), len(refs)); err != nil {
			return err
		}
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO items (code, position, payload_ref, owner) VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, ref := range refs {
			if _, err := stmt.ExecContext(ctx, code, i, ref, owner); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BatchRecord{Code: code, Owner: owner, CreatedAt: time.Unix(ts.Unix(), 0), ItemCount: len(refs)}, nil
}

// SaveBatch stores refs under a freshly generated code.
func (s *SQLiteStore) SaveBatch(ctx context.Context, owner int64, ts time.Time, refs []int64) (*BatchRecord, error) {
	if len(refs) == 0 {
		return nil, ErrEmptyBatch
	}
	var batch *BatchRecord
	_, err := s.GenerateUniqueCode(ctx, func(code string) error {
		b, err := s.StoreBatch(ctx, code, owner, ts, refs)
		batch = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Lookup resolves code to a single file or a batch with its ordered items.
// Each read is one statement outside any transaction, so under WAL a lookup
// never waits for a writer.
func (s *SQLiteStore) Lookup(ctx context.Context, code string) (*Resolution, error) {
	var r fileRow
	err := s.db.GetContext(ctx, &r, `SELECT `+fileColumns+` FROM files WHERE code = ?`, code)
	if err == nil {
		return &Resolution{Kind: CodeFile, File: r.record()}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// batches are never stored empty, so no rows means no batch
	var rows []batchItemRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT b.code, b.owner AS batch_owner, b.created_at, b.item_count,
		       i.position, i.payload_ref, i.owner
		FROM batches b
		JOIN items i ON i.code = b.code
		WHERE b.code = ?
		ORDER BY i.position ASC
	`, code); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	items := make([]BatchItem, len(rows))
	for i, r := range rows {
		items[i] = BatchItem{Code: r.Code, Position: r.Position, PayloadRef: r.PayloadRef, Owner: r.Owner}
	}
	first := rows[0]
	return &Resolution{
		Kind: CodeBatch,
		Batch: &BatchRecord{
			Code:      first.Code,
			Owner:     first.BatchOwner,
			CreatedAt: time.Unix(first.CreatedAt, 0),
			ItemCount: first.ItemCount,
		},
		Items: items,
	}, nil
}

// RenameCode moves the owner's most recently created file to newCode and
// returns the updated record with its previous code. Payload reference and
// creation time are preserved.
func (s *SQLiteStore) RenameCode(ctx context.Context, owner int64, newCode string) (*FileRecord, string, error) {
	var (
		renamed *FileRecord
		oldCode string
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var r fileRow
		err := tx.GetContext(ctx, &r, `
			SELECT `+fileColumns+` FROM files WHERE owner = ?
			ORDER BY created_at DESC, rowid DESC LIMIT 1
		`, owner)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnauthorized
		}
		if err != nil {
			return err
		}
		if r.Code == newCode {
			return ErrCodeCollision
		}

		// files.code follows through ON UPDATE CASCADE
		_, err = tx.ExecContext(ctx, `UPDATE codes SET code = ? WHERE code = ?`, newCode, r.Code)
		if isUniqueViolation(err) {
			return ErrCodeCollision
		}
		if err != nil {
			return err
		}
		oldCode = r.Code
		r.Code = newCode
		renamed = r.record()
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return renamed, oldCode, nil
}

// ListByOwner yields the owner's files, newest first. Every range over the
// returned sequence runs a fresh query.
func (s *SQLiteStore) ListByOwner(ctx context.Context, owner int64) iter.Seq2[*FileRecord, error] {
	return func(yield func(*FileRecord, error) bool) {
		rows, err := s.db.QueryxContext(ctx, `
			SELECT `+fileColumns+` FROM files WHERE owner = ?
			ORDER BY created_at DESC, rowid DESC
		`, owner)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var r fileRow
			if err := rows.StructScan(&r); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r.record(), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// DeleteOlderThan removes files and batches created before now-window. Each
// record is deleted on its own; a batch and its items go in one statement
// through the cascade on codes. Failures are logged and skipped.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, window time.Duration, now time.Time) ([]PurgedCode, error) {
	cutoff := now.Add(-window).Unix()

	var candidates []struct {
		Code string `db:"code"`
		Kind string `db:"kind"`
	}
	if err := s.db.SelectContext(ctx, &candidates, `
		SELECT code, 'file' AS kind FROM files WHERE created_at < ?
		UNION ALL
		SELECT code, 'batch' AS kind FROM batches WHERE created_at < ?
	`, cutoff, cutoff); err != nil {
		return nil, err
	}

	var (
		purged []PurgedCode
		errs   []error
	)
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, `DELETE FROM codes WHERE code = ? AND kind = ?`, c.Code, c.Kind)
		if err != nil {
			logging.Store.Printf("failed to delete %s %s: %v", c.Kind, c.Code, err)
			errs = append(errs, err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		purged = append(purged, PurgedCode{Code: c.Code, Kind: CodeKind(c.Kind)})
	}
	return purged, errors.Join(errs...)
}

// EnsureAdmin adds id to the admin table if missing.
func (s *SQLiteStore) EnsureAdmin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO admins (id) VALUES (?)`, id)
	return err
}

func (s *SQLiteStore) AddAdmin(ctx context.Context, id int64) error {
	return s.EnsureAdmin(ctx, id)
}

func (s *SQLiteStore) RemoveAdmin(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IsAdmin(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM admins WHERE id = ?)`, id)
	return ok, err
}

func (s *SQLiteStore) ListAdmins(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM admins ORDER BY id`)
	return ids, err
}

// SeedRetention writes the retention defaults unless they already exist.
func (s *SQLiteStore) SeedRetention(ctx context.Context, window time.Duration) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO config (key, value) VALUES (?, '0')`, configRetentionEnabled); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO config (key, value) VALUES (?, ?)`,
			configRetentionSeconds, strconv.FormatInt(int64(window/time.Second), 10))
		return err
	})
}

// LoadRetention reads the persisted retention settings. fallback is used as
// the window when none is stored.
func (s *SQLiteStore) LoadRetention(ctx context.Context, fallback time.Duration) (Retention, error) {
	var kv []struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &kv, `SELECT key, value FROM config WHERE key IN (?, ?)`,
		configRetentionEnabled, configRetentionSeconds); err != nil {
		return Retention{}, err
	}

	r := Retention{Window: fallback}
	for _, e := range kv {
		switch e.Key {
		case configRetentionEnabled:
			r.Enabled = e.Value == "1"
		case configRetentionSeconds:
			secs, err := strconv.ParseInt(strings.TrimSpace(e.Value), 10, 64)
			if err != nil {
				logging.Store.Printf("ignoring invalid %s=%q: %v", configRetentionSeconds, e.Value, err)
				continue
			}
			r.Window = time.Duration(secs) * time.Second
		}
	}
	return r, nil
}

// SaveRetention persists r. The reaper picks it up on its next cycle.
func (s *SQLiteStore) SaveRetention(ctx context.Context, r Retention) error {
	enabled := "0"
	if r.Enabled {
		enabled = "1"
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		const upsert = `
			INSERT INTO config (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`
		if _, err := tx.ExecContext(ctx, upsert, configRetentionEnabled, enabled); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, upsert, configRetentionSeconds, strconv.FormatInt(int64(r.Window/time.Second), 10))
		return err
	})
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	var row struct {
		Files   int           `db:"files"`
		Batches int           `db:"batches"`
		Items   int           `db:"items"`
		Admins  int           `db:"admins"`
		Oldest  sql.NullInt64 `db:"oldest"`
		Newest  sql.NullInt64 `db:"newest"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT
			(SELECT COUNT(*) FROM files) AS files,
			(SELECT COUNT(*) FROM batches) AS batches,
			(SELECT COUNT(*) FROM items) AS items,
			(SELECT COUNT(*) FROM admins) AS admins,
			(SELECT MIN(created_at) FROM files) AS oldest,
			(SELECT MAX(created_at) FROM files) AS newest
	`)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Files:   row.Files,
		Batches: row.Batches,
		Items:   row.Items,
		Admins:  row.Admins,
	}
	if row.Oldest.Valid {
		stats.OldestFile = time.Unix(row.Oldest.Int64, 0)
	}
	if row.Newest.Valid {
		stats.NewestFile = time.Unix(row.Newest.Int64, 0)
	}
	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
