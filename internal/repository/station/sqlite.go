package station

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Registers the sqlite3 database/sql driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/uusseis/sis-poller/internal/config"
	domain "github.com/uusseis/sis-poller/internal/domain/station"
	"github.com/uusseis/sis-poller/internal/logger"
)

// sqliteDriver is the database/sql driver name registered by go-sqlite3.
const sqliteDriver = "sqlite3"

// SQLiteRepository stores records in a SQLite file.
type SQLiteRepository struct {
	// db is the database handle; SQLite is used with a single connection.
	db *sql.DB
}

// Compile-time interface check.
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository wraps an open database handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// OpenSQLite opens the SQLite database described by settings, creating the
// parent directory of a file path when needed.
func OpenSQLite(ctx context.Context, settings config.Storage) (*SQLiteRepository, error) {
	dsn, err := buildSQLiteDSN(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", ErrStorageUnavailable, err)
	}

	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %w", ErrStorageUnavailable, err)
	}

	return NewSQLiteRepository(db), nil
}

// buildSQLiteDSN returns settings.DSN or a file DSN for settings.SQLitePath.
func buildSQLiteDSN(settings config.Storage) (string, error) {
	if settings.DSN != "" {
		return settings.DSN, nil
	}

	path := settings.SQLitePath

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}

		return path + sep + strings.Join(params, "&"), nil
	}

	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// List returns every persisted record.
func (r *SQLiteRepository) List(ctx context.Context) ([]domain.Record, error) {
	query := `SELECT xml_file, CAST(strftime('%s', last_modified) AS INTEGER) AS last_modified FROM xml_update`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query stations: %w", ErrStorageUnavailable, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var records []domain.Record

	for rows.Next() {
		var record domain.Record
		if err = rows.Scan(&record.Station, &record.Time); err != nil {
			return nil, fmt.Errorf("%w: scan station: %w", ErrStorageUnavailable, err)
		}

		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stations: %w", ErrStorageUnavailable, err)
	}

	return validRecords(ctx, records), nil
}

// Create inserts records one by one.
func (r *SQLiteRepository) Create(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
	query := `INSERT INTO xml_update (xml_file, last_modified) VALUES (?, DATETIME(?, 'unixepoch'))`

	return writeEach(ctx, "create", records, func(ctx context.Context, record domain.Record) (int64, error) {
		return r.exec(ctx, query, record.Station, record.Time)
	})
}

// Update stores new last modified times one by one.
func (r *SQLiteRepository) Update(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
	query := `UPDATE xml_update SET last_modified = DATETIME(?, 'unixepoch') WHERE xml_file = ?`

	return writeEach(ctx, "update", records, func(ctx context.Context, record domain.Record) (int64, error) {
		return r.exec(ctx, query, record.Time, record.Station)
	})
}

// Replace deletes every persisted record and inserts records in one transaction.
func (r *SQLiteRepository) Replace(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
	query := `INSERT OR IGNORE INTO xml_update (xml_file, last_modified) VALUES (?, DATETIME(?, 'unixepoch'))`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}

	defer func() {
		// Returns sql.ErrTxDone after a successful commit.
		_ = tx.Rollback()
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM xml_update`); err != nil {
		return nil, fmt.Errorf("delete stations: %w", err)
	}

	written := make([]domain.Record, 0, len(records))

	for _, record := range records {
		result, err := tx.ExecContext(ctx, query, record.Station, record.Time)
		if err != nil {
			return nil, fmt.Errorf("insert station %s: %w", record.Station, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("insert station %s: %w", record.Station, err)
		}

		if affected == 0 {
			logger.WarnKV(ctx, "Station write failed", "operation", "replace", "station", record.Station, "error", errDuplicateStation)
			continue
		}

		written = append(written, record)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}

	logWritten(ctx, "replace", len(written), len(records))

	return written, nil
}

// Migrate applies the embedded SQLite DDL.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	statements, err := readMigrations("sqlite")
	if err != nil {
		return err
	}

	for _, statement := range statements {
		if _, err = r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply sqlite migration: %w", err)
		}
	}

	return nil
}

// Close closes the database handle.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}

	return r.db.Close()
}

// exec runs a write statement and returns the affected row count.
func (r *SQLiteRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
