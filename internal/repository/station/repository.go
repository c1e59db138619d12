package station

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/uusseis/sis-poller/internal/config"
	domain "github.com/uusseis/sis-poller/internal/domain/station"
	"github.com/uusseis/sis-poller/internal/logger"
)

// Reader provides the persisted record snapshot.
type Reader interface {
	// List returns every persisted record. Failures wrap ErrStorageUnavailable.
	List(ctx context.Context) ([]domain.Record, error)
}

// Writer stores created and updated records.
type Writer interface {
	// Create inserts records and returns those actually written.
	Create(ctx context.Context, records []domain.Record) ([]domain.Record, error)
	// Update stores new times for records and returns those actually written.
	Update(ctx context.Context, records []domain.Record) ([]domain.Record, error)
}

// Repository is the full persistence contract used by the poller.
type Repository interface {
	Reader
	Writer

	// Replace atomically swaps the persisted set for records and returns
	// those written. Duplicate names after the first are left out.
	Replace(ctx context.Context, records []domain.Record) ([]domain.Record, error)
	// Migrate creates the schema when missing.
	Migrate(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}

var (
	// ErrStorageUnavailable is returned when the persisted set cannot be read.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNoRowMatched is logged when an update touched no stored row.
	ErrNoRowMatched = errors.New("no stored row matched")
	// errDuplicateStation is logged when an insert hits an existing file name.
	errDuplicateStation = errors.New("station already stored")
	// errUnknownDriver is returned by Open for unsupported drivers.
	errUnknownDriver = errors.New("unknown storage driver")
)

// migrationsFS embeds the DDL of both backends.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Open connects to the backend selected by settings and applies the schema
// when AutoMigrate is set or the backend is SQLite.
//
//nolint:ireturn // Callers only need the interface.
func Open(ctx context.Context, settings config.Storage) (Repository, error) {
	var (
		repo Repository
		err  error
	)

	switch settings.Driver {
	case config.DriverPostgres:
		repo, err = NewPostgresRepository(ctx, settings.DSN, settings.Schema)
	case config.DriverSQLite:
		repo, err = OpenSQLite(ctx, settings)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, settings.Driver)
	}

	if err != nil {
		return nil, err
	}

	if settings.AutoMigrate || settings.Driver == config.DriverSQLite {
		if err = repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}

	return repo, nil
}

// readMigrations returns the SQL files of dialect in lexical order.
func readMigrations(dialect string) ([]string, error) {
	dir := "migrations/" + dialect

	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", dialect, err)
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	statements := make([]string, 0, len(files))

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, dir+"/"+file)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}

		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		statements = append(statements, string(data))
	}

	return statements, nil
}

// execFunc writes one record and returns the number of affected rows.
type execFunc func(ctx context.Context, record domain.Record) (int64, error)

// writeEach applies exec to every record. Failing records are logged and
// skipped; a canceled context stops the batch.
func writeEach(ctx context.Context, operation string, records []domain.Record, exec execFunc) ([]domain.Record, error) {
	written := make([]domain.Record, 0, len(records))

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%s stations: %w", operation, err)
		}

		affected, err := exec(ctx, record)
		if err == nil && affected == 0 {
			err = ErrNoRowMatched
		}

		if err != nil {
			logger.WarnKV(ctx, "Station write failed", "operation", operation, "station", record.Station, "error", err)
			continue
		}

		logger.DebugKV(ctx, "Station written", "operation", operation, "station", record.Station, "time", record.Time)

		written = append(written, record)
	}

	logWritten(ctx, operation, len(written), len(records))

	return written, nil
}

// logWritten reports how many records of a batch were stored.
func logWritten(ctx context.Context, operation string, written, total int) {
	if total > 0 {
		logger.InfoKV(ctx, fmt.Sprintf("Wrote %d out of %d stations", written, total), "operation", operation)
	}
}

// validRecords drops persisted rows that cannot take part in reconciliation.
func validRecords(ctx context.Context, records []domain.Record) []domain.Record {
	kept := records[:0]

	for _, record := range records {
		if err := record.Validate(); err != nil {
			logger.WarnKV(ctx, "Skipping stored station", "station", record.Station, "error", err)
			continue
		}

		kept = append(kept, record)
	}

	return kept
}
