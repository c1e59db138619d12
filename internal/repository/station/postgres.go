package station

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/uusseis/sis-poller/internal/domain/station"
	"github.com/uusseis/sis-poller/internal/logger"
)

// pgErrUniqueViolation is the PostgreSQL unique_violation code.
const pgErrUniqueViolation = "23505"

// PostgresRepository stores records in PostgreSQL.
type PostgresRepository struct {
	// pool is the pgx connection pool.
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to dsn. A non-empty schema becomes the search_path.
// Sessions run in UTC so timestamp columns hold UTC wall time.
func NewPostgresRepository(ctx context.Context, dsn, schema string) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", ErrStorageUnavailable, err)
	}

	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"
	if schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to postgres: %w", ErrStorageUnavailable, err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", ErrStorageUnavailable, err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// List returns every persisted record.
func (r *PostgresRepository) List(ctx context.Context) ([]domain.Record, error) {
	query := `
		SELECT xml_file, EXTRACT(EPOCH FROM last_modified)::bigint AS last_modified
		FROM xml_update
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query stations: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

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
func (r *PostgresRepository) Create(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
	query := `
		INSERT INTO xml_update (xml_file, last_modified)
		VALUES ($1, TO_TIMESTAMP($2) AT TIME ZONE 'UTC')
	`

	return writeEach(ctx, "create", records, func(ctx context.Context, record domain.Record) (int64, error) {
		tag, err := r.pool.Exec(ctx, query, record.Station, float64(record.Time))
		if err != nil {
			if isDuplicateKeyError(err) {
				return 0, errDuplicateStation
			}

			return 0, fmt.Errorf("insert station: %w", err)
		}

		return tag.RowsAffected(), nil
	})
}

// Update stores new last modified times one by one.
func (r *PostgresRepository) Update(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
	query := `
		UPDATE xml_update
		SET last_modified = TO_TIMESTAMP($1) AT TIME ZONE 'UTC'
		WHERE xml_file = $2
	`

	return writeEach(ctx, "update", records, func(ctx context.Context, record domain.Record) (int64, error) {
		tag, err := r.pool.Exec(ctx, query, float64(record.Time), record.Station)
		if err != nil {
			return 0, fmt.Errorf("update station: %w", err)
		}

		return tag.RowsAffected(), nil
	})
}

// Replace deletes every persisted record and inserts records in one transaction.
func (r *PostgresRepository) Replace(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
	query := `
		INSERT INTO xml_update (xml_file, last_modified)
		VALUES ($1, TO_TIMESTAMP($2) AT TIME ZONE 'UTC')
		ON CONFLICT (xml_file) DO NOTHING
	`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replace: %w", err)
	}

	defer func() {
		// Returns pgx.ErrTxClosed after a successful commit.
		_ = tx.Rollback(ctx)
	}()

	if _, err = tx.Exec(ctx, "DELETE FROM xml_update"); err != nil {
		return nil, fmt.Errorf("delete stations: %w", err)
	}

	written := make([]domain.Record, 0, len(records))

	for _, record := range records {
		tag, err := tx.Exec(ctx, query, record.Station, float64(record.Time))
		if err != nil {
			return nil, fmt.Errorf("insert station %s: %w", record.Station, err)
		}

		if tag.RowsAffected() == 0 {
			logger.WarnKV(ctx, "Station write failed", "operation", "replace", "station", record.Station, "error", errDuplicateStation)
			continue
		}

		written = append(written, record)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit replace: %w", err)
	}

	logWritten(ctx, "replace", len(written), len(records))

	return written, nil
}

// Migrate applies the embedded PostgreSQL DDL.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	statements, err := readMigrations("postgres")
	if err != nil {
		return err
	}

	for _, statement := range statements {
		if _, err = r.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply postgres migration: %w", err)
		}
	}

	return nil
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()

	return nil
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}

	return false
}
