package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Retention removes expired telemetry rows and compacts closed
// hypertable chunks when TimescaleDB is installed.
type Retention struct {
	db     *sql.DB
	table  string
	logger *log.Logger
}

// NewRetention constructs a retention sweep over the given table.
func NewRetention(db *sql.DB, logger *log.Logger, opts ...RetentionOption) (*Retention, error) {
	if db == nil {
		return nil, errors.New("retention: nil db")
	}
	if logger == nil {
		return nil, errors.New("retention: nil logger")
	}
	r := &Retention{db: db, table: defaultTelemetryTable, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RetentionOption customises a Retention.
type RetentionOption func(*Retention)

// WithRetentionTable overrides the telemetry table name.
func WithRetentionTable(table string) RetentionOption {
	return func(r *Retention) {
		if table != "" {
			r.table = table
		}
	}
}

// DeleteBefore removes raw telemetry older than the cutoff and returns
// the number of rows removed.
func (r *Retention) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE time < $1`, r.table), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CompressChunks compresses hypertable chunks whose newest data is older
// than the cutoff. Chunks still receiving writes are left alone. It is a
// no-op when TimescaleDB is not installed.
func (r *Retention) CompressChunks(ctx context.Context, cutoff time.Time) (int, error) {
	installed, err := r.timescaleInstalled(ctx)
	if err != nil || !installed {
		return 0, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT show_chunks($1, older_than => $2::timestamptz)`,
		r.table, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	var chunks []string
	for rows.Next() {
		var chunk string
		if err := rows.Scan(&chunk); err != nil {
			rows.Close()
			return 0, err
		}
		chunks = append(chunks, chunk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	compressed := 0
	for _, chunk := range chunks {
		if _, err := r.db.ExecContext(ctx,
			`SELECT compress_chunk($1, if_not_compressed => true)`, chunk); err != nil {
			r.logger.Printf("retention: compress %s: %v", chunk, err)
			continue
		}
		compressed++
	}
	return compressed, nil
}

func (r *Retention) timescaleInstalled(ctx context.Context) (bool, error) {
	var installed bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	if err != nil {
		return false, err
	}
	return installed, nil
}
