package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "fleet-core/internal/telemetry/domain"
)

const defaultTelemetryTable = "telemetry_raw"

// Repository is a Postgres implementation for raw telemetry points.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRepository constructs a repository with the default table name.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	repo := &Repository{db: db, table: defaultTelemetryTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// UpsertResult reports the outcome of a point upsert batch.
type UpsertResult struct {
	Inserted int
	Failed   int
	FirstErr error
}

// UpsertPoints writes points with ON CONFLICT upsert semantics on
// (time, device_id, metric_name). A failing point is counted and skipped;
// the rest of the batch proceeds.
func (r *Repository) UpsertPoints(ctx context.Context, points []telemetry.Point) (UpsertResult, error) {
	if r == nil || r.db == nil {
		return UpsertResult{}, errors.New("telemetry repo: nil db")
	}
	if len(points) == 0 {
		return UpsertResult{}, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	time, device_id, site_id, metric_name,
	metric_value, metric_value_str, quality, unit, source, tags,
	received_at, processed
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
ON CONFLICT (time, device_id, metric_name)
DO UPDATE SET
	metric_value = EXCLUDED.metric_value,
	metric_value_str = EXCLUDED.metric_value_str,
	quality = EXCLUDED.quality,
	received_at = EXCLUDED.received_at`, r.table)

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return UpsertResult{}, err
	}
	defer stmt.Close()

	var result UpsertResult
	for _, p := range points {
		if err := p.Validate(); err != nil {
			result.Failed++
			if result.FirstErr == nil {
				result.FirstErr = err
			}
			continue
		}

		value := sql.NullFloat64{}
		if p.Value != nil {
			value = sql.NullFloat64{Float64: *p.Value, Valid: true}
		}
		valueText := sql.NullString{}
		if p.ValueText != nil {
			valueText = sql.NullString{String: *p.ValueText, Valid: true}
		}
		tags, err := marshalTags(p.Tags)
		if err != nil {
			result.Failed++
			if result.FirstErr == nil {
				result.FirstErr = err
			}
			continue
		}
		receivedAt := p.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}

		if _, err := stmt.ExecContext(
			ctx,
			p.Time.UTC(),
			p.DeviceID,
			p.SiteID,
			p.MetricName,
			value,
			valueText,
			string(p.Quality),
			nullString(p.Unit),
			nullString(p.Source),
			tags,
			receivedAt,
			p.Processed,
		); err != nil {
			result.Failed++
			if result.FirstErr == nil {
				result.FirstErr = err
			}
			continue
		}
		result.Inserted++
	}
	return result, nil
}

// MarkProcessed flags a device's points before a cutoff as processed.
func (r *Repository) MarkProcessed(ctx context.Context, deviceID string, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("telemetry repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s
SET processed = TRUE
WHERE device_id = $1 AND time < $2 AND processed = FALSE`, r.table), deviceID, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func marshalTags(tags map[string]string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
