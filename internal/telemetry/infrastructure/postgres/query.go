package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "fleet-core/internal/telemetry/domain"

	"github.com/google/uuid"
)

// Query loads telemetry points for reads and rollups.
type Query struct {
	db    *sql.DB
	table string
}

// NewQuery constructs a query helper against the default table.
func NewQuery(db *sql.DB, opts ...QueryOption) *Query {
	q := &Query{db: db, table: defaultTelemetryTable}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueryOption configures the query helper.
type QueryOption func(*Query)

// WithQueryTable overrides the default table name.
func WithQueryTable(table string) QueryOption {
	return func(q *Query) {
		if table != "" {
			q.table = table
		}
	}
}

const pointColumns = `time, device_id, site_id, metric_name, metric_value, metric_value_str, quality, unit, source, tags, received_at, processed`

// Latest returns the most recent point per metric for a device. An empty
// metric list means all metrics.
func (q *Query) Latest(ctx context.Context, deviceID uuid.UUID, metricNames []string) (map[string]telemetry.Point, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("telemetry query: nil db")
	}

	args := []any{deviceID}
	metricFilter := ""
	if len(metricNames) > 0 {
		metricFilter = " AND metric_name = ANY($2)"
		args = append(args, metricNames)
	}

	query := fmt.Sprintf(`
SELECT %s FROM %s t
WHERE device_id = $1%s
  AND time = (
	SELECT MAX(time) FROM %s
	WHERE device_id = t.device_id AND metric_name = t.metric_name
  )`, pointColumns, q.table, metricFilter, q.table)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]telemetry.Point)
	for rows.Next() {
		point, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		latest[point.MetricName] = point
	}
	return latest, rows.Err()
}

// Range returns a device's points within [start, end) ordered by time.
func (q *Query) Range(ctx context.Context, deviceID uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("telemetry query: nil db")
	}
	return q.rangeBy(ctx, "device_id", deviceID, start, end, metricNames, limit)
}

// SiteRange returns points for every device at a site within [start, end).
func (q *Query) SiteRange(ctx context.Context, siteID uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("telemetry query: nil db")
	}
	return q.rangeBy(ctx, "site_id", siteID, start, end, metricNames, limit)
}

func (q *Query) rangeBy(ctx context.Context, column string, id uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error) {
	if limit <= 0 {
		limit = 10000
	}
	args := []any{id, start.UTC(), end.UTC()}
	metricFilter := ""
	if len(metricNames) > 0 {
		metricFilter = " AND metric_name = ANY($4)"
		args = append(args, metricNames)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE %s = $1 AND time >= $2 AND time < $3%s
ORDER BY time
LIMIT $%d`, pointColumns, q.table, column, metricFilter, len(args))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []telemetry.Point
	for rows.Next() {
		point, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return points, rows.Err()
}

// DeviceStats summarizes stored data for a device.
type DeviceStats struct {
	TotalRecords    int64
	FirstReading    time.Time
	LastReading     time.Time
	DistinctMetrics int
}

// Stats returns storage statistics for one device.
func (q *Query) Stats(ctx context.Context, deviceID uuid.UUID) (DeviceStats, error) {
	if q == nil || q.db == nil {
		return DeviceStats{}, errors.New("telemetry query: nil db")
	}
	var stats DeviceStats
	var first, last sql.NullTime
	err := q.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT COUNT(*), MIN(time), MAX(time), COUNT(DISTINCT metric_name)
FROM %s WHERE device_id = $1`, q.table), deviceID).
		Scan(&stats.TotalRecords, &first, &last, &stats.DistinctMetrics)
	if err != nil {
		return DeviceStats{}, err
	}
	if first.Valid {
		stats.FirstReading = first.Time.UTC()
	}
	if last.Valid {
		stats.LastReading = last.Time.UTC()
	}
	return stats, nil
}

// IngestionStats summarises fleet-wide arrivals since a cutoff.
type IngestionStats struct {
	Points           int64
	ReportingDevices int
	SuspectPoints    int64
	LastReceivedAt   time.Time
}

// IngestionStats reports arrival volume across all devices since the cutoff.
func (q *Query) IngestionStats(ctx context.Context, since time.Time) (IngestionStats, error) {
	if q == nil || q.db == nil {
		return IngestionStats{}, errors.New("telemetry query: nil db")
	}
	var stats IngestionStats
	var last sql.NullTime
	err := q.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT COUNT(*),
	COUNT(DISTINCT device_id),
	COUNT(*) FILTER (WHERE quality = 'suspect'),
	MAX(received_at)
FROM %s WHERE received_at >= $1`, q.table), since.UTC()).
		Scan(&stats.Points, &stats.ReportingDevices, &stats.SuspectPoints, &last)
	if err != nil {
		return IngestionStats{}, err
	}
	if last.Valid {
		stats.LastReceivedAt = last.Time.UTC()
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (telemetry.Point, error) {
	var p telemetry.Point
	var value sql.NullFloat64
	var valueText sql.NullString
	var quality string
	var unit, source sql.NullString
	var tags []byte
	var receivedAt sql.NullTime

	if err := row.Scan(
		&p.Time,
		&p.DeviceID,
		&p.SiteID,
		&p.MetricName,
		&value,
		&valueText,
		&quality,
		&unit,
		&source,
		&tags,
		&receivedAt,
		&p.Processed,
	); err != nil {
		return telemetry.Point{}, err
	}

	if value.Valid {
		v := value.Float64
		p.Value = &v
	}
	if valueText.Valid {
		s := valueText.String
		p.ValueText = &s
	}
	p.Quality = telemetry.Quality(quality)
	p.Unit = unit.String
	p.Source = source.String
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &p.Tags); err != nil {
			return telemetry.Point{}, err
		}
	}
	if receivedAt.Valid {
		p.ReceivedAt = receivedAt.Time.UTC()
	}
	p.Time = p.Time.UTC()
	return p, nil
}
