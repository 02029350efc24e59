package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	events "fleet-core/internal/events/domain"

	"github.com/google/uuid"
)

const defaultEventsTable = "device_events"

const eventColumns = `time, device_id, site_id, event_type, severity, event_code,
	message, details, acknowledged, acknowledged_at, acknowledged_by, created_at`

// Repository persists device events in a time-partitioned table.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption customises a Repository.
type RepositoryOption func(*Repository)

// WithTable overrides the events table name.
func WithTable(table string) RepositoryOption {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository constructs an event repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append inserts one event. A re-delivered event with the same key
// overwrites the payload; acknowledgement state is never reset by a
// replay.
func (r *Repository) Append(ctx context.Context, event events.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	details, err := marshalDetails(event.Details)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	time, device_id, site_id, event_type, severity, event_code,
	message, details, acknowledged, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9
)
ON CONFLICT (time, device_id, event_type) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	severity = EXCLUDED.severity,
	event_code = EXCLUDED.event_code,
	message = EXCLUDED.message,
	details = EXCLUDED.details`, r.table),
		event.Time.UTC(),
		event.DeviceID,
		event.SiteID,
		string(event.EventType),
		string(event.Severity),
		nullString(event.EventCode),
		nullString(event.Message),
		details,
		time.Now().UTC(),
	)
	return err
}

// Acknowledge marks one event acknowledged. The first acknowledger wins;
// repeated calls leave the original attribution untouched and report
// false.
func (r *Repository) Acknowledge(ctx context.Context, at time.Time, deviceID uuid.UUID, eventType events.EventType, by uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET acknowledged = TRUE, acknowledged_at = $4, acknowledged_by = $5
WHERE time = $1 AND device_id = $2 AND event_type = $3 AND acknowledged = FALSE`, r.table),
		at.UTC(), deviceID, string(eventType), time.Now().UTC(), by)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// AckFilter selects events for bulk acknowledgement. Zero fields are
// ignored.
type AckFilter struct {
	DeviceID  uuid.UUID
	SiteID    uuid.UUID
	EventType events.EventType
	Severity  events.Severity
	Before    time.Time
}

// AcknowledgeBulk acknowledges every unacknowledged event matching the
// filter and returns the count.
func (r *Repository) AcknowledgeBulk(ctx context.Context, filter AckFilter, by uuid.UUID) (int64, error) {
	where := []string{"acknowledged = FALSE"}
	args := []any{time.Now().UTC(), by}
	idx := 3
	addClause := func(clause string, value any) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}
	if filter.DeviceID != uuid.Nil {
		addClause("device_id = $%d", filter.DeviceID)
	}
	if filter.SiteID != uuid.Nil {
		addClause("site_id = $%d", filter.SiteID)
	}
	if filter.EventType != "" {
		addClause("event_type = $%d", string(filter.EventType))
	}
	if filter.Severity != "" {
		addClause("severity = $%d", string(filter.Severity))
	}
	if !filter.Before.IsZero() {
		addClause("time < $%d", filter.Before.UTC())
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET acknowledged = TRUE, acknowledged_at = $1, acknowledged_by = $2 WHERE %s`,
		r.table, strings.Join(where, " AND ")), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListFilter narrows an event listing. Zero fields are ignored.
type ListFilter struct {
	DeviceID       uuid.UUID
	SiteID         uuid.UUID
	EventType      events.EventType
	Severity       events.Severity
	Unacknowledged bool
	Start          time.Time
	End            time.Time
	Limit          int
}

// List returns matching events newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]events.Event, error) {
	where := []string{"TRUE"}
	var args []any
	idx := 1
	addClause := func(clause string, value any) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, value)
		idx++
	}
	if filter.DeviceID != uuid.Nil {
		addClause("device_id = $%d", filter.DeviceID)
	}
	if filter.SiteID != uuid.Nil {
		addClause("site_id = $%d", filter.SiteID)
	}
	if filter.EventType != "" {
		addClause("event_type = $%d", string(filter.EventType))
	}
	if filter.Severity != "" {
		addClause("severity = $%d", string(filter.Severity))
	}
	if filter.Unacknowledged {
		where = append(where, "acknowledged = FALSE")
	}
	if !filter.Start.IsZero() {
		addClause("time >= $%d", filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		addClause("time < $%d", filter.End.UTC())
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s ORDER BY time DESC LIMIT %d`,
		eventColumns, r.table, strings.Join(where, " AND "), limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// TypeSeverityCount is one cell of the event summary.
type TypeSeverityCount struct {
	EventType events.EventType
	Severity  events.Severity
	Count     int
}

// CountsByTypeAndSeverity summarises events in a window.
func (r *Repository) CountsByTypeAndSeverity(ctx context.Context, start, end time.Time) ([]TypeSeverityCount, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT event_type, severity, COUNT(*)
FROM %s
WHERE time >= $1 AND time < $2
GROUP BY event_type, severity
ORDER BY event_type, severity`, r.table), start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TypeSeverityCount
	for rows.Next() {
		var c TypeSeverityCount
		var eventType, severity string
		if err := rows.Scan(&eventType, &severity, &c.Count); err != nil {
			return nil, err
		}
		c.EventType = events.EventType(eventType)
		c.Severity = events.Severity(severity)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TimelineBucket is one time slot of the event timeline.
type TimelineBucket struct {
	Bucket   time.Time
	Severity events.Severity
	Count    int
}

// Timeline buckets events over a window by a fixed interval and severity.
func (r *Repository) Timeline(ctx context.Context, start, end time.Time, bucket time.Duration) ([]TimelineBucket, error) {
	if bucket <= 0 {
		return nil, errors.New("events: timeline bucket must be positive")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT date_bin(make_interval(secs => $3), time, 'epoch'::timestamptz), severity, COUNT(*)
FROM %s
WHERE time >= $1 AND time < $2
GROUP BY 1, severity
ORDER BY 1, severity`, r.table), start.UTC(), end.UTC(), bucket.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineBucket
	for rows.Next() {
		var b TimelineBucket
		var severity string
		if err := rows.Scan(&b.Bucket, &severity, &b.Count); err != nil {
			return nil, err
		}
		b.Bucket = b.Bucket.UTC()
		b.Severity = events.Severity(severity)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ErrorDeviceCount pairs a device with its error event count.
type ErrorDeviceCount struct {
	DeviceID uuid.UUID
	Count    int
}

// TopErrorDevices ranks devices by error and critical events in a window.
func (r *Repository) TopErrorDevices(ctx context.Context, start, end time.Time, limit int) ([]ErrorDeviceCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT device_id, COUNT(*)
FROM %s
WHERE time >= $1 AND time < $2 AND severity IN ('error', 'critical')
GROUP BY device_id
ORDER BY COUNT(*) DESC
LIMIT $3`, r.table), start.UTC(), end.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorDeviceCount
	for rows.Next() {
		var c ErrorDeviceCount
		if err := rows.Scan(&c.DeviceID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteOld removes events older than the cutoff and returns the count.
func (r *Repository) DeleteOld(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE time < $1`, r.table), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (events.Event, error) {
	var event events.Event
	var eventType, severity string
	var eventCode, message sql.NullString
	var details []byte
	var ackAt sql.NullTime
	var ackBy uuid.NullUUID

	err := row.Scan(
		&event.Time,
		&event.DeviceID,
		&event.SiteID,
		&eventType,
		&severity,
		&eventCode,
		&message,
		&details,
		&event.Acknowledged,
		&ackAt,
		&ackBy,
		&event.CreatedAt,
	)
	if err != nil {
		return events.Event{}, err
	}

	event.EventType = events.EventType(eventType)
	event.Severity = events.Severity(severity)
	event.EventCode = eventCode.String
	event.Message = message.String
	if ackAt.Valid {
		t := ackAt.Time
		event.AcknowledgedAt = &t
	}
	if ackBy.Valid {
		id := ackBy.UUID
		event.AcknowledgedBy = &id
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &event.Details); err != nil {
			return events.Event{}, fmt.Errorf("events: decode details: %w", err)
		}
	}
	return event, nil
}

func marshalDetails(details map[string]string) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("events: encode details: %w", err)
	}
	return raw, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
