package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	commands "fleet-core/internal/commands/domain"

	"github.com/google/uuid"
)

const defaultCommandsTable = "device_commands"

const commandColumns = `id, device_id, site_id, command_type, command_params,
	status, priority, scheduled_at, sent_at, acknowledged_at, completed_at, expires_at,
	result, error_message, retry_count, max_retries, created_by, created_at, updated_at`

// Repository persists the device command queue.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption customises a Repository.
type RepositoryOption func(*Repository)

// WithTable overrides the commands table name.
func WithTable(table string) RepositoryOption {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository constructs a command repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, table: defaultCommandsTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create enqueues one command and returns it with its generated id.
func (r *Repository) Create(ctx context.Context, cmd commands.Command) (commands.Command, error) {
	if err := cmd.Validate(); err != nil {
		return commands.Command{}, err
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	params, err := marshalJSON(cmd.Params, "params")
	if err != nil {
		return commands.Command{}, err
	}
	now := time.Now().UTC()
	cmd.Status = commands.StatusPending
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	id, device_id, site_id, command_type, command_params,
	status, priority, scheduled_at, expires_at,
	retry_count, max_retries, created_by, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $12
)`, r.table),
		cmd.ID,
		cmd.DeviceID,
		cmd.SiteID,
		cmd.CommandType,
		params,
		string(cmd.Status),
		cmd.Priority,
		nullTime(cmd.ScheduledAt),
		cmd.ExpiresAt.UTC(),
		cmd.MaxRetries,
		nullUUID(cmd.CreatedBy),
		now,
	)
	if err != nil {
		return commands.Command{}, err
	}
	return cmd, nil
}

// GetByID fetches one command, nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*commands.Command, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1`, commandColumns, r.table), id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ClaimNext atomically claims the highest-priority dispatchable command
// for a device and marks it sent. Row locking with skipped locked rows
// guarantees two workers never claim the same command. Returns nil when
// nothing is claimable.
func (r *Repository) ClaimNext(ctx context.Context, deviceID uuid.UUID) (*commands.Command, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var id uuid.UUID
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id FROM %s
WHERE device_id = $1
  AND status = $2
  AND (scheduled_at IS NULL OR scheduled_at <= $3)
  AND (expires_at IS NULL OR expires_at > $3)
ORDER BY priority ASC, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, r.table),
		deviceID, string(commands.StatusPending), now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, sent_at = $3, updated_at = $3
WHERE id = $1
RETURNING %s`, r.table, commandColumns),
		id, string(commands.StatusSent), now)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// MarkAcknowledged records the device's acknowledgement of a sent command.
func (r *Repository) MarkAcknowledged(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, acknowledged_at = $3, updated_at = $3
WHERE id = $1 AND status = $4`, r.table),
		id, string(commands.StatusAcknowledged), now, string(commands.StatusSent))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkCompleted finishes a command with its result payload. A command
// already in a terminal state is left untouched.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) (bool, error) {
	payload, err := marshalJSON(result, "result")
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, completed_at = $3, result = $4, updated_at = $3
WHERE id = $1 AND status IN ('sent', 'acknowledged')`, r.table),
		id, string(commands.StatusCompleted), now, payload)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkFailed finishes a command with an error message.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, completed_at = $3, error_message = $4, updated_at = $3
WHERE id = $1 AND status IN ('sent', 'acknowledged')`, r.table),
		id, string(commands.StatusFailed), now, errorMessage)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkTimeout forces an in-flight command to the timeout state. Returns
// false when the command already reached a terminal state.
func (r *Repository) MarkTimeout(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, completed_at = $3, error_message = $4, updated_at = $3
WHERE id = $1 AND status IN ('pending', 'sent', 'acknowledged')`, r.table),
		id, string(commands.StatusTimeout), now, errorMessage)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Cancel aborts a command that has not been acknowledged yet.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, completed_at = $3, updated_at = $3
WHERE id = $1 AND status IN ('pending', 'sent')`, r.table),
		id, string(commands.StatusCancelled), now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// Retry puts a failed or timed-out command back in the queue, clearing
// its delivery timestamps. The guard mirrors Command.CanRetry.
func (r *Repository) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $2, retry_count = retry_count + 1,
	sent_at = NULL, acknowledged_at = NULL, completed_at = NULL,
	error_message = NULL, updated_at = $3
WHERE id = $1
  AND status IN ('failed', 'timeout')
  AND retry_count < max_retries
  AND (expires_at IS NULL OR expires_at > $3)`, r.table),
		id, string(commands.StatusPending), now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ExpireOverdue times out in-flight commands past their deadline and
// returns them so callers can notify waiters.
func (r *Repository) ExpireOverdue(ctx context.Context) ([]commands.Command, error) {
	now := time.Now().UTC()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
UPDATE %s SET status = $1, completed_at = $2, error_message = 'command expired', updated_at = $2
WHERE status IN ('pending', 'sent', 'acknowledged') AND expires_at <= $2
RETURNING %s`, r.table, commandColumns),
		string(commands.StatusTimeout), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, cmd)
	}
	return expired, rows.Err()
}

// History lists a device's commands newest first.
func (r *Repository) History(ctx context.Context, deviceID uuid.UUID, limit int) ([]commands.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM %s WHERE device_id = $1
ORDER BY created_at DESC LIMIT $2`, commandColumns, r.table), deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// QueueStats summarises queue occupancy by status.
type QueueStats struct {
	Pending      int
	Sent         int
	Acknowledged int
	Completed    int
	Failed       int
	TimedOut     int
	Cancelled    int
}

// Stats counts commands per status.
func (r *Repository) Stats(ctx context.Context) (QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, r.table))
	if err != nil {
		return QueueStats{}, err
	}
	defer rows.Close()

	var stats QueueStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return QueueStats{}, err
		}
		switch commands.Status(status) {
		case commands.StatusPending:
			stats.Pending = count
		case commands.StatusSent:
			stats.Sent = count
		case commands.StatusAcknowledged:
			stats.Acknowledged = count
		case commands.StatusCompleted:
			stats.Completed = count
		case commands.StatusFailed:
			stats.Failed = count
		case commands.StatusTimeout:
			stats.TimedOut = count
		case commands.StatusCancelled:
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}

// CleanupOld removes terminal commands older than the cutoff.
func (r *Repository) CleanupOld(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM %s
WHERE status IN ('completed', 'failed', 'timeout', 'cancelled') AND created_at < $1`, r.table),
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (commands.Command, error) {
	var cmd commands.Command
	var status string
	var params, result []byte
	var scheduledAt, sentAt, ackAt, completedAt, expiresAt sql.NullTime
	var errorMessage sql.NullString
	var createdBy uuid.NullUUID

	err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.SiteID,
		&cmd.CommandType,
		&params,
		&status,
		&cmd.Priority,
		&scheduledAt,
		&sentAt,
		&ackAt,
		&completedAt,
		&expiresAt,
		&result,
		&errorMessage,
		&cmd.RetryCount,
		&cmd.MaxRetries,
		&createdBy,
		&cmd.CreatedAt,
		&cmd.UpdatedAt,
	)
	if err != nil {
		return commands.Command{}, err
	}

	cmd.Status = commands.Status(status)
	cmd.ErrorMessage = errorMessage.String
	cmd.ScheduledAt = timePtr(scheduledAt)
	cmd.SentAt = timePtr(sentAt)
	cmd.AcknowledgedAt = timePtr(ackAt)
	cmd.CompletedAt = timePtr(completedAt)
	if expiresAt.Valid {
		cmd.ExpiresAt = expiresAt.Time
	}
	if createdBy.Valid {
		id := createdBy.UUID
		cmd.CreatedBy = &id
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &cmd.Params); err != nil {
			return commands.Command{}, fmt.Errorf("commands: decode params: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &cmd.Result); err != nil {
			return commands.Command{}, fmt.Errorf("commands: decode result: %w", err)
		}
	}
	return cmd, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func marshalJSON(value map[string]any, what string) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("commands: encode %s: %w", what, err)
	}
	return raw, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
