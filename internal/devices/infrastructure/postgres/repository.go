package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	devices "fleet-core/internal/devices/domain"

	"github.com/google/uuid"
)

const defaultRegistryTable = "device_registry"

const registryColumns = `device_id, site_id, organization_id, device_type, serial_number,
	auth_token_hash, token_expires_at,
	connection_status, last_connected_at, last_disconnected_at, reconnect_count,
	protocol, connection_config,
	polling_interval_seconds, last_polled_at, next_poll_at,
	synced_at, created_at, updated_at`

// Repository persists device registry entries.
type Repository struct {
	db    *sql.DB
	table string
}

// RepositoryOption customises a Repository.
type RepositoryOption func(*Repository)

// WithTable overrides the registry table name.
func WithTable(table string) RepositoryOption {
	return func(r *Repository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewRepository constructs a registry repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	r := &Repository{db: db, table: defaultRegistryTable}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert inserts or refreshes an entry keyed by device id. Connection and
// auth state of an existing row are left untouched so a sync from the
// device-management system cannot knock a device offline.
func (r *Repository) Upsert(ctx context.Context, entry devices.RegistryEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	config, err := marshalConfig(entry.ConnectionConfig)
	if err != nil {
		return err
	}
	interval := entry.PollingInterval
	if interval <= 0 {
		interval = time.Minute
	}
	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	device_id, site_id, organization_id, device_type, serial_number,
	connection_status, protocol, connection_config,
	polling_interval_seconds, synced_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $10
)
ON CONFLICT (device_id) DO UPDATE SET
	site_id = EXCLUDED.site_id,
	organization_id = EXCLUDED.organization_id,
	device_type = EXCLUDED.device_type,
	serial_number = EXCLUDED.serial_number,
	protocol = EXCLUDED.protocol,
	connection_config = EXCLUDED.connection_config,
	polling_interval_seconds = EXCLUDED.polling_interval_seconds,
	synced_at = EXCLUDED.synced_at,
	updated_at = EXCLUDED.updated_at`, r.table),
		entry.DeviceID,
		entry.SiteID,
		entry.OrganizationID,
		string(entry.DeviceType),
		entry.SerialNumber,
		string(devices.StatusDisconnected),
		nullString(entry.Protocol),
		config,
		int(interval.Seconds()),
		now,
	)
	return err
}

// GetByID fetches one entry, returning nil when the device is unknown.
func (r *Repository) GetByID(ctx context.Context, deviceID uuid.UUID) (*devices.RegistryEntry, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE device_id = $1`, registryColumns, r.table), deviceID)
	return scanEntryRow(row)
}

// GetBySerial fetches one entry by serial number, nil when unknown.
func (r *Repository) GetBySerial(ctx context.Context, serial string) (*devices.RegistryEntry, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE serial_number = $1`, registryColumns, r.table), serial)
	return scanEntryRow(row)
}

// SiteOf resolves the site a device belongs to. Unknown devices map to
// the zero uuid rather than an error.
func (r *Repository) SiteOf(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error) {
	var siteID uuid.UUID
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT site_id FROM %s WHERE device_id = $1`, r.table), deviceID).Scan(&siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return siteID, nil
}

// ListBySite returns every entry belonging to one site.
func (r *Repository) ListBySite(ctx context.Context, siteID uuid.UUID) ([]devices.RegistryEntry, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE site_id = $1 ORDER BY serial_number`, registryColumns, r.table), siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []devices.RegistryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// UpdateConnectionStatus transitions a device's link state. A transition to
// connected bumps the reconnect counter and stamps last_connected_at; a
// transition to disconnected stamps last_disconnected_at.
func (r *Repository) UpdateConnectionStatus(ctx context.Context, deviceID uuid.UUID, status devices.ConnectionStatus) error {
	if _, err := devices.ParseConnectionStatus(string(status)); err != nil {
		return err
	}
	now := time.Now().UTC()

	var res sql.Result
	var err error
	switch status {
	case devices.StatusConnected:
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET connection_status = $2, last_connected_at = $3,
	reconnect_count = reconnect_count + 1, updated_at = $3
WHERE device_id = $1`, r.table), deviceID, string(status), now)
	case devices.StatusDisconnected:
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET connection_status = $2, last_disconnected_at = $3, updated_at = $3
WHERE device_id = $1`, r.table), deviceID, string(status), now)
	default:
		res, err = r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET connection_status = $2, updated_at = $3
WHERE device_id = $1`, r.table), deviceID, string(status), now)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("devices: device not found")
	}
	return nil
}

// DueForPolling returns connected devices whose next poll time has passed.
// Never-polled devices come first.
func (r *Repository) DueForPolling(ctx context.Context, limit int) ([]devices.RegistryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM %s
WHERE connection_status = $1
  AND (next_poll_at IS NULL OR next_poll_at <= $2)
ORDER BY next_poll_at ASC NULLS FIRST
LIMIT $3`, registryColumns, r.table),
		string(devices.StatusConnected), time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []devices.RegistryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkPolled stamps the last poll and schedules the next one from the
// device's own interval.
func (r *Repository) MarkPolled(ctx context.Context, deviceID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET last_polled_at = $2,
	next_poll_at = $2 + polling_interval_seconds * interval '1 second',
	updated_at = $2
WHERE device_id = $1`, r.table), deviceID, now)
	return err
}

// MarkSynced stamps the last successful sync from the device-management
// system.
func (r *Repository) MarkSynced(ctx context.Context, deviceID uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET synced_at = $2, updated_at = $2 WHERE device_id = $1`, r.table),
		deviceID, at.UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("devices: device not found")
	}
	return nil
}

// StoreTokenHash records a new token hash and expiry for one device.
func (r *Repository) StoreTokenHash(ctx context.Context, deviceID uuid.UUID, hash string, expiresAt time.Time) error {
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET auth_token_hash = $2, token_expires_at = $3, updated_at = $4
WHERE device_id = $1`, r.table), deviceID, hash, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("devices: device not found")
	}
	return nil
}

// RevokeToken clears the stored hash and expiry.
func (r *Repository) RevokeToken(ctx context.Context, deviceID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET auth_token_hash = NULL, token_expires_at = NULL, updated_at = $2
WHERE device_id = $1`, r.table), deviceID, time.Now().UTC())
	return err
}

// FleetStats summarises registry connection state.
type FleetStats struct {
	Total       int
	Connected   int
	InError     int
	NeverSynced int
}

// Stats counts devices by connection state.
func (r *Repository) Stats(ctx context.Context) (FleetStats, error) {
	var stats FleetStats
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT COUNT(*),
	COUNT(*) FILTER (WHERE connection_status = 'connected'),
	COUNT(*) FILTER (WHERE connection_status IN ('error', 'timeout')),
	COUNT(*) FILTER (WHERE synced_at IS NULL)
FROM %s`, r.table)).Scan(&stats.Total, &stats.Connected, &stats.InError, &stats.NeverSynced)
	return stats, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(row *sql.Row) (*devices.RegistryEntry, error) {
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func scanEntry(row rowScanner) (devices.RegistryEntry, error) {
	var entry devices.RegistryEntry
	var deviceType, status string
	var tokenHash, protocol sql.NullString
	var tokenExpires, lastConnected, lastDisconnected sql.NullTime
	var lastPolled, nextPoll, synced sql.NullTime
	var config []byte
	var intervalSeconds int

	err := row.Scan(
		&entry.DeviceID,
		&entry.SiteID,
		&entry.OrganizationID,
		&deviceType,
		&entry.SerialNumber,
		&tokenHash,
		&tokenExpires,
		&status,
		&lastConnected,
		&lastDisconnected,
		&entry.ReconnectCount,
		&protocol,
		&config,
		&intervalSeconds,
		&lastPolled,
		&nextPoll,
		&synced,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return devices.RegistryEntry{}, err
	}

	entry.DeviceType = devices.DeviceType(deviceType)
	entry.ConnectionStatus = devices.ConnectionStatus(status)
	entry.AuthTokenHash = tokenHash.String
	entry.Protocol = protocol.String
	entry.PollingInterval = time.Duration(intervalSeconds) * time.Second
	entry.TokenExpiresAt = timePtr(tokenExpires)
	entry.LastConnectedAt = timePtr(lastConnected)
	entry.LastDisconnectedAt = timePtr(lastDisconnected)
	entry.LastPolledAt = timePtr(lastPolled)
	entry.NextPollAt = timePtr(nextPoll)
	entry.SyncedAt = timePtr(synced)

	if len(config) > 0 {
		if err := json.Unmarshal(config, &entry.ConnectionConfig); err != nil {
			return devices.RegistryEntry{}, fmt.Errorf("devices: decode connection config: %w", err)
		}
	}
	return entry, nil
}

func marshalConfig(config map[string]string) (any, error) {
	if len(config) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("devices: encode connection config: %w", err)
	}
	return raw, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
