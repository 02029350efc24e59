package application

import (
	"context"
	"errors"
	"log"
	"time"

	"fleet-core/internal/auth"
	devices "fleet-core/internal/devices/domain"
	events "fleet-core/internal/events/domain"
	pg "fleet-core/internal/events/infrastructure/postgres"
	"fleet-core/internal/observability/metrics"

	"github.com/google/uuid"
)

// EventStore is the persistence surface for the event log.
type EventStore interface {
	Append(ctx context.Context, event events.Event) error
	Acknowledge(ctx context.Context, at time.Time, deviceID uuid.UUID, eventType events.EventType, by uuid.UUID) (bool, error)
	AcknowledgeBulk(ctx context.Context, filter pg.AckFilter, by uuid.UUID) (int64, error)
	List(ctx context.Context, filter pg.ListFilter) ([]events.Event, error)
	CountsByTypeAndSeverity(ctx context.Context, start, end time.Time) ([]pg.TypeSeverityCount, error)
	Timeline(ctx context.Context, start, end time.Time, bucket time.Duration) ([]pg.TimelineBucket, error)
	TopErrorDevices(ctx context.Context, start, end time.Time, limit int) ([]pg.ErrorDeviceCount, error)
	DeleteOld(ctx context.Context, cutoff time.Time) (int64, error)
}

// SiteResolver maps a device to its site for events raised without one.
type SiteResolver interface {
	SiteOf(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error)
}

// Service is the append and query front of the event log.
type Service struct {
	store  EventStore
	sites  SiteResolver
	logger *log.Logger
}

// NewService wires an event service. The site resolver is optional.
func NewService(store EventStore, sites SiteResolver, logger *log.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("event service: nil store")
	}
	if logger == nil {
		return nil, errors.New("event service: nil logger")
	}
	return &Service{store: store, sites: sites, logger: logger}, nil
}

// Append validates and stores one event.
func (s *Service) Append(ctx context.Context, event events.Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = events.SeverityInfo
	}
	if event.SiteID == uuid.Nil && s.sites != nil {
		siteID, err := s.sites.SiteOf(ctx, event.DeviceID)
		if err != nil {
			s.logger.Printf("events: resolve site for %s: %v", event.DeviceID, err)
		} else {
			event.SiteID = siteID
		}
	}
	if err := s.store.Append(ctx, event); err != nil {
		return err
	}
	metrics.IncEventAppended(string(event.Severity))
	return nil
}

// RecordConnection appends a connection event for a device state change.
// Satisfies the device service's recorder hook.
func (s *Service) RecordConnection(ctx context.Context, deviceID uuid.UUID, status devices.ConnectionStatus, detail string) error {
	event := events.NewConnectionEvent(deviceID, uuid.Nil, string(status), detail)
	return s.Append(ctx, event)
}

// RecordCommandOutcome appends a command event for the event log.
func (s *Service) RecordCommandOutcome(ctx context.Context, deviceID, commandID uuid.UUID, outcome string) error {
	return s.Append(ctx, events.NewCommandEvent(deviceID, uuid.Nil, commandID, outcome))
}

// Acknowledge marks one event as handled. Reports false when the event
// was already acknowledged; the original acknowledger stands. A zero `by`
// falls back to the authenticated actor in context.
func (s *Service) Acknowledge(ctx context.Context, at time.Time, deviceID uuid.UUID, eventType events.EventType, by uuid.UUID) (bool, error) {
	return s.store.Acknowledge(ctx, at, deviceID, eventType, acknowledger(ctx, by))
}

// AcknowledgeBulk acknowledges every event matching the filter.
func (s *Service) AcknowledgeBulk(ctx context.Context, filter pg.AckFilter, by uuid.UUID) (int64, error) {
	by = acknowledger(ctx, by)
	count, err := s.store.AcknowledgeBulk(ctx, filter, by)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Printf("events: %s acknowledged %d events", by, count)
	}
	return count, nil
}

// acknowledger resolves the acknowledging identity, preferring an explicit
// id over the authenticated actor in context.
func acknowledger(ctx context.Context, by uuid.UUID) uuid.UUID {
	if by != uuid.Nil {
		return by
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		return actor.UserID
	}
	return by
}

// List returns events matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter pg.ListFilter) ([]events.Event, error) {
	return s.store.List(ctx, filter)
}

// Summary counts events per type and severity inside a window.
func (s *Service) Summary(ctx context.Context, start, end time.Time) ([]pg.TypeSeverityCount, error) {
	return s.store.CountsByTypeAndSeverity(ctx, start, end)
}

// Timeline buckets event counts by severity over a window.
func (s *Service) Timeline(ctx context.Context, start, end time.Time, bucket time.Duration) ([]pg.TimelineBucket, error) {
	if bucket <= 0 {
		return nil, errors.New("events: timeline bucket must be positive")
	}
	return s.store.Timeline(ctx, start, end, bucket)
}

// TopErrorDevices ranks the noisiest devices inside a window.
func (s *Service) TopErrorDevices(ctx context.Context, start, end time.Time, limit int) ([]pg.ErrorDeviceCount, error) {
	return s.store.TopErrorDevices(ctx, start, end, limit)
}

// Prune removes events older than the cutoff.
func (s *Service) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := s.store.DeleteOld(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Printf("events: pruned %d events before %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}
