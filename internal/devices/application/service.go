package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	devices "fleet-core/internal/devices/domain"

	"github.com/google/uuid"
)

// RegistryStore is the persistence surface for device state.
type RegistryStore interface {
	Upsert(ctx context.Context, entry devices.RegistryEntry) error
	GetByID(ctx context.Context, deviceID uuid.UUID) (*devices.RegistryEntry, error)
	GetBySerial(ctx context.Context, serial string) (*devices.RegistryEntry, error)
	ListBySite(ctx context.Context, siteID uuid.UUID) ([]devices.RegistryEntry, error)
	UpdateConnectionStatus(ctx context.Context, deviceID uuid.UUID, status devices.ConnectionStatus) error
	DueForPolling(ctx context.Context, limit int) ([]devices.RegistryEntry, error)
	MarkPolled(ctx context.Context, deviceID uuid.UUID) error
	MarkSynced(ctx context.Context, deviceID uuid.UUID, at time.Time) error
}

// EventRecorder receives device lifecycle events for the event log.
type EventRecorder interface {
	RecordConnection(ctx context.Context, deviceID uuid.UUID, status devices.ConnectionStatus, detail string) error
}

// Service manages registry state and in-memory device sessions.
type Service struct {
	store  RegistryStore
	events EventRecorder
	logger *log.Logger

	sessionTimeout time.Duration
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[uuid.UUID]*devices.Session
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithSessionTimeout sets the idle timeout after which sessions are reaped.
func WithSessionTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.sessionTimeout = timeout
		}
	}
}

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a device service. The event recorder is optional.
func NewService(store RegistryStore, events EventRecorder, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("device service: nil store")
	}
	if logger == nil {
		return nil, errors.New("device service: nil logger")
	}
	s := &Service{
		store:          store,
		events:         events,
		logger:         logger,
		sessionTimeout: 5 * time.Minute,
		now:            time.Now,
		sessions:       make(map[uuid.UUID]*devices.Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register upserts one entry, typically on sync from the device-management
// system. Safe to call repeatedly with the same device.
func (s *Service) Register(ctx context.Context, entry devices.RegistryEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, entry); err != nil {
		return err
	}
	s.logger.Printf("devices: registered %s (%s)", entry.SerialNumber, entry.DeviceID)
	return s.store.MarkSynced(ctx, entry.DeviceID, s.now())
}

// Get fetches one entry, nil when unknown.
func (s *Service) Get(ctx context.Context, deviceID uuid.UUID) (*devices.RegistryEntry, error) {
	return s.store.GetByID(ctx, deviceID)
}

// GetBySerial fetches one entry by serial number, nil when unknown.
func (s *Service) GetBySerial(ctx context.Context, serial string) (*devices.RegistryEntry, error) {
	return s.store.GetBySerial(ctx, serial)
}

// ListBySite returns the entries of one site.
func (s *Service) ListBySite(ctx context.Context, siteID uuid.UUID) ([]devices.RegistryEntry, error) {
	return s.store.ListBySite(ctx, siteID)
}

// Connect transitions a device to connected, opens an in-memory session
// and records the event.
func (s *Service) Connect(ctx context.Context, deviceID uuid.UUID, protocol, clientAddr string) (*devices.Session, error) {
	if err := s.store.UpdateConnectionStatus(ctx, deviceID, devices.StatusConnected); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	session := &devices.Session{
		DeviceID:       deviceID,
		SessionID:      uuid.NewString(),
		ConnectedAt:    now,
		LastActivityAt: now,
		Protocol:       protocol,
		ClientAddress:  clientAddr,
	}
	s.mu.Lock()
	s.sessions[deviceID] = session
	s.mu.Unlock()

	s.record(ctx, deviceID, devices.StatusConnected, clientAddr)
	s.logger.Printf("devices: %s connected from %s", deviceID, clientAddr)
	return session, nil
}

// Disconnect transitions a device to disconnected and drops its session.
func (s *Service) Disconnect(ctx context.Context, deviceID uuid.UUID, reason string) error {
	if err := s.store.UpdateConnectionStatus(ctx, deviceID, devices.StatusDisconnected); err != nil {
		return err
	}
	s.dropSession(deviceID)
	s.record(ctx, deviceID, devices.StatusDisconnected, reason)
	s.logger.Printf("devices: %s disconnected: %s", deviceID, reason)
	return nil
}

// MarkError flags a device's link as failed without dropping state.
func (s *Service) MarkError(ctx context.Context, deviceID uuid.UUID, detail string) error {
	if err := s.store.UpdateConnectionStatus(ctx, deviceID, devices.StatusError); err != nil {
		return err
	}
	s.record(ctx, deviceID, devices.StatusError, detail)
	return nil
}

// Session returns the active session for a device, nil when absent.
func (s *Service) Session(deviceID uuid.UUID) *devices.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[deviceID]
}

// TouchSession stamps activity on a device's session.
func (s *Service) TouchSession(deviceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[deviceID]; ok {
		session.Touch(s.now().UTC())
	}
}

// SessionCount reports the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ReapStaleSessions disconnects devices whose sessions have gone idle.
// Returns the number of sessions dropped.
func (s *Service) ReapStaleSessions(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var stale []uuid.UUID
	for id, session := range s.sessions {
		if session.IsStale(now, s.sessionTimeout) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if err := s.store.UpdateConnectionStatus(ctx, id, devices.StatusTimeout); err != nil {
			s.logger.Printf("devices: mark %s timed out: %v", id, err)
		}
		s.dropSession(id)
		s.record(ctx, id, devices.StatusTimeout, "session idle timeout")
		s.logger.Printf("devices: reaped stale session for %s", id)
	}
	return len(stale)
}

// DueForPolling returns devices whose poll is due and stamps their next
// poll time.
func (s *Service) DueForPolling(ctx context.Context, limit int) ([]devices.RegistryEntry, error) {
	due, err := s.store.DueForPolling(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, entry := range due {
		if err := s.store.MarkPolled(ctx, entry.DeviceID); err != nil {
			s.logger.Printf("devices: mark %s polled: %v", entry.DeviceID, err)
		}
	}
	return due, nil
}

func (s *Service) dropSession(deviceID uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, deviceID)
	s.mu.Unlock()
}

func (s *Service) record(ctx context.Context, deviceID uuid.UUID, status devices.ConnectionStatus, detail string) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordConnection(ctx, deviceID, status, detail); err != nil {
		s.logger.Printf("devices: record %s event for %s: %v", status, deviceID, err)
	}
}
