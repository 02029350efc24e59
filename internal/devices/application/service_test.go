package application

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	devices "fleet-core/internal/devices/domain"

	"github.com/google/uuid"
)

type stubRegistry struct {
	entries  map[uuid.UUID]*devices.RegistryEntry
	statuses []devices.ConnectionStatus
	polled   []uuid.UUID
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{entries: make(map[uuid.UUID]*devices.RegistryEntry)}
}

func (r *stubRegistry) Upsert(_ context.Context, entry devices.RegistryEntry) error {
	r.entries[entry.DeviceID] = &entry
	return nil
}

func (r *stubRegistry) GetByID(_ context.Context, deviceID uuid.UUID) (*devices.RegistryEntry, error) {
	return r.entries[deviceID], nil
}

func (r *stubRegistry) GetBySerial(_ context.Context, serial string) (*devices.RegistryEntry, error) {
	for _, e := range r.entries {
		if e.SerialNumber == serial {
			return e, nil
		}
	}
	return nil, nil
}

func (r *stubRegistry) ListBySite(_ context.Context, siteID uuid.UUID) ([]devices.RegistryEntry, error) {
	var out []devices.RegistryEntry
	for _, e := range r.entries {
		if e.SiteID == siteID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *stubRegistry) MarkSynced(_ context.Context, deviceID uuid.UUID, at time.Time) error {
	if entry, ok := r.entries[deviceID]; ok {
		entry.SyncedAt = &at
	}
	return nil
}

func (r *stubRegistry) UpdateConnectionStatus(_ context.Context, deviceID uuid.UUID, status devices.ConnectionStatus) error {
	r.statuses = append(r.statuses, status)
	if entry, ok := r.entries[deviceID]; ok {
		entry.ConnectionStatus = status
	}
	return nil
}

func (r *stubRegistry) DueForPolling(_ context.Context, limit int) ([]devices.RegistryEntry, error) {
	var out []devices.RegistryEntry
	for _, e := range r.entries {
		if e.NeedsPolling(time.Now()) {
			out = append(out, *e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *stubRegistry) MarkPolled(_ context.Context, deviceID uuid.UUID) error {
	r.polled = append(r.polled, deviceID)
	return nil
}

type stubRecorder struct {
	recorded []devices.ConnectionStatus
}

func (r *stubRecorder) RecordConnection(_ context.Context, _ uuid.UUID, status devices.ConnectionStatus, _ string) error {
	r.recorded = append(r.recorded, status)
	return nil
}

func newDeviceFixture(t *testing.T) (*Service, *stubRegistry, *stubRecorder, *fakeClock) {
	t.Helper()
	registry := newStubRegistry()
	recorder := &stubRecorder{}
	clock := newFakeClock()
	svc, err := NewService(registry, recorder, log.New(io.Discard, "", 0),
		WithServiceClock(clock.Now),
		WithSessionTimeout(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	return svc, registry, recorder, clock
}

func registryEntry(serial string) devices.RegistryEntry {
	return devices.RegistryEntry{
		DeviceID:     uuid.New(),
		SiteID:       uuid.New(),
		DeviceType:   devices.TypeInverter,
		SerialNumber: serial,
	}
}

func TestRegisterRejectsInvalidEntry(t *testing.T) {
	svc, registry, _, _ := newDeviceFixture(t)

	bad := registryEntry("INV-001")
	bad.DeviceType = "toaster"
	if err := svc.Register(context.Background(), bad); err == nil {
		t.Fatal("expected unknown device type to be rejected")
	}
	if len(registry.entries) != 0 {
		t.Error("invalid entry persisted")
	}

	missing := registryEntry("")
	if err := svc.Register(context.Background(), missing); err == nil {
		t.Fatal("expected missing serial to be rejected")
	}
}

func TestConnectOpensSessionAndRecordsEvent(t *testing.T) {
	svc, registry, recorder, _ := newDeviceFixture(t)
	entry := registryEntry("INV-001")
	if err := svc.Register(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	session, err := svc.Connect(context.Background(), entry.DeviceID, "modbus", "10.0.0.7")
	if err != nil {
		t.Fatal(err)
	}
	if session.SessionID == "" || session.ClientAddress != "10.0.0.7" {
		t.Errorf("unexpected session: %+v", session)
	}
	if svc.Session(entry.DeviceID) == nil {
		t.Error("session not retained")
	}
	if registry.entries[entry.DeviceID].ConnectionStatus != devices.StatusConnected {
		t.Error("status not updated")
	}
	if len(recorder.recorded) != 1 || recorder.recorded[0] != devices.StatusConnected {
		t.Errorf("recorded events: %v", recorder.recorded)
	}
}

func TestDisconnectDropsSession(t *testing.T) {
	svc, _, recorder, _ := newDeviceFixture(t)
	entry := registryEntry("INV-001")
	if err := svc.Register(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Connect(context.Background(), entry.DeviceID, "modbus", "10.0.0.7"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Disconnect(context.Background(), entry.DeviceID, "client closed"); err != nil {
		t.Fatal(err)
	}
	if svc.Session(entry.DeviceID) != nil {
		t.Error("session survived disconnect")
	}
	if len(recorder.recorded) != 2 || recorder.recorded[1] != devices.StatusDisconnected {
		t.Errorf("recorded events: %v", recorder.recorded)
	}
}

func TestReapStaleSessions(t *testing.T) {
	svc, registry, _, clock := newDeviceFixture(t)
	stale := registryEntry("INV-001")
	fresh := registryEntry("INV-002")
	for _, e := range []devices.RegistryEntry{stale, fresh} {
		if err := svc.Register(context.Background(), e); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Connect(context.Background(), e.DeviceID, "modbus", "10.0.0.7"); err != nil {
			t.Fatal(err)
		}
	}

	clock.Advance(6 * time.Minute)
	svc.TouchSession(fresh.DeviceID)

	if reaped := svc.ReapStaleSessions(context.Background()); reaped != 1 {
		t.Fatalf("reaped %d sessions, want 1", reaped)
	}
	if svc.Session(stale.DeviceID) != nil {
		t.Error("stale session survived")
	}
	if svc.Session(fresh.DeviceID) == nil {
		t.Error("fresh session dropped")
	}
	if registry.entries[stale.DeviceID].ConnectionStatus != devices.StatusTimeout {
		t.Errorf("stale device status = %s, want timeout", registry.entries[stale.DeviceID].ConnectionStatus)
	}
}

func TestDueForPollingMarksPolled(t *testing.T) {
	svc, registry, _, _ := newDeviceFixture(t)
	entry := registryEntry("INV-001")
	entry.ConnectionStatus = devices.StatusConnected
	registry.entries[entry.DeviceID] = &entry

	due, err := svc.DueForPolling(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	if len(registry.polled) != 1 || registry.polled[0] != entry.DeviceID {
		t.Errorf("polled = %v", registry.polled)
	}
}
