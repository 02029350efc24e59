package application

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"fleet-core/internal/auth"
	devices "fleet-core/internal/devices/domain"
	events "fleet-core/internal/events/domain"
	pg "fleet-core/internal/events/infrastructure/postgres"

	"github.com/google/uuid"
)

type eventKey struct {
	at        time.Time
	deviceID  uuid.UUID
	eventType events.EventType
}

type stubEventStore struct {
	appended map[eventKey]events.Event
}

func newStubEventStore() *stubEventStore {
	return &stubEventStore{appended: make(map[eventKey]events.Event)}
}

func (s *stubEventStore) Append(_ context.Context, event events.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	key := eventKey{at: event.Time, deviceID: event.DeviceID, eventType: event.EventType}
	if existing, ok := s.appended[key]; ok {
		// Replays overwrite the payload but keep acknowledgement state.
		event.Acknowledged = existing.Acknowledged
		event.AcknowledgedAt = existing.AcknowledgedAt
		event.AcknowledgedBy = existing.AcknowledgedBy
	}
	s.appended[key] = event
	return nil
}

func (s *stubEventStore) Acknowledge(_ context.Context, at time.Time, deviceID uuid.UUID, eventType events.EventType, by uuid.UUID) (bool, error) {
	key := eventKey{at: at, deviceID: deviceID, eventType: eventType}
	event, ok := s.appended[key]
	if !ok || event.Acknowledged {
		return false, nil
	}
	now := time.Now().UTC()
	event.Acknowledged = true
	event.AcknowledgedAt = &now
	event.AcknowledgedBy = &by
	s.appended[key] = event
	return true, nil
}

func (s *stubEventStore) AcknowledgeBulk(_ context.Context, filter pg.AckFilter, by uuid.UUID) (int64, error) {
	var count int64
	now := time.Now().UTC()
	for key, event := range s.appended {
		if event.Acknowledged {
			continue
		}
		if filter.DeviceID != uuid.Nil && event.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Severity != "" && event.Severity != filter.Severity {
			continue
		}
		event.Acknowledged = true
		event.AcknowledgedAt = &now
		event.AcknowledgedBy = &by
		s.appended[key] = event
		count++
	}
	return count, nil
}

func (s *stubEventStore) List(context.Context, pg.ListFilter) ([]events.Event, error) {
	var out []events.Event
	for _, event := range s.appended {
		out = append(out, event)
	}
	return out, nil
}

func (s *stubEventStore) Timeline(context.Context, time.Time, time.Time, time.Duration) ([]pg.TimelineBucket, error) {
	return nil, nil
}

func (s *stubEventStore) CountsByTypeAndSeverity(context.Context, time.Time, time.Time) ([]pg.TypeSeverityCount, error) {
	return nil, nil
}

func (s *stubEventStore) TopErrorDevices(context.Context, time.Time, time.Time, int) ([]pg.ErrorDeviceCount, error) {
	return nil, nil
}

func (s *stubEventStore) DeleteOld(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type stubSites struct {
	siteID uuid.UUID
}

func (s *stubSites) SiteOf(context.Context, uuid.UUID) (uuid.UUID, error) {
	return s.siteID, nil
}

func newEventFixture(t *testing.T) (*Service, *stubEventStore, uuid.UUID) {
	t.Helper()
	store := newStubEventStore()
	siteID := uuid.New()
	svc, err := NewService(store, &stubSites{siteID: siteID}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, siteID
}

func TestAppendDefaultsAndSiteResolution(t *testing.T) {
	svc, store, siteID := newEventFixture(t)
	deviceID := uuid.New()

	event := events.Event{
		DeviceID:  deviceID,
		EventType: events.TypeError,
		Message:   "inverter fault",
	}
	if err := svc.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if len(store.appended) != 1 {
		t.Fatalf("appended %d events, want 1", len(store.appended))
	}
	for _, stored := range store.appended {
		if stored.Time.IsZero() {
			t.Error("time not defaulted")
		}
		if stored.Severity != events.SeverityInfo {
			t.Errorf("severity = %s, want info", stored.Severity)
		}
		if stored.SiteID != siteID {
			t.Error("site not resolved")
		}
	}
}

func TestAppendRejectsUnknownEnum(t *testing.T) {
	svc, _, _ := newEventFixture(t)
	event := events.Event{
		Time:      time.Now(),
		DeviceID:  uuid.New(),
		EventType: "telepathy",
	}
	if err := svc.Append(context.Background(), event); err == nil {
		t.Fatal("expected unknown event type to be rejected")
	}
}

func TestReplayKeepsAcknowledgement(t *testing.T) {
	svc, store, _ := newEventFixture(t)
	deviceID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := uuid.New()

	event := events.Event{
		Time:      at,
		DeviceID:  deviceID,
		EventType: events.TypeError,
		Severity:  events.SeverityError,
		Message:   "fault 102",
	}
	if err := svc.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if ok, err := svc.Acknowledge(context.Background(), at, deviceID, events.TypeError, user); err != nil || !ok {
		t.Fatalf("acknowledge: %v %v", ok, err)
	}

	// Redelivery of the same event must not reopen it.
	event.Message = "fault 102 (redelivered)"
	if err := svc.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	key := eventKey{at: at, deviceID: deviceID, eventType: events.TypeError}
	stored := store.appended[key]
	if !stored.Acknowledged {
		t.Error("replay cleared acknowledgement")
	}
	if stored.Message != "fault 102 (redelivered)" {
		t.Error("replay did not update payload")
	}
}

func TestDoubleAcknowledgeKeepsFirstUser(t *testing.T) {
	svc, store, _ := newEventFixture(t)
	deviceID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, second := uuid.New(), uuid.New()

	event := events.Event{
		Time:      at,
		DeviceID:  deviceID,
		EventType: events.TypeWarning,
		Severity:  events.SeverityWarning,
	}
	if err := svc.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	if ok, _ := svc.Acknowledge(context.Background(), at, deviceID, events.TypeWarning, first); !ok {
		t.Fatal("first acknowledge failed")
	}
	if ok, _ := svc.Acknowledge(context.Background(), at, deviceID, events.TypeWarning, second); ok {
		t.Fatal("second acknowledge should be a no-op")
	}

	key := eventKey{at: at, deviceID: deviceID, eventType: events.TypeWarning}
	if got := store.appended[key].AcknowledgedBy; got == nil || *got != first {
		t.Errorf("acknowledged_by = %v, want %s", got, first)
	}
}

func TestRecordConnection(t *testing.T) {
	svc, store, siteID := newEventFixture(t)
	deviceID := uuid.New()

	if err := svc.RecordConnection(context.Background(), deviceID, devices.StatusConnected, "10.0.0.7"); err != nil {
		t.Fatal(err)
	}
	if len(store.appended) != 1 {
		t.Fatalf("appended %d events, want 1", len(store.appended))
	}
	for _, stored := range store.appended {
		if stored.EventType != events.TypeConnection {
			t.Errorf("event type = %s, want connection", stored.EventType)
		}
		if stored.EventCode != "connected" {
			t.Errorf("event code = %s, want connected", stored.EventCode)
		}
		if stored.SiteID != siteID {
			t.Error("site not resolved")
		}
	}
}

func TestAcknowledgeBulk(t *testing.T) {
	svc, _, _ := newEventFixture(t)
	deviceID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		event := events.Event{
			Time:      base.Add(time.Duration(i) * time.Minute),
			DeviceID:  deviceID,
			EventType: events.TypeError,
			Severity:  events.SeverityError,
		}
		if err := svc.Append(context.Background(), event); err != nil {
			t.Fatal(err)
		}
	}

	count, err := svc.AcknowledgeBulk(context.Background(), pg.AckFilter{DeviceID: deviceID}, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("acknowledged %d events, want 3", count)
	}
}

func TestTimelineRejectsNonPositiveBucket(t *testing.T) {
	svc, _, _ := newEventFixture(t)

	now := time.Now().UTC()
	if _, err := svc.Timeline(context.Background(), now.Add(-time.Hour), now, 0); err == nil {
		t.Error("expected error for zero bucket")
	}
	if _, err := svc.Timeline(context.Background(), now.Add(-time.Hour), now, -time.Minute); err == nil {
		t.Error("expected error for negative bucket")
	}
}

func TestAcknowledgeUsesActorFromContext(t *testing.T) {
	svc, store, _ := newEventFixture(t)
	deviceID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event := events.Event{
		Time:      at,
		DeviceID:  deviceID,
		EventType: events.TypeError,
		Severity:  events.SeverityError,
	}
	if err := svc.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	actor := auth.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleOperator}
	ctx := auth.WithActor(context.Background(), actor)

	ok, err := svc.Acknowledge(ctx, at, deviceID, events.TypeError, uuid.Nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected acknowledgement")
	}

	stored := store.appended[eventKey{at: at, deviceID: deviceID, eventType: events.TypeError}]
	if stored.AcknowledgedBy == nil || *stored.AcknowledgedBy != actor.UserID {
		t.Errorf("acknowledged by = %v, want %s", stored.AcknowledgedBy, actor.UserID)
	}
}

func TestAcknowledgeExplicitIdentityWins(t *testing.T) {
	svc, store, _ := newEventFixture(t)
	deviceID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event := events.Event{
		Time:      at,
		DeviceID:  deviceID,
		EventType: events.TypeError,
		Severity:  events.SeverityError,
	}
	if err := svc.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	explicit := uuid.New()
	ctx := auth.WithActor(context.Background(), auth.Actor{UserID: uuid.New(), Role: auth.RoleAdmin})

	if _, err := svc.Acknowledge(ctx, at, deviceID, events.TypeError, explicit); err != nil {
		t.Fatal(err)
	}

	stored := store.appended[eventKey{at: at, deviceID: deviceID, eventType: events.TypeError}]
	if stored.AcknowledgedBy == nil || *stored.AcknowledgedBy != explicit {
		t.Errorf("acknowledged by = %v, want %s", stored.AcknowledgedBy, explicit)
	}
}
