package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a device event.
type EventType string

const (
	TypeStatusChange  EventType = "status_change"
	TypeError         EventType = "error"
	TypeWarning       EventType = "warning"
	TypeConnection    EventType = "connection"
	TypeCommand       EventType = "command"
	TypeFirmware      EventType = "firmware"
	TypeConfiguration EventType = "configuration"
)

// ParseEventType validates an event type, rejecting unknown values.
func ParseEventType(value string) (EventType, error) {
	switch EventType(value) {
	case TypeStatusChange, TypeError, TypeWarning, TypeConnection, TypeCommand, TypeFirmware, TypeConfiguration:
		return EventType(value), nil
	}
	return "", fmt.Errorf("events: unknown event type %q", value)
}

// Severity grades how serious an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity, rejecting unknown values.
func ParseSeverity(value string) (Severity, error) {
	switch Severity(value) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(value), nil
	}
	return "", fmt.Errorf("events: unknown severity %q", value)
}

// Event is one significant occurrence on a device. Events are keyed by
// (time, device id, event type); a re-delivered event overwrites the
// stored row.
type Event struct {
	Time      time.Time
	DeviceID  uuid.UUID
	SiteID    uuid.UUID
	EventType EventType
	Severity  Severity
	EventCode string
	Message   string
	Details   map[string]string
	CreatedAt time.Time

	Acknowledged   bool
	AcknowledgedAt *time.Time
	AcknowledgedBy *uuid.UUID
}

// Validate checks the fields required to append an event.
func (e Event) Validate() error {
	if e.Time.IsZero() {
		return errors.New("events: time required")
	}
	if e.DeviceID == uuid.Nil {
		return errors.New("events: device id required")
	}
	if _, err := ParseEventType(string(e.EventType)); err != nil {
		return err
	}
	if e.Severity == "" {
		return errors.New("events: severity required")
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return err
	}
	return nil
}

// NewConnectionEvent builds an event for a connection state change.
func NewConnectionEvent(deviceID, siteID uuid.UUID, code, message string) Event {
	severity := SeverityInfo
	if code == "error" || code == "timeout" {
		severity = SeverityWarning
	}
	return Event{
		Time:      time.Now().UTC(),
		DeviceID:  deviceID,
		SiteID:    siteID,
		EventType: TypeConnection,
		Severity:  severity,
		EventCode: code,
		Message:   message,
	}
}

// NewErrorEvent builds an error event carrying a device error code.
func NewErrorEvent(deviceID, siteID uuid.UUID, code, message string, details map[string]string) Event {
	return Event{
		Time:      time.Now().UTC(),
		DeviceID:  deviceID,
		SiteID:    siteID,
		EventType: TypeError,
		Severity:  SeverityError,
		EventCode: code,
		Message:   message,
		Details:   details,
	}
}

// NewCommandEvent builds an event recording a command outcome.
func NewCommandEvent(deviceID, siteID uuid.UUID, commandID uuid.UUID, outcome string) Event {
	return Event{
		Time:      time.Now().UTC(),
		DeviceID:  deviceID,
		SiteID:    siteID,
		EventType: TypeCommand,
		Severity:  SeverityInfo,
		EventCode: outcome,
		Message:   fmt.Sprintf("command %s %s", commandID, outcome),
		Details:   map[string]string{"command_id": commandID.String()},
	}
}
