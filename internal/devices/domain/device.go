package devices

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceType identifies the kind of field equipment behind a registry entry.
type DeviceType string

const (
	TypeInverter       DeviceType = "inverter"
	TypeMeter          DeviceType = "meter"
	TypeBattery        DeviceType = "battery"
	TypeWeatherStation DeviceType = "weather_station"
	TypeSensor         DeviceType = "sensor"
	TypeGateway        DeviceType = "gateway"
)

// ParseDeviceType validates a device type, rejecting unknown values.
func ParseDeviceType(value string) (DeviceType, error) {
	switch DeviceType(value) {
	case TypeInverter, TypeMeter, TypeBattery, TypeWeatherStation, TypeSensor, TypeGateway:
		return DeviceType(value), nil
	}
	return "", fmt.Errorf("devices: unknown device type %q", value)
}

// ConnectionStatus tracks the link state of one device.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
	StatusTimeout      ConnectionStatus = "timeout"
)

// ParseConnectionStatus validates a connection status, rejecting unknown values.
func ParseConnectionStatus(value string) (ConnectionStatus, error) {
	switch ConnectionStatus(value) {
	case StatusConnected, StatusDisconnected, StatusConnecting, StatusError, StatusTimeout:
		return ConnectionStatus(value), nil
	}
	return "", fmt.Errorf("devices: unknown connection status %q", value)
}

// RegistryEntry is the per-device record holding auth and connection state.
// Full device master data lives in the device-management system; this entry
// carries only what telemetry collection and command dispatch need.
type RegistryEntry struct {
	DeviceID       uuid.UUID
	SiteID         uuid.UUID
	OrganizationID uuid.UUID
	DeviceType     DeviceType
	SerialNumber   string

	AuthTokenHash  string
	TokenExpiresAt *time.Time

	ConnectionStatus   ConnectionStatus
	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time
	ReconnectCount     int

	Protocol         string
	ConnectionConfig map[string]string

	PollingInterval time.Duration
	LastPolledAt    *time.Time
	NextPollAt      *time.Time

	SyncedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields required to register an entry.
func (e RegistryEntry) Validate() error {
	if e.DeviceID == uuid.Nil {
		return errors.New("devices: device id required")
	}
	if e.SerialNumber == "" {
		return errors.New("devices: serial number required")
	}
	if _, err := ParseDeviceType(string(e.DeviceType)); err != nil {
		return err
	}
	return nil
}

// IsConnected reports whether the device currently holds a link.
func (e RegistryEntry) IsConnected() bool {
	return e.ConnectionStatus == StatusConnected
}

// TokenValid reports whether a stored token hash exists and has not expired.
func (e RegistryEntry) TokenValid(now time.Time) bool {
	if e.AuthTokenHash == "" {
		return false
	}
	if e.TokenExpiresAt == nil {
		return false
	}
	return now.Before(*e.TokenExpiresAt)
}

// NeedsPolling reports whether the device is due for a poll. Devices that
// were never polled sort ahead of those with a scheduled time.
func (e RegistryEntry) NeedsPolling(now time.Time) bool {
	if !e.IsConnected() {
		return false
	}
	if e.NextPollAt == nil {
		return true
	}
	return !now.Before(*e.NextPollAt)
}

// Session is the in-memory record of an active device connection. Sessions
// are never persisted; a restart drops them and devices reconnect.
type Session struct {
	DeviceID       uuid.UUID
	SessionID      string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	Protocol       string
	ClientAddress  string
}

// Touch stamps the session with fresh activity.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
}

// IsStale reports whether the session has been idle past the timeout.
func (s Session) IsStale(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > timeout
}
