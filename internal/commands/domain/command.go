package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusCancelled    Status = "cancelled"
)

// ParseStatus validates a status, rejecting unknown values.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusPending, StatusSent, StatusAcknowledged, StatusCompleted,
		StatusFailed, StatusTimeout, StatusCancelled:
		return Status(value), nil
	}
	return "", fmt.Errorf("commands: unknown status %q", value)
}

// IsTerminal reports whether the status ends the command's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Standard command types. Custom covers device-specific operations whose
// parameters the executor interprets.
const (
	TypeSetPowerLimit     = "set_power_limit"
	TypeRestart           = "restart"
	TypeUpdateFirmware    = "update_firmware"
	TypeSetTime           = "set_time"
	TypeClearErrors       = "clear_errors"
	TypeEnableExport      = "enable_export"
	TypeDisableExport     = "disable_export"
	TypeSetBatteryMode    = "set_battery_mode"
	TypeSetChargeLimit    = "set_charge_limit"
	TypeSetDischargeLimit = "set_discharge_limit"
	TypeReadRegisters     = "read_registers"
	TypeWriteRegisters    = "write_registers"
	TypeCustom            = "custom"
)

// Priority bounds. One is dispatched first.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// DefaultExpiry is applied when a command is created without one.
const DefaultExpiry = time.Hour

// Command is one remote-control operation queued for a device.
type Command struct {
	ID          uuid.UUID
	DeviceID    uuid.UUID
	SiteID      uuid.UUID
	CommandType string
	Params      map[string]any

	Status   Status
	Priority int

	ScheduledAt    *time.Time
	SentAt         *time.Time
	AcknowledgedAt *time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time

	Result       map[string]any
	ErrorMessage string
	RetryCount   int
	MaxRetries   int

	CreatedBy *uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields required to enqueue a command.
func (c Command) Validate() error {
	if c.DeviceID == uuid.Nil {
		return errors.New("commands: device id required")
	}
	if c.CommandType == "" {
		return errors.New("commands: command type required")
	}
	if c.Priority < PriorityHighest || c.Priority > PriorityLowest {
		return fmt.Errorf("commands: priority %d out of range", c.Priority)
	}
	return nil
}

// IsExpired reports whether the command's deadline has passed.
func (c Command) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// CanRetry reports whether a failed or timed-out command may re-enter
// the queue.
func (c Command) CanRetry(now time.Time) bool {
	if c.Status != StatusFailed && c.Status != StatusTimeout {
		return false
	}
	if c.RetryCount >= c.MaxRetries {
		return false
	}
	return !c.IsExpired(now)
}

// CanCancel reports whether the command is still cancellable. Once a
// device has acknowledged it, cancellation would lie about the outcome.
func (c Command) CanCancel() bool {
	return c.Status == StatusPending || c.Status == StatusSent
}
