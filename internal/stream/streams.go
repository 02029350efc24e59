package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	commands "fleet-core/internal/commands/domain"
	telemetryapp "fleet-core/internal/telemetry/application"
	telemetry "fleet-core/internal/telemetry/domain"

	"github.com/google/uuid"
)

// IngestEnvelope is the wire form protocol adapters publish onto the
// telemetry ingestion stream. A nil metric value means the reading was
// absent and is skipped, not stored as a gap marker.
type IngestEnvelope struct {
	DeviceID  uuid.UUID      `json:"device_id"`
	SiteID    uuid.UUID      `json:"site_id"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Source    string         `json:"source"`
	Metrics   map[string]any `json:"metrics"`
}

// Batch converts the envelope into telemetry points. A missing timestamp
// defaults to the arrival time.
func (e IngestEnvelope) Batch(arrivedAt time.Time) telemetry.Batch {
	at := arrivedAt.UTC()
	if e.Timestamp != nil {
		at = e.Timestamp.UTC()
	}
	points := make([]telemetry.Point, 0, len(e.Metrics))
	for name, value := range e.Metrics {
		point := telemetry.Point{
			Time:       at,
			DeviceID:   e.DeviceID,
			SiteID:     e.SiteID,
			MetricName: name,
			Quality:    telemetry.QualityGood,
			Source:     e.Source,
			ReceivedAt: arrivedAt.UTC(),
		}
		switch v := value.(type) {
		case nil:
			continue
		case float64:
			point.Value = &v
		case bool:
			f := 0.0
			if v {
				f = 1.0
			}
			point.Value = &f
		case string:
			point.ValueText = &v
		default:
			continue
		}
		points = append(points, point)
	}
	return telemetry.Batch{
		Points:           points,
		SourceType:       "stream",
		SourceIdentifier: e.Source,
	}
}

// SuspectAlert is published for readings graded suspect during ingest so
// alert evaluation can inspect them.
type SuspectAlert struct {
	DeviceID   uuid.UUID `json:"device_id"`
	SiteID     uuid.UUID `json:"site_id"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Time       time.Time `json:"time"`
}

// DispatchNotice announces a freshly queued command.
type DispatchNotice struct {
	CommandID   uuid.UUID `json:"command_id"`
	DeviceID    uuid.UUID `json:"device_id"`
	CommandType string    `json:"command_type"`
	Priority    int       `json:"priority"`
}

// Notification asks the notification sender to deliver a message.
type Notification struct {
	Channel string            `json:"channel"`
	Subject string            `json:"subject"`
	Body    string            `json:"body"`
	Details map[string]string `json:"details,omitempty"`
}

// TelemetryPublisher feeds the ingestion stream and re-publishes suspect
// readings for alert evaluation.
type TelemetryPublisher struct {
	ingestion *Producer
	alerts    *Producer
}

// NewTelemetryPublisher wires both telemetry-side producers.
func NewTelemetryPublisher(ingestion, alerts *Producer) (*TelemetryPublisher, error) {
	if ingestion == nil || alerts == nil {
		return nil, errors.New("stream: nil producer")
	}
	return &TelemetryPublisher{ingestion: ingestion, alerts: alerts}, nil
}

// PublishBatch puts one ingest envelope on the ingestion stream.
func (p *TelemetryPublisher) PublishBatch(ctx context.Context, envelope IngestEnvelope) (string, error) {
	if envelope.DeviceID == uuid.Nil {
		return "", errors.New("stream: envelope device id required")
	}
	return p.ingestion.Add(ctx, envelope)
}

// PublishSuspect forwards one suspect reading to alert evaluation.
// Satisfies the telemetry service's alert hook.
func (p *TelemetryPublisher) PublishSuspect(ctx context.Context, point telemetry.Point) error {
	if point.Value == nil {
		return nil
	}
	_, err := p.alerts.Add(ctx, SuspectAlert{
		DeviceID:   point.DeviceID,
		SiteID:     point.SiteID,
		MetricName: point.MetricName,
		Value:      *point.Value,
		Time:       point.Time,
	})
	return err
}

// CommandNotifier publishes dispatch notices. Satisfies the command
// service's notifier hook.
type CommandNotifier struct {
	producer *Producer
}

// NewCommandNotifier wires the dispatch notice producer.
func NewCommandNotifier(producer *Producer) (*CommandNotifier, error) {
	if producer == nil {
		return nil, errors.New("stream: nil producer")
	}
	return &CommandNotifier{producer: producer}, nil
}

// NotifyDispatch announces one queued command.
func (n *CommandNotifier) NotifyDispatch(ctx context.Context, cmd commands.Command) error {
	_, err := n.producer.Add(ctx, DispatchNotice{
		CommandID:   cmd.ID,
		DeviceID:    cmd.DeviceID,
		CommandType: cmd.CommandType,
		Priority:    cmd.Priority,
	})
	return err
}

// NotificationPublisher feeds the notification stream.
type NotificationPublisher struct {
	producer *Producer
}

// NewNotificationPublisher wires the notification producer.
func NewNotificationPublisher(producer *Producer) (*NotificationPublisher, error) {
	if producer == nil {
		return nil, errors.New("stream: nil producer")
	}
	return &NotificationPublisher{producer: producer}, nil
}

// Publish enqueues one notification for delivery.
func (p *NotificationPublisher) Publish(ctx context.Context, n Notification) error {
	if n.Channel == "" {
		return errors.New("stream: notification channel required")
	}
	_, err := p.producer.Add(ctx, n)
	return err
}

// TelemetryIngestor is the service side the ingestion consumer drives.
type TelemetryIngestor interface {
	Ingest(ctx context.Context, batch telemetry.Batch) (telemetryapp.IngestResult, error)
}

// IngestionHandler decodes ingest envelopes and persists their points.
func IngestionHandler(ingestor TelemetryIngestor) Handler {
	return func(ctx context.Context, msg Message) error {
		var envelope IngestEnvelope
		if err := msg.Decode(&envelope); err != nil {
			return err
		}
		if envelope.DeviceID == uuid.Nil {
			return fmt.Errorf("stream: entry %s has no device id", msg.ID)
		}
		_, err := ingestor.Ingest(ctx, envelope.Batch(msg.Timestamp))
		return err
	}
}

// CommandRunner is the service side the command consumer drives.
type CommandRunner interface {
	ClaimAndExecute(ctx context.Context, deviceID uuid.UUID) (bool, error)
}

// DispatchHandler reacts to dispatch notices by draining the named
// device's queue. The claim is atomic, so a notice handled twice or by
// two consumers runs each command once.
func DispatchHandler(runner CommandRunner, logger *log.Logger) Handler {
	return func(ctx context.Context, msg Message) error {
		var notice DispatchNotice
		if err := msg.Decode(&notice); err != nil {
			return err
		}
		if notice.DeviceID == uuid.Nil {
			return fmt.Errorf("stream: notice %s has no device id", msg.ID)
		}
		for {
			ran, err := runner.ClaimAndExecute(ctx, notice.DeviceID)
			if err != nil {
				return err
			}
			if !ran {
				return nil
			}
			logger.Printf("stream: executed queued command for device %s", notice.DeviceID)
		}
	}
}

// NotificationSender delivers one notification to its channel.
type NotificationSender interface {
	Send(ctx context.Context, channel, subject, body string, details map[string]string) error
}

// NotificationHandler decodes notifications and hands them to a sender.
func NotificationHandler(sender NotificationSender) Handler {
	return func(ctx context.Context, msg Message) error {
		var n Notification
		if err := msg.Decode(&n); err != nil {
			return err
		}
		return sender.Send(ctx, n.Channel, n.Subject, n.Body, n.Details)
	}
}
