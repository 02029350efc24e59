package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names used across the platform.
const (
	TelemetryIngestion = "telemetry_ingestion"
	AlertEvaluation    = "alert_evaluation"
	Notifications      = "notifications"
	DeviceCommands     = "device_commands"
)

// Message is one entry read from a stream. The payload travels as a
// single JSON field so the envelope survives schema growth.
type Message struct {
	Stream    string
	ID        string
	Data      map[string]any
	Timestamp time.Time
}

// ParseID extracts the server-assigned timestamp from a stream entry id
// of the form "<unix-ms>-<sequence>".
func ParseID(id string) (time.Time, error) {
	ms, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}, fmt.Errorf("stream: malformed message id %q", id)
	}
	unixMs, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("stream: malformed message id %q: %w", id, err)
	}
	return time.UnixMilli(unixMs).UTC(), nil
}

// FromRaw decodes one Redis stream entry into a Message.
func FromRaw(streamName string, raw redis.XMessage) (Message, error) {
	ts, err := ParseID(raw.ID)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Stream: streamName, ID: raw.ID, Timestamp: ts}

	payload, ok := raw.Values["data"]
	if !ok {
		return Message{}, fmt.Errorf("stream: entry %s has no data field", raw.ID)
	}
	text, ok := payload.(string)
	if !ok {
		return Message{}, fmt.Errorf("stream: entry %s data is not a string", raw.ID)
	}
	if err := json.Unmarshal([]byte(text), &msg.Data); err != nil {
		return Message{}, fmt.Errorf("stream: decode entry %s: %w", raw.ID, err)
	}
	return msg, nil
}

// Decode unmarshals the message payload into a typed value.
func (m Message) Decode(target any) error {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

// encodePayload wraps a value into the single-field wire form.
func encodePayload(value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("stream: encode payload: %w", err)
	}
	return map[string]any{"data": string(raw)}, nil
}
