package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Quality classifies how trustworthy a reading is.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityInterpolated Quality = "interpolated"
	QualityEstimated    Quality = "estimated"
	QualitySuspect      Quality = "suspect"
	QualityMissing      Quality = "missing"
	QualityInvalid      Quality = "invalid"
)

// ParseQuality validates a quality tag, rejecting unknown values.
func ParseQuality(value string) (Quality, error) {
	switch Quality(value) {
	case QualityGood, QualityInterpolated, QualityEstimated, QualitySuspect, QualityMissing, QualityInvalid:
		return Quality(value), nil
	default:
		return "", fmt.Errorf("telemetry: unknown quality %q", value)
	}
}

// Point is a single metric reading from a device at one instant.
//
// (Time, DeviceID, MetricName) is the upsert key: re-ingesting the same key
// overwrites value, quality and arrival time instead of duplicating the row.
type Point struct {
	Time       time.Time
	DeviceID   uuid.UUID
	SiteID     uuid.UUID
	MetricName string

	Value     *float64
	ValueText *string

	Quality    Quality
	Unit       string
	Source     string
	Tags       map[string]string
	ReceivedAt time.Time
	Processed  bool
}

// Validate checks structural invariants of a point.
func (p Point) Validate() error {
	if p.Time.IsZero() {
		return errors.New("telemetry: point time required")
	}
	if p.DeviceID == uuid.Nil {
		return errors.New("telemetry: point device id required")
	}
	if p.MetricName == "" {
		return errors.New("telemetry: point metric name required")
	}
	if p.Value == nil && p.ValueText == nil {
		return errors.New("telemetry: point needs a numeric or text value")
	}
	if p.Value != nil && p.ValueText != nil {
		return errors.New("telemetry: point cannot carry both numeric and text values")
	}
	return nil
}

// Key identifies a point for upsert purposes.
func (p Point) Key() string {
	return p.Time.UTC().Format(time.RFC3339Nano) + "|" + p.DeviceID.String() + "|" + p.MetricName
}

// Batch groups points submitted together by one producer.
type Batch struct {
	Points           []Point
	SourceType       string
	SourceIdentifier string
}

// DeviceCount returns the number of distinct devices in the batch.
func (b Batch) DeviceCount() int {
	seen := make(map[uuid.UUID]struct{}, len(b.Points))
	for _, p := range b.Points {
		seen[p.DeviceID] = struct{}{}
	}
	return len(seen)
}

// MetricDefinition describes a known metric and how to treat its values.
//
// Definitions classify readings as good or suspect; they never cause a
// reading to be rejected.
type MetricDefinition struct {
	MetricName        string   `yaml:"metric_name"`
	DisplayName       string   `yaml:"display_name"`
	Unit              string   `yaml:"unit"`
	DataType          string   `yaml:"data_type"`
	DeviceTypes       []string `yaml:"device_types"`
	Description       string   `yaml:"description"`
	MinValue          *float64 `yaml:"min_value"`
	MaxValue          *float64 `yaml:"max_value"`
	AggregationMethod string   `yaml:"aggregation_method"`
	Cumulative        bool     `yaml:"cumulative"`
}

// InRange reports whether a value falls inside the valid range.
func (d MetricDefinition) InRange(value float64) bool {
	if d.MinValue != nil && value < *d.MinValue {
		return false
	}
	if d.MaxValue != nil && value > *d.MaxValue {
		return false
	}
	return true
}

// Classify returns the quality tag for a numeric value under this definition.
func (d MetricDefinition) Classify(value float64) Quality {
	if d.InRange(value) {
		return QualityGood
	}
	return QualitySuspect
}

// Well-known metric names used across the fleet.
const (
	MetricPowerAC     = "power_ac"
	MetricPowerDC     = "power_dc"
	MetricVoltageAC   = "voltage_ac"
	MetricVoltageDC   = "voltage_dc"
	MetricCurrentAC   = "current_ac"
	MetricEnergyTotal = "energy_total"
	MetricFrequency   = "frequency"
	MetricIrradiance  = "irradiance"
	MetricBatterySOC  = "battery_soc"
	MetricTemperature = "temperature_internal"
)
