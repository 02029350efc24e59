package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	telemetry "fleet-core/internal/telemetry/domain"
)

// MetricDefinitionStore persists the metric catalogue.
type MetricDefinitionStore struct {
	db *sql.DB
}

// NewMetricDefinitionStore constructs a store.
func NewMetricDefinitionStore(db *sql.DB) *MetricDefinitionStore {
	return &MetricDefinitionStore{db: db}
}

// Upsert inserts or updates one metric definition keyed by metric name.
func (s *MetricDefinitionStore) Upsert(ctx context.Context, def telemetry.MetricDefinition) error {
	if s == nil || s.db == nil {
		return errors.New("metric defs: nil db")
	}
	if def.MetricName == "" {
		return errors.New("metric defs: metric name required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metric_definitions (
	metric_name, display_name, unit, data_type, device_types,
	description, min_value, max_value, aggregation_method, is_cumulative
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)
ON CONFLICT (metric_name) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	unit = EXCLUDED.unit,
	data_type = EXCLUDED.data_type,
	device_types = EXCLUDED.device_types,
	description = EXCLUDED.description,
	min_value = EXCLUDED.min_value,
	max_value = EXCLUDED.max_value,
	aggregation_method = EXCLUDED.aggregation_method,
	is_cumulative = EXCLUDED.is_cumulative`,
		def.MetricName,
		def.DisplayName,
		def.Unit,
		def.DataType,
		deviceTypesParam(def.DeviceTypes),
		nullString(def.Description),
		nullFloat(def.MinValue),
		nullFloat(def.MaxValue),
		def.AggregationMethod,
		def.Cumulative,
	)
	return err
}

// List returns every stored metric definition.
func (s *MetricDefinitionStore) List(ctx context.Context) ([]telemetry.MetricDefinition, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("metric defs: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT metric_name, display_name, unit, data_type, array_to_json(device_types)::text,
	description, min_value, max_value, aggregation_method, is_cumulative
FROM metric_definitions
ORDER BY metric_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []telemetry.MetricDefinition
	for rows.Next() {
		var def telemetry.MetricDefinition
		var deviceTypes string
		var description sql.NullString
		var minValue, maxValue sql.NullFloat64
		if err := rows.Scan(
			&def.MetricName,
			&def.DisplayName,
			&def.Unit,
			&def.DataType,
			&deviceTypes,
			&description,
			&minValue,
			&maxValue,
			&def.AggregationMethod,
			&def.Cumulative,
		); err != nil {
			return nil, err
		}
		if deviceTypes != "" {
			if err := json.Unmarshal([]byte(deviceTypes), &def.DeviceTypes); err != nil {
				return nil, err
			}
		}
		def.Description = description.String
		if minValue.Valid {
			v := minValue.Float64
			def.MinValue = &v
		}
		if maxValue.Valid {
			v := maxValue.Float64
			def.MaxValue = &v
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// deviceTypesParam hands the slice to the pgx driver, which encodes it as
// a text[] with proper element quoting. Nil maps to an empty array, not NULL.
func deviceTypesParam(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nullFloat(value *float64) sql.NullFloat64 {
	if value == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *value, Valid: true}
}
