package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_pending",
			Help: "Commands currently in pending state",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM device_commands WHERE status = 'pending'")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "commands_in_flight",
			Help: "Commands currently sent or acknowledged",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM device_commands WHERE status IN ('sent', 'acknowledged')")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "events_unacknowledged",
			Help: "Device events awaiting acknowledgment",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM device_events WHERE acknowledged = FALSE")
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: metricPrefix + "devices_connected",
			Help: "Devices currently in connected state",
		},
		func() float64 {
			return queryCount(db, logger, "SELECT COUNT(*) FROM device_registry WHERE connection_status = 'connected'")
		},
	))
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
