package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	telemetry "fleet-core/internal/telemetry/domain"
	telemetryrepo "fleet-core/internal/telemetry/infrastructure/postgres"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/xuri/excelize/v2"
)

type config struct {
	dsn      string
	deviceID string
	metrics  string
	start    string
	end      string
	bucket   time.Duration
	format   string
	out      string
}

func main() {
	cfg := parseConfig()
	if cfg.dsn == "" {
		log.Fatal("PG_DSN or DATABASE_URL is required")
	}
	deviceID, err := uuid.Parse(cfg.deviceID)
	if err != nil {
		log.Fatalf("invalid device-id: %v", err)
	}
	start, err := time.Parse(time.RFC3339, cfg.start)
	if err != nil {
		log.Fatalf("invalid start: %v", err)
	}
	end, err := time.Parse(time.RFC3339, cfg.end)
	if err != nil {
		log.Fatalf("invalid end: %v", err)
	}
	var metricNames []string
	if cfg.metrics != "" {
		metricNames = strings.Split(cfg.metrics, ",")
	}

	db, err := sql.Open("pgx", cfg.dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	query := telemetryrepo.NewQuery(db)
	points, err := query.Range(ctx, deviceID, start, end, metricNames, 0)
	if err != nil {
		log.Fatalf("load points: %v", err)
	}
	aggregates := telemetry.BuildAggregates(points, cfg.bucket)
	log.Printf("device=%s points=%d buckets=%d", deviceID, len(points), len(aggregates))

	switch cfg.format {
	case "csv":
		err = writeCSV(cfg.out, aggregates)
	case "xlsx":
		err = writeXLSX(cfg.out, deviceID, start, end, aggregates)
	default:
		log.Fatalf("unknown format %q, want csv or xlsx", cfg.format)
	}
	if err != nil {
		log.Fatalf("write %s: %v", cfg.format, err)
	}
	log.Printf("wrote %s", cfg.out)
}

var aggregateHeader = []string{
	"bucket", "metric_name", "avg", "min", "max", "first", "last", "delta", "samples", "quality_pct",
}

func writeCSV(path string, aggregates []telemetry.Aggregate) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(aggregateHeader); err != nil {
		return err
	}
	for _, agg := range aggregates {
		record := []string{
			agg.Bucket.Format(time.RFC3339),
			agg.MetricName,
			formatFloat(agg.Avg),
			formatFloat(agg.Min),
			formatFloat(agg.Max),
			formatFloat(agg.First),
			formatFloat(agg.Last),
			formatFloat(agg.Delta),
			strconv.Itoa(agg.SampleCount),
			formatFloat(agg.QualityPercent()),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeXLSX(path string, deviceID uuid.UUID, start, end time.Time, aggregates []telemetry.Aggregate) error {
	f := excelize.NewFile()
	summarySheet := "summary"
	dataSheet := "aggregates"
	f.SetSheetName("Sheet1", summarySheet)
	if _, err := f.NewSheet(dataSheet); err != nil {
		return err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Telemetry Export")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", deviceID.String())
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", start.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", end.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Buckets")
	_ = f.SetCellValue(summarySheet, "B6", len(aggregates))

	for col, name := range aggregateHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		_ = f.SetCellValue(dataSheet, cell, name)
	}
	for i, agg := range aggregates {
		row := i + 2
		values := []any{
			agg.Bucket.Format(time.RFC3339), agg.MetricName,
			agg.Avg, agg.Min, agg.Max, agg.First, agg.Last, agg.Delta,
			agg.SampleCount, agg.QualityPercent(),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			_ = f.SetCellValue(dataSheet, cell, value)
		}
	}

	return f.SaveAs(path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "dsn", envDefault("PG_DSN", os.Getenv("DATABASE_URL")), "postgres dsn")
	flag.StringVar(&cfg.deviceID, "device-id", "", "device uuid to export")
	flag.StringVar(&cfg.metrics, "metrics", "", "comma-separated metric names, empty for all")
	flag.StringVar(&cfg.start, "start", "", "range start, RFC3339")
	flag.StringVar(&cfg.end, "end", "", "range end, RFC3339")
	flag.DurationVar(&cfg.bucket, "bucket", time.Hour, "aggregation bucket")
	flag.StringVar(&cfg.format, "format", "csv", "output format: csv or xlsx")
	flag.StringVar(&cfg.out, "out", "", "output file path")
	flag.Parse()
	if cfg.out == "" {
		cfg.out = fmt.Sprintf("telemetry-export.%s", cfg.format)
	}
	return cfg
}

func envDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
