package application

import (
	"context"
	"errors"
	"log"
	"time"

	"fleet-core/internal/observability/metrics"
	pg "fleet-core/internal/telemetry/infrastructure/postgres"

	telemetry "fleet-core/internal/telemetry/domain"

	"github.com/google/uuid"
)

// PointWriter persists telemetry points.
type PointWriter interface {
	UpsertPoints(ctx context.Context, points []telemetry.Point) (pg.UpsertResult, error)
}

// PointReader serves telemetry read paths.
type PointReader interface {
	Latest(ctx context.Context, deviceID uuid.UUID, metricNames []string) (map[string]telemetry.Point, error)
	Range(ctx context.Context, deviceID uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error)
	SiteRange(ctx context.Context, siteID uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error)
	Stats(ctx context.Context, deviceID uuid.UUID) (pg.DeviceStats, error)
	IngestionStats(ctx context.Context, since time.Time) (pg.IngestionStats, error)
}

// AlertPublisher forwards suspect readings for downstream evaluation.
type AlertPublisher interface {
	PublishSuspect(ctx context.Context, point telemetry.Point) error
}

// Service implements telemetry ingestion and queries.
type Service struct {
	writer    PointWriter
	reader    PointReader
	catalogue *Catalogue
	alerts    AlertPublisher
	logger    *log.Logger
}

// NewService wires a telemetry service. The alert publisher is optional.
func NewService(writer PointWriter, reader PointReader, catalogue *Catalogue, alerts AlertPublisher, logger *log.Logger) (*Service, error) {
	if writer == nil {
		return nil, errors.New("telemetry service: nil writer")
	}
	if reader == nil {
		return nil, errors.New("telemetry service: nil reader")
	}
	if logger == nil {
		return nil, errors.New("telemetry service: nil logger")
	}
	return &Service{
		writer:    writer,
		reader:    reader,
		catalogue: catalogue,
		alerts:    alerts,
		logger:    logger,
	}, nil
}

// IngestResult summarises one batch ingestion.
type IngestResult struct {
	Accepted int
	Skipped  int
	Failed   int
	Suspect  int
}

// Ingest validates, grades and persists one telemetry batch. Points
// carrying no value at all are skipped rather than failing the batch.
// Re-delivered points overwrite the stored row for the same key.
func (s *Service) Ingest(ctx context.Context, batch telemetry.Batch) (IngestResult, error) {
	started := time.Now()
	var result IngestResult

	accepted := make([]telemetry.Point, 0, len(batch.Points))
	var suspects []telemetry.Point
	for _, p := range batch.Points {
		if p.Value == nil && p.ValueText == nil {
			result.Skipped++
			continue
		}
		if p.ReceivedAt.IsZero() {
			p.ReceivedAt = time.Now().UTC()
		}
		if p.Quality == "" {
			p.Quality = telemetry.QualityGood
		}
		graded := s.catalogue.Classify(p)
		if graded == telemetry.QualitySuspect && p.Quality != telemetry.QualitySuspect {
			result.Suspect++
			p.Quality = graded
			suspects = append(suspects, p)
		}
		accepted = append(accepted, p)
	}

	if len(accepted) == 0 {
		metrics.ObserveIngest(metrics.ResultSuccess, time.Since(started))
		return result, nil
	}

	upsert, err := s.writer.UpsertPoints(ctx, accepted)
	if err != nil {
		metrics.IncIngestError("write")
		metrics.ObserveIngest(metrics.ResultError, time.Since(started))
		return result, err
	}
	result.Accepted = upsert.Inserted
	result.Failed = upsert.Failed
	if upsert.Failed > 0 {
		metrics.IncIngestError("point")
		s.logger.Printf("telemetry: batch from %s: %d of %d points failed: %v",
			batch.SourceIdentifier, upsert.Failed, len(accepted), upsert.FirstErr)
	}

	for _, quality := range countByQuality(accepted) {
		metrics.AddIngestPoints(quality.name, quality.count)
	}
	metrics.ObserveIngest(metrics.ResultSuccess, time.Since(started))

	if s.alerts != nil {
		for _, p := range suspects {
			if err := s.alerts.PublishSuspect(ctx, p); err != nil {
				s.logger.Printf("telemetry: publish suspect %s/%s: %v", p.DeviceID, p.MetricName, err)
			}
		}
	}
	return result, nil
}

// Latest returns the newest point per metric for one device.
func (s *Service) Latest(ctx context.Context, deviceID uuid.UUID, metricNames []string) (map[string]telemetry.Point, error) {
	return s.reader.Latest(ctx, deviceID, metricNames)
}

// Range returns raw points for one device ordered by time.
func (s *Service) Range(ctx context.Context, deviceID uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error) {
	return s.reader.Range(ctx, deviceID, start, end, metricNames, limit)
}

// SiteRange returns raw points across every device of a site.
func (s *Service) SiteRange(ctx context.Context, siteID uuid.UUID, start, end time.Time, metricNames []string, limit int) ([]telemetry.Point, error) {
	return s.reader.SiteRange(ctx, siteID, start, end, metricNames, limit)
}

// Aggregate buckets a device range into fixed windows.
func (s *Service) Aggregate(ctx context.Context, deviceID uuid.UUID, start, end time.Time, metricNames []string, bucket time.Duration) ([]telemetry.Aggregate, error) {
	if bucket <= 0 {
		return nil, errors.New("telemetry service: bucket must be positive")
	}
	points, err := s.reader.Range(ctx, deviceID, start, end, metricNames, 0)
	if err != nil {
		return nil, err
	}
	return telemetry.BuildAggregates(points, bucket), nil
}

// Gaps scans a device range for stretches without readings.
func (s *Service) Gaps(ctx context.Context, deviceID uuid.UUID, metricName string, start, end time.Time, expectedInterval time.Duration) ([]telemetry.Gap, error) {
	if expectedInterval <= 0 {
		return nil, errors.New("telemetry service: expected interval must be positive")
	}
	points, err := s.reader.Range(ctx, deviceID, start, end, []string{metricName}, 0)
	if err != nil {
		return nil, err
	}
	return telemetry.DetectGaps(points, expectedInterval), nil
}

// Stats summarises stored telemetry for one device.
func (s *Service) Stats(ctx context.Context, deviceID uuid.UUID) (pg.DeviceStats, error) {
	return s.reader.Stats(ctx, deviceID)
}

// IngestionStats summarises fleet-wide arrivals since the cutoff.
func (s *Service) IngestionStats(ctx context.Context, since time.Time) (pg.IngestionStats, error) {
	return s.reader.IngestionStats(ctx, since)
}

type qualityCount struct {
	name  string
	count int
}

func countByQuality(points []telemetry.Point) []qualityCount {
	counts := make(map[telemetry.Quality]int)
	for _, p := range points {
		counts[p.Quality]++
	}
	out := make([]qualityCount, 0, len(counts))
	for q, n := range counts {
		out = append(out, qualityCount{name: string(q), count: n})
	}
	return out
}
