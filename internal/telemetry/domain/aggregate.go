package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Aggregate summarizes one metric for one device over one time bucket.
//
// Aggregates are derived, always recomputable from raw points.
type Aggregate struct {
	Bucket      time.Time
	DeviceID    uuid.UUID
	MetricName  string
	Avg         float64
	Min         float64
	Max         float64
	First       float64
	Last        float64
	Delta       float64
	SampleCount int
	GoodCount   int
}

// QualityPercent returns the share of good-quality readings in the bucket.
func (a Aggregate) QualityPercent() float64 {
	if a.SampleCount == 0 {
		return 0
	}
	return float64(a.GoodCount) / float64(a.SampleCount) * 100
}

type aggregateKey struct {
	bucket time.Time
	device uuid.UUID
	metric string
}

// BuildAggregates buckets time-ordered numeric points into fixed-width
// aggregates, one per (bucket, device, metric). Points without a numeric
// value are skipped; bucket boundaries are aligned to the epoch via
// truncation. Delta is last-first, meaningful only for cumulative metrics.
func BuildAggregates(points []Point, bucket time.Duration) []Aggregate {
	if bucket <= 0 || len(points) == 0 {
		return nil
	}

	byKey := make(map[aggregateKey]*Aggregate)
	var order []aggregateKey
	for _, p := range points {
		if p.Value == nil {
			continue
		}
		v := *p.Value
		key := aggregateKey{
			bucket: p.Time.UTC().Truncate(bucket),
			device: p.DeviceID,
			metric: p.MetricName,
		}
		cur, ok := byKey[key]
		if !ok {
			cur = &Aggregate{
				Bucket:     key.bucket,
				DeviceID:   p.DeviceID,
				MetricName: p.MetricName,
				Min:        v,
				Max:        v,
				First:      v,
			}
			byKey[key] = cur
			order = append(order, key)
		}
		cur.Last = v
		cur.Avg += v
		cur.SampleCount++
		if v < cur.Min {
			cur.Min = v
		}
		if v > cur.Max {
			cur.Max = v
		}
		if p.Quality == QualityGood {
			cur.GoodCount++
		}
	}

	out := make([]Aggregate, 0, len(order))
	for _, key := range order {
		agg := *byKey[key]
		agg.Avg /= float64(agg.SampleCount)
		agg.Delta = agg.Last - agg.First
		out = append(out, agg)
	}
	return out
}

// Gap marks a stretch of missing readings between two observed points.
type Gap struct {
	Start           time.Time
	End             time.Time
	MissingReadings int
}

// DetectGaps scans time-ordered points and flags intervals longer than twice
// the expected spacing. MissingReadings counts the readings that should have
// arrived inside the gap.
func DetectGaps(points []Point, expectedInterval time.Duration) []Gap {
	if expectedInterval <= 0 || len(points) < 2 {
		return nil
	}

	threshold := 2 * expectedInterval
	var gaps []Gap
	for i := 1; i < len(points); i++ {
		spacing := points[i].Time.Sub(points[i-1].Time)
		if spacing <= threshold {
			continue
		}
		gaps = append(gaps, Gap{
			Start:           points[i-1].Time,
			End:             points[i].Time,
			MissingReadings: int(spacing/expectedInterval) - 1,
		})
	}
	return gaps
}
