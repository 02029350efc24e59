package application

import (
	"context"
	"errors"
	"log"
	"time"

	"fleet-core/internal/observability/metrics"
)

// RetentionStore is the storage side of the retention sweep.
type RetentionStore interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CompressChunks(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper drops telemetry past the retention horizon and compacts
// chunks past the compaction horizon on a fixed interval.
type Sweeper struct {
	store         RetentionStore
	retention     time.Duration
	compactionAge time.Duration
	interval      time.Duration
	logger        *log.Logger
}

// NewSweeper configures a retention sweeper.
func NewSweeper(store RetentionStore, retention, compactionAge, interval time.Duration, logger *log.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: nil store")
	}
	if logger == nil {
		return nil, errors.New("sweeper: nil logger")
	}
	if retention <= 0 {
		return nil, errors.New("sweeper: retention must be positive")
	}
	if interval <= 0 {
		return nil, errors.New("sweeper: interval must be positive")
	}
	return &Sweeper{
		store:         store,
		retention:     retention,
		compactionAge: compactionAge,
		interval:      interval,
		logger:        logger,
	}, nil
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one delete plus compaction pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	deleted, err := s.store.DeleteBefore(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Printf("sweeper: delete: %v", err)
	} else if deleted > 0 {
		metrics.AddRetentionDeleted(deleted)
		s.logger.Printf("sweeper: deleted %d expired rows", deleted)
	}

	if s.compactionAge <= 0 {
		return
	}
	compressed, err := s.store.CompressChunks(ctx, now.Add(-s.compactionAge))
	if err != nil {
		s.logger.Printf("sweeper: compress: %v", err)
	} else if compressed > 0 {
		s.logger.Printf("sweeper: compressed %d chunks", compressed)
	}
}
