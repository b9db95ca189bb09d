package artifact

import (
	"context"
	"log/slog"
	"time"
)

// CleanupConfig defines retention cleanup settings.
type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
	BatchSize int
}

// CleanupService removes expired result artifacts from object storage.
type CleanupService struct {
	store     *Store
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	batchSize int
}

// NewCleanupService creates a new CleanupService.
func NewCleanupService(store *Store, config CleanupConfig, logger *slog.Logger) *CleanupService {
	if logger == nil {
		logger = slog.Default()
	}

	interval := config.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	retention := config.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &CleanupService{
		store:     store,
		logger:    logger.With("component", "artifact_cleanup"),
		interval:  interval,
		retention: retention,
		batchSize: batchSize,
	}
}

// Start begins the cleanup loop until the context is canceled. The first
// sweep runs immediately.
func (s *CleanupService) Start(ctx context.Context) {
	s.logger.Info("starting artifact cleanup",
		"interval", s.interval,
		"retention", s.retention,
		"batch_size", s.batchSize,
	)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.run(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *CleanupService) run(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	deleted := 0

	for {
		keys, err := s.store.ListOlderThan(ctx, cutoff, s.batchSize)
		if err != nil {
			s.logger.Error("failed to list expired artifacts", "error", err)
			return
		}
		if len(keys) == 0 {
			break
		}

		for _, key := range keys {
			if err := s.store.Delete(ctx, key); err != nil {
				s.logger.Warn("failed to delete artifact",
					"key", key,
					"error", err,
				)
				continue
			}
			deleted++
		}

		if len(keys) < s.batchSize {
			break
		}
	}

	if deleted > 0 {
		s.logger.Info("artifact cleanup completed",
			"deleted", deleted,
			"cutoff", cutoff,
		)
	}
}
