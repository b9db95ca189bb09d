package history

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically deletes journal entries older than the retention
// window.
type Sweeper struct {
	journal  *Journal
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
}

// NewSweeper creates a retention sweeper for the journal.
func NewSweeper(journal *Journal, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}

	if interval <= 0 {
		interval = time.Hour
	}

	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}

	return &Sweeper{
		journal:  journal,
		logger:   logger.With("component", "history_sweeper"),
		interval: interval,
		maxAge:   maxAge,
	}
}

// Start begins the sweep loop until the context is canceled. The first sweep
// runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting history retention sweeper",
		"interval", s.interval,
		"retention", s.maxAge,
	)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			s.run()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Sweeper) run() {
	deleted, err := s.journal.Cleanup(s.maxAge)
	if err != nil {
		s.logger.Error("history cleanup failed", "error", err)
		return
	}

	if deleted > 0 {
		s.logger.Info("history cleanup completed",
			"deleted", deleted,
			"retention", s.maxAge,
		)
	}
}
