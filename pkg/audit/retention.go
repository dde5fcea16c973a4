package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig contains configuration for scheduled audit pruning.
type RetentionConfig struct {
	// Schedule is a standard cron expression (e.g. "0 3 * * *" for
	// daily at 3 AM). Empty disables scheduled pruning.
	Schedule string

	// MaxAge is how long events are retained. Default: 30 days.
	MaxAge time.Duration
}

// Pruner deletes security events older than the retention window.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs retention pruning on a cron schedule.
type Scheduler struct {
	pruner Pruner
	cfg    RetentionConfig
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a retention scheduler over the pruner.
func NewScheduler(pruner Pruner, cfg RetentionConfig) *Scheduler {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	return &Scheduler{
		pruner: pruner,
		cfg:    cfg,
		cron:   cron.New(),
		logger: slog.Default().With("component", "audit.retention"),
	}
}

// Start begins scheduled pruning. A no-op when no schedule is configured.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.cfg.Schedule == "" {
		s.logger.Info("retention schedule not configured, skipping")
		return nil
	}

	if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.Schedule, err)
	}

	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		s.runPruning(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule retention job: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started",
		"schedule", s.cfg.Schedule,
		"max_age", s.cfg.MaxAge,
	)
	return nil
}

// Stop halts the scheduler and waits for a running prune to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention scheduler stopped")
}

// runPruning executes one prune pass.
func (s *Scheduler) runPruning(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	n, err := s.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention pruning failed", "error", err)
		return
	}
	s.logger.Info("retention pruning complete", "deleted", n, "cutoff", cutoff)
}
