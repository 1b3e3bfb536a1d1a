// Package scheduler runs the hourly dispatch tick: reap abandoned pending
// records, select the users due this hour and enqueue their weekly jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/models"
)

var ErrBatchInProgress = errors.New("scheduler: batch already in progress")

const abandonedReason = "abandoned: no outcome recorded before timeout"

type Selector interface {
	SelectUsersDueForEmail(ctx context.Context, now time.Time) ([]models.User, error)
}

type Reaper interface {
	FailStalePending(ctx context.Context, before time.Time, reason string) (int64, error)
}

type Enqueuer interface {
	EnqueueWeekly(ctx context.Context, user models.User, week int) error
}

type Options struct {
	// Schedule is a five-field cron expression evaluated in UTC.
	Schedule string

	StalePendingAfter time.Duration
	BatchTimeout      time.Duration
}

type Scheduler struct {
	selector Selector
	reaper   Reaper
	queue    Enqueuer
	opts     Options
	logger   *zap.Logger

	cron    *gocron.Scheduler
	running sync.Mutex

	stopCtx context.Context
	stop    context.CancelFunc

	now func() time.Time
}

func New(selector Selector, reaper Reaper, queue Enqueuer, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Schedule == "" {
		opts.Schedule = "0 * * * *"
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	return &Scheduler{
		selector: selector,
		reaper:   reaper,
		queue:    queue,
		opts:     opts,
		logger:   logger,
		cron:     cron,
		stopCtx:  ctx,
		stop:     cancel,
		now:      time.Now,
	}
}

// Start registers the periodic tick and returns immediately.
func (s *Scheduler) Start() error {
	if _, err := s.cron.Cron(s.opts.Schedule).Do(s.tick); err != nil {
		return fmt.Errorf("scheduler: register %q: %w", s.opts.Schedule, err)
	}
	s.cron.StartAsync()

	s.logger.Info("scheduler started", zap.String("schedule", s.opts.Schedule))
	return nil
}

// Stop cancels a running batch and stops future ticks.
func (s *Scheduler) Stop() {
	s.stop()
	s.cron.Stop()
}

// TriggerNow runs a batch outside the schedule.
func (s *Scheduler) TriggerNow(ctx context.Context) (models.BatchResult, error) {
	return s.ProcessWeeklyBatch(ctx, s.now())
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(s.stopCtx, s.opts.BatchTimeout)
	defer cancel()

	_, err := s.ProcessWeeklyBatch(ctx, s.now())
	if errors.Is(err, ErrBatchInProgress) {
		s.logger.Warn("previous batch still running, skipping tick")
	}
}

// ProcessWeeklyBatch enqueues a weekly job for every user due at now. Only
// one batch runs at a time; an overlapping call returns ErrBatchInProgress.
func (s *Scheduler) ProcessWeeklyBatch(ctx context.Context, now time.Time) (models.BatchResult, error) {
	if !s.running.TryLock() {
		metrics.BatchRuns.WithLabelValues("overlap").Inc()
		return models.BatchResult{}, ErrBatchInProgress
	}
	defer s.running.Unlock()

	start := time.Now()
	var result models.BatchResult

	// ----------------------------
	// Reap
	// ----------------------------
	if s.opts.StalePendingAfter > 0 {
		n, err := s.reaper.FailStalePending(ctx, now.Add(-s.opts.StalePendingAfter), abandonedReason)
		if err != nil {
			s.logger.Error("failed to reap stale pending records", zap.Error(err))
		} else if n > 0 {
			s.logger.Warn("reaped stale pending records", zap.Int64("count", n))
		}
	}

	// ----------------------------
	// Select
	// ----------------------------
	users, err := s.selector.SelectUsersDueForEmail(ctx, now)
	if err != nil {
		metrics.BatchRuns.WithLabelValues("skipped").Inc()
		s.logger.Warn("store unavailable, skipping tick", zap.Error(err))
		return result, fmt.Errorf("scheduler: select users: %w", err)
	}
	metrics.UsersSelected.Add(float64(len(users)))

	// ----------------------------
	// Enqueue
	// ----------------------------
	for _, u := range users {
		result.Processed++

		week := u.ProgramWeek + 1
		if err := s.queue.EnqueueWeekly(ctx, u, week); err != nil {
			result.Errors++
			s.logger.Error("failed to enqueue weekly email",
				zap.Int64("user_id", u.ID),
				zap.Int("week", week),
				zap.Error(err),
			)
			continue
		}
		result.Queued++
	}

	outcome := "success"
	if result.Errors > 0 {
		outcome = "partial"
	}
	metrics.BatchRuns.WithLabelValues(outcome).Inc()

	s.logger.Info("weekly batch complete",
		zap.Int("processed", result.Processed),
		zap.Int("queued", result.Queued),
		zap.Int("errors", result.Errors),
		zap.Duration("took", time.Since(start)),
	)
	return result, nil
}
