// Package queue runs coaching email jobs through a bounded worker pool with
// priority, rate limiting and bounded exponential retry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrShuttingDown = errors.New("queue: shutting down")
	ErrInvalidWeek  = errors.New("queue: week out of range")
)

type Options struct {
	Workers      int
	RateLimit    int
	RateWindow   time.Duration
	Retry        RetryPolicy
	JobTimeout   time.Duration
	PollInterval time.Duration

	// MonitorInterval controls queue depth reporting and, for backends that
	// support it, stalled job recovery.
	MonitorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.RateLimit < 1 {
		o.RateLimit = 10
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Minute
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 3
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 3 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 15 * time.Second
	}
	return o
}

type Queue struct {
	backend Backend
	handler models.PayloadHandler
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger

	closing atomic.Bool
	running atomic.Bool

	mu        sync.Mutex
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	now func() time.Time
}

func New(backend Backend, handler models.PayloadHandler, opts Options, logger *zap.Logger) *Queue {
	opts = opts.withDefaults()

	return &Queue{
		backend: backend,
		handler: handler,
		limiter: rate.NewLimiter(rate.Every(opts.RateWindow/time.Duration(opts.RateLimit)), opts.RateLimit),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

func (q *Queue) EnqueueWelcome(ctx context.Context, user models.User) error {
	return q.enqueue(ctx, models.WelcomePayload{User: user})
}

func (q *Queue) EnqueueWeekly(ctx context.Context, user models.User, week int) error {
	if week < 1 || week > models.ProgramWeeks {
		return fmt.Errorf("%w: %d", ErrInvalidWeek, week)
	}
	return q.enqueue(ctx, models.WeeklyPayload{User: user, WeekNumber: week})
}

func (q *Queue) EnqueueResend(ctx context.Context, user models.User, week int) error {
	if week < 1 || week > models.ProgramWeeks {
		return fmt.Errorf("%w: %d", ErrInvalidWeek, week)
	}
	return q.enqueue(ctx, models.ResendPayload{User: user, WeekNumber: week})
}

func (q *Queue) enqueue(ctx context.Context, p models.Payload) error {
	if q.closing.Load() {
		return ErrShuttingDown
	}

	now := q.now()
	job := models.Job{
		ID:         uuid.NewString(),
		Payload:    p,
		EnqueuedAt: now,
		RunAt:      now,
	}

	if err := q.backend.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue: enqueue %s job: %w", p.Kind(), err)
	}

	metrics.JobsEnqueued.WithLabelValues(string(p.Kind())).Inc()
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(p.Kind())),
		zap.Int64("user_id", p.Recipient().ID),
		zap.Int("week", p.Week()),
	)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled or Shutdown
// is called and every worker has returned.
func (q *Queue) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	if q.closing.Load() {
		q.mu.Unlock()
		return
	}
	q.cancelRun = cancel
	q.running.Store(true)
	q.startWorkers(ctx)
	q.startMonitor(ctx)
	q.mu.Unlock()

	q.wg.Wait()
	q.running.Store(false)
}

// Shutdown rejects new jobs, stops claiming, waits for in-flight jobs to
// settle and releases the backend. In-flight jobs are bounded by JobTimeout,
// not by ctx; ctx only bounds how long Shutdown waits for them.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closing.Store(true)
	cancel := q.cancelRun
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("queue: waiting for in-flight jobs: %w", ctx.Err())
	}

	return errors.Join(waitErr, q.backend.Close())
}

func (q *Queue) Status(ctx context.Context) (models.QueueStatus, error) {
	st, err := q.backend.Status(ctx)
	if err != nil {
		return models.QueueStatus{}, fmt.Errorf("queue: status: %w", err)
	}
	reportDepth(st)
	return st, nil
}

func (q *Queue) Failed(ctx context.Context, limit int) ([]models.Job, error) {
	return q.backend.Failed(ctx, limit)
}

// Ping reports queue liveness: accepting jobs, workers running, backend
// reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if q.closing.Load() {
		return ErrShuttingDown
	}
	if !q.running.Load() {
		return errors.New("queue: workers not running")
	}
	return q.backend.Ping(ctx)
}

func reportDepth(st models.QueueStatus) {
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(st.Active))
	metrics.QueueDepth.WithLabelValues("completed").Set(float64(st.Completed))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(st.Failed))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
}
