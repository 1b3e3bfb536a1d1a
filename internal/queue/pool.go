package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/models"
)

type stalledRecoverer interface {
	RecoverStalled(ctx context.Context, olderThan time.Duration, maxAttempts int) (int, []models.Job, error)
}

func (q *Queue) startWorkers(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)

		go func(id int) {
			defer q.wg.Done()

			logger := q.logger.With(zap.Int("worker_id", id))
			logger.Info("worker started")

			for {
				if ctx.Err() != nil {
					logger.Info("worker shutting down")
					return
				}

				// ----------------------------
				// Claim
				// ----------------------------
				job, ok, err := q.backend.Claim(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Error("claim failed", zap.Error(err))
					}
					q.idle(ctx)
					continue
				}
				if !ok {
					q.idle(ctx)
					continue
				}

				// ----------------------------
				// Rate Limit
				// ----------------------------
				if err := q.limiter.Wait(ctx); err != nil {
					logger.Info("rate limiter stopped by context, releasing job",
						zap.String("job_id", job.ID),
						zap.Error(err),
					)
					if err := q.backend.Requeue(context.WithoutCancel(ctx), job); err != nil {
						logger.Error("failed to release job",
							zap.String("job_id", job.ID),
							zap.Error(err),
						)
					}
					continue
				}

				q.execute(ctx, logger, job)
			}
		}(i)
	}
}

func (q *Queue) idle(ctx context.Context) {
	t := time.NewTimer(q.opts.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// execute runs one attempt and settles the job. The attempt is detached from
// ctx so shutdown lets it finish; JobTimeout still bounds it.
func (q *Queue) execute(ctx context.Context, logger *zap.Logger, job models.Job) {
	job.Attempt++
	kind := string(job.Kind())
	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", kind),
		zap.Int("attempt", job.Attempt),
	)

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.JobTimeout)
	start := time.Now()
	err := q.dispatch(jobCtx, job)
	cancel()

	settleCtx := context.WithoutCancel(ctx)

	// ----------------------------
	// Success
	// ----------------------------
	if err == nil {
		metrics.JobDuration.WithLabelValues(kind, "success").Observe(time.Since(start).Seconds())
		if err := q.backend.Ack(settleCtx, job); err != nil {
			logger.Error("failed to ack job", zap.Error(err))
		}
		logger.Info("job completed")
		return
	}

	metrics.JobDuration.WithLabelValues(kind, "failure").Observe(time.Since(start).Seconds())
	job.LastError = err.Error()

	// ----------------------------
	// Dead Letter
	// ----------------------------
	if q.opts.Retry.Exhausted(job.Attempt) {
		failedAt := q.now()
		job.FailedAt = &failedAt

		if err := q.backend.Bury(settleCtx, job); err != nil {
			logger.Error("failed to move job to failed set", zap.Error(err))
		}
		metrics.JobsDeadLettered.WithLabelValues(kind).Inc()
		logger.Error("job permanently failed", zap.Error(err))
		return
	}

	// ----------------------------
	// Retry
	// ----------------------------
	delay := q.opts.Retry.Delay(job.Attempt)
	job.RunAt = q.now().Add(delay)

	if err := q.backend.Requeue(settleCtx, job); err != nil {
		logger.Error("failed to schedule retry", zap.Error(err))
		return
	}
	metrics.JobRetries.WithLabelValues(kind).Inc()
	logger.Warn("job failed, retry scheduled",
		zap.Duration("delay", delay),
		zap.Error(err),
	)
}

func (q *Queue) dispatch(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	if job.Payload == nil {
		return fmt.Errorf("job %s has no payload", job.ID)
	}
	return job.Payload.Dispatch(ctx, q.handler)
}

func (q *Queue) startMonitor(ctx context.Context) {
	recoverer, canRecover := q.backend.(stalledRecoverer)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		ticker := time.NewTicker(q.opts.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if st, err := q.backend.Status(ctx); err == nil {
				reportDepth(st)
			}

			if !canRecover {
				continue
			}
			n, buried, err := recoverer.RecoverStalled(ctx, 2*q.opts.JobTimeout, q.opts.Retry.MaxAttempts)
			for _, job := range buried {
				metrics.JobsDeadLettered.WithLabelValues(string(job.Kind())).Inc()
				q.logger.Error("stalled job exhausted its attempts",
					zap.String("job_id", job.ID),
					zap.Int("attempt", job.Attempt),
				)
			}
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Error("stalled job recovery failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				q.logger.Warn("recovered stalled jobs", zap.Int("count", n))
			}
		}
	}()
}
