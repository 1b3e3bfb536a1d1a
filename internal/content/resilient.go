package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"LeaderDrip/internal/metrics"
)

type ResilientOptions struct {
	// Attempts is the number of primary calls before falling back.
	Attempts        int
	InitialInterval time.Duration

	// AttemptTimeout bounds each primary call so a hung provider still
	// leaves time for the remaining attempts and the fallback.
	AttemptTimeout time.Duration

	// BreakerTimeout is how long the breaker stays open after tripping.
	BreakerTimeout time.Duration
}

// Resilient retries a primary generator with exponential backoff behind a
// circuit breaker and serves the fallback once attempts run out. Each
// attempt gets its own timeout; only a done parent ctx is returned as an
// error rather than masked by the fallback.
type Resilient struct {
	primary  Generator
	fallback Generator
	breaker  *gobreaker.CircuitBreaker
	opts     ResilientOptions
	logger   *zap.Logger
}

func NewResilient(primary, fallback Generator, opts ResilientOptions, logger *zap.Logger) *Resilient {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "content-generator",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Resilient{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		opts:     opts,
		logger:   logger,
	}
}

func (r *Resilient) Generate(ctx context.Context, req Request) (Content, error) {
	if err := req.Validate(); err != nil {
		return Content{}, err
	}

	if r.primary == nil {
		return r.fallback.Generate(ctx, req)
	}

	operation := func() (Content, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
		defer cancel()

		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.primary.Generate(attemptCtx, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Content{}, backoff.Permanent(err)
		}
		if err != nil {
			return Content{}, err
		}
		return out.(Content), nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("content generation failed, retrying",
			zap.Int("week", req.Week),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	c, err := backoff.RetryNotifyWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.opts.Attempts-1)), ctx),
		notify,
	)
	if err == nil {
		return c, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Content{}, fmt.Errorf("content: generation abandoned: %w", ctxErr)
	}
	if r.fallback == nil {
		return Content{}, fmt.Errorf("content: all attempts failed: %w", err)
	}

	metrics.GenerationFallbacks.Inc()
	r.logger.Warn("content generation exhausted, using template fallback",
		zap.Int("week", req.Week),
		zap.Error(err),
	)
	return r.fallback.Generate(ctx, req)
}
