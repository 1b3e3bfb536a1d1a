// Package pipeline turns a queued job into a delivered email:
// generate content, persist a pending record, transmit, persist the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"LeaderDrip/internal/content"
	"LeaderDrip/internal/db"
	"LeaderDrip/internal/email"
	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/models"
)

// Store is the part of the persistent store the pipeline uses.
type Store interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	HasOpenRecord(ctx context.Context, userID int64, week int) (bool, error)
	LatestSentRecord(ctx context.Context, userID int64) (models.EmailRecord, error)
	InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error
	MarkEmailSent(ctx context.Context, p db.MarkSentParams) error
	MarkEmailFailed(ctx context.Context, id int64, reason string) error
}

type Options struct {
	GenerationTimeout time.Duration
	SendTimeout       time.Duration

	// OutcomeRetryElapsed bounds how long a sent outcome write is retried.
	OutcomeRetryElapsed time.Duration
}

type Processor struct {
	store  Store
	gen    content.Generator
	mailer email.Transmitter
	opts   Options
	logger *zap.Logger

	now func() time.Time
}

var _ models.PayloadHandler = (*Processor)(nil)

func New(store Store, gen content.Generator, mailer email.Transmitter, opts Options, logger *zap.Logger) *Processor {
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = time.Minute
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.OutcomeRetryElapsed <= 0 {
		opts.OutcomeRetryElapsed = 30 * time.Second
	}

	return &Processor{
		store:  store,
		gen:    gen,
		mailer: mailer,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

type delivery struct {
	kind   models.JobKind
	userID int64
	week   int
	resend bool
}

func (p *Processor) HandleWelcome(ctx context.Context, pl models.WelcomePayload) error {
	return p.process(ctx, delivery{kind: pl.Kind(), userID: pl.User.ID, week: models.WelcomeWeek})
}

func (p *Processor) HandleWeekly(ctx context.Context, pl models.WeeklyPayload) error {
	return p.process(ctx, delivery{kind: pl.Kind(), userID: pl.User.ID, week: pl.WeekNumber})
}

func (p *Processor) HandleResend(ctx context.Context, pl models.ResendPayload) error {
	return p.process(ctx, delivery{kind: pl.Kind(), userID: pl.User.ID, week: pl.WeekNumber, resend: true})
}

func (p *Processor) process(ctx context.Context, d delivery) error {
	logger := p.logger.With(
		zap.String("kind", string(d.kind)),
		zap.Int64("user_id", d.userID),
		zap.Int("week", d.week),
	)

	// ----------------------------
	// Reload user
	// ----------------------------
	user, err := p.store.GetUser(ctx, d.userID)
	if errors.Is(err, db.ErrNotFound) {
		logger.Warn("user no longer exists, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	if skip, reason := p.stale(user, d); skip {
		logger.Info("skipping job", zap.String("reason", reason), zap.Int("program_week", user.ProgramWeek))
		return nil
	}

	if !d.resend {
		open, err := p.store.HasOpenRecord(ctx, user.ID, d.week)
		if err != nil {
			return fmt.Errorf("check open record: %w", err)
		}
		if open {
			metrics.DuplicatesSkipped.Inc()
			logger.Warn("week already pending or sent, skipping duplicate")
			return nil
		}
	}

	// ----------------------------
	// Generate content
	// ----------------------------
	var previousAction string
	prev, err := p.store.LatestSentRecord(ctx, user.ID)
	switch {
	case err == nil:
		previousAction = prev.ActionItem
	case !errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("load previous action: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, p.opts.GenerationTimeout)
	c, err := p.gen.Generate(genCtx, content.Request{
		Name:           user.Name,
		Goals:          user.Goals,
		Week:           d.week,
		PreviousAction: previousAction,
		Context:        user.Context,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("generate content: %w", err)
	}

	subject := content.SubjectLine(d.week, c.ActionItem)
	body, err := email.RenderCoaching(email.CoachingData{
		Name:            user.Name,
		Goals:           user.Goals,
		Week:            d.week,
		TotalWeeks:      models.ProgramWeeks,
		Welcome:         d.kind == models.KindWelcome,
		Resend:          d.resend,
		Feedback:        c.Feedback,
		ActionItem:      c.ActionItem,
		SuccessCriteria: c.SuccessCriteria,
		Connection:      c.Connection,
	})
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	// ----------------------------
	// Write-ahead record
	// ----------------------------
	rec := models.EmailRecord{
		UserID:     user.ID,
		WeekNumber: d.week,
		Subject:    subject,
		Body:       body,
		ActionItem: c.ActionItem,
		Resend:     d.resend,
	}
	if err := p.store.InsertEmailRecord(ctx, &rec); err != nil {
		if errors.Is(err, db.ErrDuplicateRecord) {
			metrics.DuplicatesSkipped.Inc()
			logger.Warn("concurrent delivery for week detected, skipping")
			return nil
		}
		return fmt.Errorf("persist pending record: %w", err)
	}
	logger = logger.With(zap.Int64("record_id", rec.ID))

	// ----------------------------
	// Transmit
	// ----------------------------
	sendCtx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
	res, sendErr := p.mailer.Send(sendCtx, email.Message{
		To:      user.Email,
		Subject: subject,
		HTML:    body,
		Tags: map[string]string{
			"kind": string(d.kind),
			"week": strconv.Itoa(d.week),
		},
	})
	cancel()

	if sendErr != nil {
		metrics.EmailFailures.Inc()

		if err := p.store.MarkEmailFailed(context.WithoutCancel(ctx), rec.ID, sendErr.Error()); err != nil {
			logger.Error("failed to update failure status", zap.Error(err))
		}
		return fmt.Errorf("transmit: %w", sendErr)
	}

	metrics.EmailsSent.Inc()

	// ----------------------------
	// Persist outcome
	// ----------------------------
	// The email is out. Failing the job now would send it again, so the
	// outcome write is retried here and a final failure is only logged.
	params := db.MarkSentParams{
		RecordID:          rec.ID,
		UserID:            user.ID,
		SentAt:            p.now(),
		ProviderMessageID: res.ProviderMessageID,
		Progress:          !d.resend,
		Week:              d.week,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = p.opts.OutcomeRetryElapsed

	err = backoff.Retry(func() error {
		err := p.store.MarkEmailSent(context.WithoutCancel(ctx), params)
		if errors.Is(err, db.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		logger.Error("email sent but outcome not persisted",
			zap.String("provider_message_id", res.ProviderMessageID),
			zap.Error(err),
		)
		return nil
	}

	logger.Info("email sent successfully",
		zap.String("to", user.Email),
		zap.String("provider_message_id", res.ProviderMessageID),
	)
	return nil
}

// stale reports whether the job no longer applies to the user's current
// state.
func (p *Processor) stale(u models.User, d delivery) (bool, string) {
	switch {
	case !u.Active:
		return true, "user inactive"
	case d.resend:
		return false, ""
	case u.ProgramWeek >= models.ProgramWeeks:
		return true, "program complete"
	case u.ProgramWeek >= d.week:
		metrics.DuplicatesSkipped.Inc()
		return true, "week already delivered"
	case d.week > u.ProgramWeek+1:
		return true, "earlier week not yet delivered"
	}
	return false, ""
}
