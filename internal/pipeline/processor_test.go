package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"LeaderDrip/internal/content"
	"LeaderDrip/internal/db"
	"LeaderDrip/internal/email"
	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/models"
	"LeaderDrip/internal/queue"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubGenerator struct {
	mu       sync.Mutex
	requests []content.Request
	err      error
}

func (g *stubGenerator) Generate(_ context.Context, req content.Request) (content.Content, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, req)
	if g.err != nil {
		return content.Content{}, g.err
	}
	return content.Content{
		Feedback:   "Keep going.",
		ActionItem: fmt.Sprintf("Action for week %d", req.Week),
	}, nil
}

func (g *stubGenerator) last() content.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type stubMailer struct {
	mu    sync.Mutex
	sent  []email.Message
	err   error
	block bool
}

func (m *stubMailer) Send(ctx context.Context, msg email.Message) (email.Result, error) {
	if m.block {
		<-ctx.Done()
		return email.Result{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return email.Result{}, m.err
	}
	m.sent = append(m.sent, msg)
	return email.Result{ProviderMessageID: "msg-" + msg.To}, nil
}

func (m *stubMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fixture struct {
	store  *db.MemoryStore
	gen    *stubGenerator
	mailer *stubMailer
	proc   *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  db.NewMemoryStore(),
		gen:    &stubGenerator{},
		mailer: &stubMailer{},
	}
	f.proc = New(f.store, f.gen, f.mailer, Options{
		GenerationTimeout:   time.Second,
		SendTimeout:         time.Second,
		OutcomeRetryElapsed: 100 * time.Millisecond,
	}, zaptest.NewLogger(t))
	return f
}

func (f *fixture) signup(t *testing.T, email string) models.User {
	t.Helper()
	u := models.User{Email: email, Timezone: "UTC", Goals: []string{"Give better feedback"}, Active: true}
	require.NoError(t, f.store.CreateUser(context.Background(), &u))
	return u
}

func (f *fixture) records(t *testing.T, userID int64) []models.EmailRecord {
	t.Helper()
	recs, err := f.store.ListEmailRecords(context.Background(), userID)
	require.NoError(t, err)
	return recs
}

func TestWelcomeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "new@example.com")

	sentBefore := testutil.ToFloat64(metrics.EmailsSent)
	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))

	recs := f.records(t, u.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].WeekNumber)
	assert.Equal(t, models.StatusSent, recs[0].Status)
	assert.Equal(t, "msg-new@example.com", recs[0].ProviderMessageID)
	assert.NotNil(t, recs[0].SentAt)
	assert.Contains(t, recs[0].Body, "Welcome")

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProgramWeek)
	assert.NotNil(t, got.LastEmailSentAt)

	assert.Equal(t, 1, f.mailer.count())
	assert.Equal(t, sentBefore+1, testutil.ToFloat64(metrics.EmailsSent))
	assert.Equal(t, "welcome", f.mailer.sent[0].Tags["kind"])
}

func TestTransmissionFailureKeepsWriteAheadRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "fail@example.com")
	f.mailer.err = errors.New("smtp: 554 mailbox unavailable")

	err := f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "554")

	recs := f.records(t, u.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
	assert.Equal(t, "smtp: 554 mailbox unavailable", recs[0].ErrorMsg)
	assert.Equal(t, "Action for week 1", recs[0].ActionItem, "generated content is preserved")
	assert.NotEmpty(t, recs[0].Body)
	assert.Nil(t, recs[0].SentAt)

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ProgramWeek)

	// A retry regenerates and creates a fresh record.
	f.mailer.err = nil
	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))

	recs = f.records(t, u.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, models.StatusSent, recs[0].Status)
	assert.Equal(t, models.StatusFailed, recs[1].Status)
	assert.Len(t, f.gen.requests, 2)
}

func TestGenerationFailurePropagates(t *testing.T) {
	f := newFixture(t)
	u := f.signup(t, "gen@example.com")
	f.gen.err = errors.New("content: generation abandoned: context deadline exceeded")

	err := f.proc.HandleWelcome(context.Background(), models.WelcomePayload{User: u})
	require.Error(t, err)
	assert.Empty(t, f.records(t, u.ID), "no record before content exists")
	assert.Zero(t, f.mailer.count())
}

func TestSendTimeoutIsFailure(t *testing.T) {
	f := newFixture(t)
	f.proc.opts.SendTimeout = 10 * time.Millisecond
	f.mailer.block = true
	u := f.signup(t, "slow@example.com")

	err := f.proc.HandleWelcome(context.Background(), models.WelcomePayload{User: u})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	recs := f.records(t, u.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
}

func TestWeeklyProgressionUsesPreviousAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "steady@example.com")

	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))
	assert.Empty(t, f.gen.last().PreviousAction)

	require.NoError(t, f.proc.HandleWeekly(ctx, models.WeeklyPayload{User: u, WeekNumber: 2}))
	assert.Equal(t, "Action for week 1", f.gen.last().PreviousAction)
	assert.Equal(t, 2, f.gen.last().Week)

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ProgramWeek)
}

func TestDuplicateAndStaleJobsAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "dup@example.com")

	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))

	skippedBefore := testutil.ToFloat64(metrics.DuplicatesSkipped)
	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))
	require.NoError(t, f.proc.HandleWeekly(ctx, models.WeeklyPayload{User: u, WeekNumber: 1}))

	// Week 4 while the user is on week 1 is out of order.
	require.NoError(t, f.proc.HandleWeekly(ctx, models.WeeklyPayload{User: u, WeekNumber: 4}))

	assert.Equal(t, 1, f.mailer.count())
	assert.Len(t, f.records(t, u.ID), 1)
	assert.Equal(t, skippedBefore+2, testutil.ToFloat64(metrics.DuplicatesSkipped))
}

func TestPendingRecordBlocksSecondDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "inflight@example.com")

	rec := models.EmailRecord{UserID: u.ID, WeekNumber: 1, Subject: "s", Body: "b"}
	require.NoError(t, f.store.InsertEmailRecord(ctx, &rec))

	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))
	assert.Zero(t, f.mailer.count())
}

func TestInactiveAndMissingUsersAreSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := f.signup(t, "paused@example.com")
	u.Active = false
	require.NoError(t, f.store.UpdateUser(ctx, u))

	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))
	require.NoError(t, f.proc.HandleWeekly(ctx, models.WeeklyPayload{User: models.User{ID: 999}, WeekNumber: 2}))
	assert.Zero(t, f.mailer.count())
}

func TestResendCreatesFreshRecordWithoutProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.signup(t, "again@example.com")

	require.NoError(t, f.proc.HandleWelcome(ctx, models.WelcomePayload{User: u}))
	require.NoError(t, f.proc.HandleResend(ctx, models.ResendPayload{User: u, WeekNumber: 1}))
	require.NoError(t, f.proc.HandleResend(ctx, models.ResendPayload{User: u, WeekNumber: 1}))

	recs := f.records(t, u.ID)
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Resend)
	assert.True(t, recs[1].Resend)
	assert.False(t, recs[2].Resend)
	for _, r := range recs {
		assert.Equal(t, models.StatusSent, r.Status)
	}

	got, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProgramWeek)
	assert.Equal(t, 3, f.mailer.count())
}

// ----------------------------
// Through the queue
// ----------------------------

func runQueue(t *testing.T, f *fixture) *queue.Queue {
	t.Helper()

	q := queue.New(queue.NewMemoryBackend(time.Hour), f.proc, queue.Options{
		Workers:      4,
		RateLimit:    1000,
		RateWindow:   time.Second,
		Retry:        queue.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		JobTimeout:   5 * time.Second,
		PollInterval: time.Millisecond,
	}, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return q.Ping(context.Background()) == nil }, time.Second, time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
		<-done
	})
	return q
}

func TestConcurrentSignupsEachGetOneWelcome(t *testing.T) {
	f := newFixture(t)
	q := runQueue(t, f)
	ctx := context.Background()

	const n = 20
	users := make([]models.User, n)
	for i := range users {
		users[i] = f.signup(t, fmt.Sprintf("user%02d@example.com", i))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u models.User) {
			defer wg.Done()
			assert.NoError(t, q.EnqueueWelcome(ctx, u))
		}(u)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return f.mailer.count() == n }, 5*time.Second, 5*time.Millisecond)

	for _, u := range users {
		recs := f.records(t, u.ID)
		require.Len(t, recs, 1, u.Email)
		assert.Equal(t, models.StatusSent, recs[0].Status)
	}
}

func TestAlwaysFailingTransmitIsBounded(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp: 421 service unavailable")
	q := runQueue(t, f)
	ctx := context.Background()

	u := f.signup(t, "bounce@example.com")
	require.NoError(t, q.EnqueueWelcome(ctx, u))

	require.Eventually(t, func() bool {
		failed, err := q.Failed(ctx, 10)
		return err == nil && len(failed) == 1
	}, 5*time.Second, 5*time.Millisecond)

	recs := f.records(t, u.ID)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, models.StatusFailed, r.Status)
	}

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, failed[0].Attempt)
	assert.Contains(t, failed[0].LastError, "421")
}
