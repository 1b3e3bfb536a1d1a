package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"LeaderDrip/internal/db"
	"LeaderDrip/internal/eligibility"
	"LeaderDrip/internal/metrics"
	"LeaderDrip/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type enqueued struct {
	userID int64
	week   int
}

type stubQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	fail map[int64]error
}

func (q *stubQueue) EnqueueWeekly(_ context.Context, u models.User, week int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.fail[u.ID]; err != nil {
		return err
	}
	q.jobs = append(q.jobs, enqueued{userID: u.ID, week: week})
	return nil
}

type selectorFunc func(ctx context.Context, now time.Time) ([]models.User, error)

func (f selectorFunc) SelectUsersDueForEmail(ctx context.Context, now time.Time) ([]models.User, error) {
	return f(ctx, now)
}

// Monday 2024-01-15 09:00 in New York.
var mondayNineNY = time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *db.MemoryStore, email string, week int) models.User {
	t.Helper()
	ctx := context.Background()

	u := models.User{Email: email, Timezone: "America/New_York", Goals: []string{"Delegate more"}, Active: true}
	require.NoError(t, store.CreateUser(ctx, &u))
	u.ProgramWeek = week
	require.NoError(t, store.UpdateUser(ctx, u))
	return u
}

func newScheduler(t *testing.T, store *db.MemoryStore, q Enqueuer) *Scheduler {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sel := eligibility.New(store, 9, logger)
	return New(sel, store, q, Options{StalePendingAfter: 30 * time.Minute}, logger)
}

func TestProcessWeeklyBatch_EnqueuesNextWeek(t *testing.T) {
	store := db.NewMemoryStore()
	a := seed(t, store, "a@example.com", 1)
	b := seed(t, store, "b@example.com", 5)
	seed(t, store, "done@example.com", models.ProgramWeeks)

	q := &stubQueue{}
	s := newScheduler(t, store, q)

	selectedBefore := testutil.ToFloat64(metrics.UsersSelected)

	res, err := s.ProcessWeeklyBatch(context.Background(), mondayNineNY)
	require.NoError(t, err)
	assert.Equal(t, models.BatchResult{Processed: 2, Queued: 2}, res)
	assert.ElementsMatch(t, []enqueued{{a.ID, 2}, {b.ID, 6}}, q.jobs)
	assert.Equal(t, selectedBefore+2, testutil.ToFloat64(metrics.UsersSelected))
}

func TestProcessWeeklyBatch_OutsideWindow(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "a@example.com", 1)

	q := &stubQueue{}
	s := newScheduler(t, store, q)

	res, err := s.ProcessWeeklyBatch(context.Background(), mondayNineNY.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Empty(t, q.jobs)
}

func TestProcessWeeklyBatch_StoreUnavailableSkipsTick(t *testing.T) {
	store := db.NewMemoryStore()
	seed(t, store, "a@example.com", 1)
	store.PingErr = errors.New("connection refused")

	q := &stubQueue{}
	s := newScheduler(t, store, q)

	skippedBefore := testutil.ToFloat64(metrics.BatchRuns.WithLabelValues("skipped"))

	_, err := s.ProcessWeeklyBatch(context.Background(), mondayNineNY)
	require.Error(t, err)
	assert.Empty(t, q.jobs)
	assert.Equal(t, skippedBefore+1, testutil.ToFloat64(metrics.BatchRuns.WithLabelValues("skipped")))

	// The next tick works once the store is back.
	store.PingErr = nil
	res, err := s.ProcessWeeklyBatch(context.Background(), mondayNineNY)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
}

func TestProcessWeeklyBatch_EnqueueErrorsAreCounted(t *testing.T) {
	store := db.NewMemoryStore()
	a := seed(t, store, "a@example.com", 0)
	seed(t, store, "b@example.com", 0)

	q := &stubQueue{fail: map[int64]error{a.ID: errors.New("queue: shutting down")}}
	s := newScheduler(t, store, q)

	res, err := s.ProcessWeeklyBatch(context.Background(), mondayNineNY)
	require.NoError(t, err)
	assert.Equal(t, models.BatchResult{Processed: 2, Errors: 1, Queued: 1}, res)
}

func TestProcessWeeklyBatch_RejectsOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	sel := selectorFunc(func(context.Context, time.Time) ([]models.User, error) {
		close(entered)
		<-release
		return nil, nil
	})
	s := New(sel, db.NewMemoryStore(), &stubQueue{}, Options{}, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow(context.Background())
		done <- err
	}()
	<-entered

	_, err := s.TriggerNow(context.Background())
	assert.ErrorIs(t, err, ErrBatchInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestProcessWeeklyBatch_ReapsStalePending(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	u := seed(t, store, "stuck@example.com", 0)

	rec := models.EmailRecord{UserID: u.ID, WeekNumber: 1, Subject: "s", Body: "b"}
	require.NoError(t, store.InsertEmailRecord(ctx, &rec))

	s := newScheduler(t, store, &stubQueue{})

	// Far enough in the future that the record is past the cutoff.
	_, err := s.ProcessWeeklyBatch(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	recs, err := store.ListEmailRecords(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
	assert.Equal(t, abandonedReason, recs[0].ErrorMsg)
}

func TestStart_InvalidSchedule(t *testing.T) {
	s := New(selectorFunc(func(context.Context, time.Time) ([]models.User, error) { return nil, nil }),
		db.NewMemoryStore(), &stubQueue{}, Options{Schedule: "not a cron"}, zaptest.NewLogger(t))

	require.Error(t, s.Start())
}

func TestStartStop(t *testing.T) {
	s := New(selectorFunc(func(context.Context, time.Time) ([]models.User, error) { return nil, nil }),
		db.NewMemoryStore(), &stubQueue{}, Options{}, zaptest.NewLogger(t))

	require.NoError(t, s.Start())
	s.Stop()
}
