package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"LeaderDrip/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewPostgres(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.Pool.Exec(ctx, `TRUNCATE users, email_records RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("create and fetch user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("Ada@Example.com")
		u.Context = &models.LeadershipContext{Role: "Engineering Manager", TeamSize: "8"}
		require.NoError(t, s.CreateUser(ctx, &u))
		assert.NotZero(t, u.ID)

		got, err := s.GetUserByEmail(ctx, "ada@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, []string{"delegate more", "run better 1:1s"}, got.Goals)
		assert.Equal(t, "America/New_York", got.Timezone)
		require.NotNil(t, got.Context)
		assert.Equal(t, "Engineering Manager", got.Context.Role)

		_, err = s.GetUser(ctx, u.ID+100)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate email rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u1 := newUser("dup@example.com")
		require.NoError(t, s.CreateUser(ctx, &u1))
		u2 := newUser("DUP@example.com")
		assert.ErrorIs(t, s.CreateUser(ctx, &u2), ErrUserExists)
	})

	t.Run("schedulable excludes inactive and finished", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		active := newUser("active@example.com")
		active.ProgramWeek = 4
		inactive := newUser("inactive@example.com")
		inactive.Active = false
		finished := newUser("finished@example.com")
		finished.ProgramWeek = models.ProgramWeeks

		for _, u := range []*models.User{&active, &inactive, &finished} {
			require.NoError(t, s.CreateUser(ctx, u))
		}

		users, err := s.ListSchedulableUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, active.ID, users[0].ID)
	})

	t.Run("write-ahead record lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("flow@example.com")
		require.NoError(t, s.CreateUser(ctx, &u))

		rec := models.EmailRecord{UserID: u.ID, WeekNumber: 1, Subject: "Week 1", Body: "<p>hi</p>", ActionItem: "Ask one question"}
		require.NoError(t, s.InsertEmailRecord(ctx, &rec))
		assert.Equal(t, models.StatusPending, rec.Status)

		open, err := s.HasOpenRecord(ctx, u.ID, 1)
		require.NoError(t, err)
		assert.True(t, open)

		_, err = s.LatestSentRecord(ctx, u.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		sentAt := time.Date(2024, 1, 15, 14, 0, 5, 0, time.UTC)
		require.NoError(t, s.MarkEmailSent(ctx, MarkSentParams{
			RecordID:          rec.ID,
			UserID:            u.ID,
			SentAt:            sentAt,
			ProviderMessageID: "msg-1",
			Progress:          true,
			Week:              1,
		}))

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ProgramWeek)
		require.NotNil(t, got.LastEmailSentAt)
		assert.True(t, sentAt.Equal(*got.LastEmailSentAt))

		latest, err := s.LatestSentRecord(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ask one question", latest.ActionItem)
		assert.Equal(t, "msg-1", latest.ProviderMessageID)

		sent, err := s.HasSentSince(ctx, u.ID, sentAt.Add(-time.Hour))
		require.NoError(t, err)
		assert.True(t, sent)
		sent, err = s.HasSentSince(ctx, u.ID, sentAt.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, sent)
	})

	t.Run("program week never moves backwards", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("monotonic@example.com")
		u.ProgramWeek = 5
		require.NoError(t, s.CreateUser(ctx, &u))

		rec := models.EmailRecord{UserID: u.ID, WeekNumber: 3, Subject: "s", Body: "b"}
		require.NoError(t, s.InsertEmailRecord(ctx, &rec))
		require.NoError(t, s.MarkEmailSent(ctx, MarkSentParams{
			RecordID: rec.ID, UserID: u.ID, SentAt: time.Now(), Progress: true, Week: 3,
		}))

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, got.ProgramWeek)
	})

	t.Run("resend does not advance user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("resend@example.com")
		u.ProgramWeek = 2
		require.NoError(t, s.CreateUser(ctx, &u))

		rec := models.EmailRecord{UserID: u.ID, WeekNumber: 2, Subject: "s", Body: "b"}
		require.NoError(t, s.InsertEmailRecord(ctx, &rec))

		again := models.EmailRecord{UserID: u.ID, WeekNumber: 2, Subject: "s", Body: "b", Resend: true}
		require.NoError(t, s.InsertEmailRecord(ctx, &again))
		require.NoError(t, s.MarkEmailSent(ctx, MarkSentParams{
			RecordID: again.ID, UserID: u.ID, SentAt: time.Now(),
		}))

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ProgramWeek)
		assert.Nil(t, got.LastEmailSentAt)

		sent, err := s.HasSentSince(ctx, u.ID, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, sent, "resends must not count towards the weekly check")
	})

	t.Run("one open record per week", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("unique@example.com")
		require.NoError(t, s.CreateUser(ctx, &u))

		first := models.EmailRecord{UserID: u.ID, WeekNumber: 4, Subject: "s", Body: "b"}
		require.NoError(t, s.InsertEmailRecord(ctx, &first))

		second := models.EmailRecord{UserID: u.ID, WeekNumber: 4, Subject: "s", Body: "b"}
		assert.ErrorIs(t, s.InsertEmailRecord(ctx, &second), ErrDuplicateRecord)

		require.NoError(t, s.MarkEmailFailed(ctx, first.ID, "smtp: 421"))
		assert.NoError(t, s.InsertEmailRecord(ctx, &second), "a failed record frees the week")
	})

	t.Run("concurrent inserts yield one record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("race@example.com")
		require.NoError(t, s.CreateUser(ctx, &u))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			oks  int
			dups int
		)
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := models.EmailRecord{UserID: u.ID, WeekNumber: 1, Subject: "s", Body: "b"}
				err := s.InsertEmailRecord(ctx, &rec)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					oks++
				case assert.ErrorIs(t, err, ErrDuplicateRecord):
					dups++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, oks)
		assert.Equal(t, 4, dups)
	})

	t.Run("stale pending records are failed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("stale@example.com")
		require.NoError(t, s.CreateUser(ctx, &u))
		rec := models.EmailRecord{UserID: u.ID, WeekNumber: 1, Subject: "s", Body: "b"}
		require.NoError(t, s.InsertEmailRecord(ctx, &rec))

		n, err := s.FailStalePending(ctx, time.Now().Add(-time.Hour), "abandoned")
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.FailStalePending(ctx, time.Now().Add(time.Minute), "abandoned")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		recs, err := s.ListEmailRecords(ctx, u.ID)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, models.StatusFailed, recs[0].Status)
		assert.Equal(t, "abandoned", recs[0].ErrorMsg)
		assert.Equal(t, "b", recs[0].Body)
	})

	t.Run("delivery events", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u := newUser("events@example.com")
		require.NoError(t, s.CreateUser(ctx, &u))
		rec := models.EmailRecord{UserID: u.ID, WeekNumber: 1, Subject: "s", Body: "b"}
		require.NoError(t, s.InsertEmailRecord(ctx, &rec))
		require.NoError(t, s.MarkEmailSent(ctx, MarkSentParams{
			RecordID: rec.ID, UserID: u.ID, SentAt: time.Now(), ProviderMessageID: "prov-42", Progress: true, Week: 1,
		}))

		at := time.Now().UTC()
		require.NoError(t, s.RecordDeliveryEvent(ctx, "prov-42", models.EventClicked, at))
		require.NoError(t, s.RecordDeliveryEvent(ctx, "prov-42", models.EventClicked, at.Add(time.Minute)))
		assert.ErrorIs(t, s.RecordDeliveryEvent(ctx, "unknown", models.EventOpened, at), ErrNotFound)

		latest, err := s.LatestSentRecord(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, latest.ClickCount)
		require.NotNil(t, latest.OpenedAt)
		assert.WithinDuration(t, at, *latest.OpenedAt, time.Second)
	})
}

func newUser(email string) models.User {
	return models.User{
		Email:    email,
		Name:     "Test User",
		Timezone: "America/New_York",
		Goals:    []string{"delegate more", "run better 1:1s"},
		Active:   true,
	}
}
