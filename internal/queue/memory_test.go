package queue

import (
	"context"
	"testing"
	"time"

	"LeaderDrip/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(id string, p models.Payload, runAt time.Time) models.Job {
	return models.Job{ID: id, Payload: p, EnqueuedAt: runAt, RunAt: runAt}
}

func weekly(id int64, week int) models.Payload {
	return models.WeeklyPayload{User: models.User{ID: id, Email: "u@example.com"}, WeekNumber: week}
}

func welcome(id int64) models.Payload {
	return models.WelcomePayload{User: models.User{ID: id, Email: "u@example.com"}}
}

func TestMemoryBackend_WelcomeBeforeWeekly(t *testing.T) {
	b := NewMemoryBackend(time.Hour)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, b.Enqueue(ctx, testJob("w1", weekly(1, 2), now)))
	require.NoError(t, b.Enqueue(ctx, testJob("w2", weekly(2, 2), now)))
	require.NoError(t, b.Enqueue(ctx, testJob("hello", welcome(3), now)))

	var order []string
	for range 3 {
		job, ok, err := b.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"hello", "w1", "w2"}, order)

	_, ok, err := b.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBackend_DelayedJobs(t *testing.T) {
	b := NewMemoryBackend(time.Hour)
	ctx := context.Background()

	clock := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	require.NoError(t, b.Enqueue(ctx, testJob("later", weekly(1, 3), clock.Add(time.Minute))))

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatus{Delayed: 1}, st)

	_, ok, err := b.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	clock = clock.Add(time.Minute)
	job, ok, err := b.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "later", job.ID)
}

func TestMemoryBackend_Lifecycle(t *testing.T) {
	b := NewMemoryBackend(time.Hour)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, testJob(id, weekly(1, 1), now)))
	}

	a, _, err := b.Claim(ctx)
	require.NoError(t, err)
	bJob, _, err := b.Claim(ctx)
	require.NoError(t, err)
	c, _, err := b.Claim(ctx)
	require.NoError(t, err)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Active)

	require.NoError(t, b.Ack(ctx, a))
	require.NoError(t, b.Bury(ctx, bJob))
	require.NoError(t, b.Bury(ctx, c))
	assert.Error(t, b.Ack(ctx, a), "ack of a settled job")

	st, err = b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatus{Completed: 1, Failed: 2}, st)

	failed, err := b.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "c", failed[0].ID)

	failed, err = b.Failed(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestMemoryBackend_Closed(t *testing.T) {
	b := NewMemoryBackend(time.Hour)
	ctx := context.Background()
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Enqueue(ctx, testJob("x", welcome(1), time.Now())), ErrBackendClosed)
	assert.ErrorIs(t, b.Ping(ctx), ErrBackendClosed)
	_, _, err := b.Claim(ctx)
	assert.ErrorIs(t, err, ErrBackendClosed)
}
