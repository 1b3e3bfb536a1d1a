// Package eligibility decides which users are due for their weekly email.
//
// A user is due when their local clock reads Monday at the send hour and
// nothing has gone out to them since local Monday 00:00. The window is one
// scheduler tick wide; a missed tick is not caught up.
package eligibility

import (
	"context"
	"fmt"
	"time"

	"LeaderDrip/internal/models"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// UserSource is the slice of the store the selector reads.
type UserSource interface {
	ListSchedulableUsers(ctx context.Context) ([]models.User, error)
	HasSentSince(ctx context.Context, userID int64, since time.Time) (bool, error)
}

type Selector struct {
	store    UserSource
	logger   *zap.Logger
	sendHour int

	// ServerLocation is used when a user's timezone cannot be loaded.
	ServerLocation *time.Location

	locations *cache.Cache
}

func New(store UserSource, sendHour int, logger *zap.Logger) *Selector {
	return &Selector{
		store:          store,
		logger:         logger,
		sendHour:       sendHour,
		ServerLocation: time.Local,
		locations:      cache.New(24*time.Hour, time.Hour),
	}
}

// SelectUsersDueForEmail returns the users whose weekly email should be
// enqueued at now. Calling it twice without an intervening send returns
// the same set.
func (s *Selector) SelectUsersDueForEmail(ctx context.Context, now time.Time) ([]models.User, error) {
	candidates, err := s.store.ListSchedulableUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("eligibility: list candidates: %w", err)
	}

	var due []models.User
	for _, u := range candidates {
		if !u.Schedulable() {
			continue
		}

		local := now.In(s.location(u))
		if !InWindow(local, s.sendHour) {
			continue
		}

		weekStart := StartOfWeek(local)

		if u.LastEmailSentAt != nil && !u.LastEmailSentAt.Before(weekStart) {
			continue
		}

		sent, err := s.store.HasSentSince(ctx, u.ID, weekStart)
		if err != nil {
			s.logger.Error("duplicate check failed, skipping user",
				zap.Int64("user_id", u.ID),
				zap.Error(err),
			)
			continue
		}
		if sent {
			continue
		}

		due = append(due, u)
	}

	return due, nil
}

func (s *Selector) location(u models.User) *time.Location {
	if loc, ok := s.locations.Get(u.Timezone); ok {
		return loc.(*time.Location)
	}

	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		s.logger.Warn("invalid timezone, evaluating window in server time",
			zap.Int64("user_id", u.ID),
			zap.String("timezone", u.Timezone),
			zap.Error(err),
		)
		return s.ServerLocation
	}

	s.locations.SetDefault(u.Timezone, loc)
	return loc
}

// InWindow reports whether local falls in the Monday send hour.
func InWindow(local time.Time, sendHour int) bool {
	return local.Weekday() == time.Monday && local.Hour() == sendHour
}

// StartOfWeek returns Monday 00:00 of the week containing t, in t's location.
func StartOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, t.Location())
}
