// Package db holds the persistent store: users and the email delivery log.
// Three implementations share one contract: in-memory (tests and single
// process demos), PostgreSQL via pgx, and SQLite via sqlx.
package db

import (
	"context"
	"errors"
	"time"

	"LeaderDrip/internal/models"
)

var (
	ErrNotFound   = errors.New("db: not found")
	ErrUserExists = errors.New("db: user already exists")

	// ErrDuplicateRecord is returned when a non-resend pending or sent record
	// already exists for the same user and week.
	ErrDuplicateRecord = errors.New("db: open email record already exists for week")
)

type MarkSentParams struct {
	RecordID          int64
	UserID            int64
	SentAt            time.Time
	ProviderMessageID string

	// Progress advances the user to Week (never backwards) and stamps
	// last_email_sent_at. Resends leave the user untouched.
	Progress bool
	Week     int
}

type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (models.User, error)
	GetUserByEmail(ctx context.Context, email string) (models.User, error)

	// ListSchedulableUsers returns active users with program_week < 12.
	ListSchedulableUsers(ctx context.Context) ([]models.User, error)

	// HasSentSince reports whether a non-resend record was sent at or after since.
	HasSentSince(ctx context.Context, userID int64, since time.Time) (bool, error)
	HasOpenRecord(ctx context.Context, userID int64, week int) (bool, error)
	LatestSentRecord(ctx context.Context, userID int64) (models.EmailRecord, error)
	ListEmailRecords(ctx context.Context, userID int64) ([]models.EmailRecord, error)

	InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error
	MarkEmailSent(ctx context.Context, p MarkSentParams) error
	MarkEmailFailed(ctx context.Context, id int64, reason string) error

	// FailStalePending flips pending records created before the cutoff to
	// failed and returns how many were changed.
	FailStalePending(ctx context.Context, before time.Time, reason string) (int64, error)

	RecordDeliveryEvent(ctx context.Context, messageID string, event models.DeliveryEvent, at time.Time) error

	Ping(ctx context.Context) error
	Close()
}
