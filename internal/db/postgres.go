package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LeaderDrip/internal/db/migrations"
	"LeaderDrip/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, conn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{Pool: pool}, nil
}

// Migrate applies the embedded goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	sqlDB := stdlib.OpenDBFromPool(s.Pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

const userColumns = `id, email, name, timezone, goals, program_week, active, last_email_sent_at,
	role, team_size, industry, work_environment, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	goalsJSON, err := json.Marshal(nonNilGoals(u.Goals))
	if err != nil {
		return err
	}

	lc := u.Context
	if lc == nil {
		lc = &models.LeadershipContext{}
	}
	u.Email = normalizeEmail(u.Email)

	err = s.Pool.QueryRow(ctx,
		`INSERT INTO users
		 (email, name, timezone, goals, program_week, active, role, team_size, industry, work_environment)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id, created_at, updated_at`,
		u.Email,
		u.Name,
		u.Timezone,
		goalsJSON,
		u.ProgramWeek,
		u.Active,
		lc.Role,
		lc.TeamSize,
		lc.Industry,
		lc.WorkEnvironment,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)

	if isPgUniqueViolation(err) {
		return ErrUserExists
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (models.User, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return scanPgUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, normalizeEmail(email))
	return scanPgUser(row)
}

func (s *PostgresStore) ListSchedulableUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE active AND program_week < $1
		 ORDER BY id`,
		models.ProgramWeeks,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) HasSentSince(ctx context.Context, userID int64, since time.Time) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM email_records
		   WHERE user_id=$1 AND NOT is_resend AND sent_at >= $2
		 )`,
		userID,
		since,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) HasOpenRecord(ctx context.Context, userID int64, week int) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM email_records
		   WHERE user_id=$1 AND week_number=$2
		     AND NOT is_resend AND status IN ($3, $4)
		 )`,
		userID,
		week,
		models.StatusPending,
		models.StatusSent,
	).Scan(&exists)
	return exists, err
}

const recordColumns = `id, user_id, week_number, subject, body, action_item, status, is_resend,
	error_msg, provider_message_id, sent_at, opened_at, bounced_at, click_count, created_at, updated_at`

func (s *PostgresStore) LatestSentRecord(ctx context.Context, userID int64) (models.EmailRecord, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+recordColumns+` FROM email_records
		 WHERE user_id=$1 AND status=$2
		 ORDER BY sent_at DESC, id DESC
		 LIMIT 1`,
		userID,
		models.StatusSent,
	)
	if err != nil {
		return models.EmailRecord{}, err
	}

	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[models.EmailRecord])
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListEmailRecords(ctx context.Context, userID int64) ([]models.EmailRecord, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+recordColumns+` FROM email_records
		 WHERE user_id=$1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.EmailRecord])
}

func (s *PostgresStore) InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error {
	rec.Status = models.StatusPending

	err := s.Pool.QueryRow(ctx,
		`INSERT INTO email_records
		 (user_id, week_number, subject, body, action_item, status, is_resend, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,NOW(),NOW())
		 RETURNING id, created_at, updated_at`,
		rec.UserID,
		rec.WeekNumber,
		rec.Subject,
		rec.Body,
		rec.ActionItem,
		rec.Status,
		rec.Resend,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)

	if isPgUniqueViolation(err) {
		return ErrDuplicateRecord
	}
	return err
}

// MarkEmailSent flips the record and advances the user in one transaction so
// a crash can never leave a sent record behind a stale program week.
func (s *PostgresStore) MarkEmailSent(ctx context.Context, p MarkSentParams) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE email_records
			 SET status=$1,
			     sent_at=$2,
			     provider_message_id=$3,
			     updated_at=NOW()
			 WHERE id=$4`,
			models.StatusSent,
			p.SentAt,
			p.ProviderMessageID,
			p.RecordID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if !p.Progress {
			return nil
		}

		tag, err = tx.Exec(ctx,
			`UPDATE users
			 SET program_week=GREATEST(program_week, LEAST($1, $2)),
			     last_email_sent_at=$3,
			     updated_at=NOW()
			 WHERE id=$4`,
			p.Week,
			models.ProgramWeeks,
			p.SentAt,
			p.UserID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) MarkEmailFailed(ctx context.Context, id int64, reason string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_records
		 SET status=$1,
		     error_msg=$2,
		     updated_at=NOW()
		 WHERE id=$3`,
		models.StatusFailed,
		reason,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FailStalePending(ctx context.Context, before time.Time, reason string) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE email_records
		 SET status=$1,
		     error_msg=$2,
		     updated_at=NOW()
		 WHERE status=$3 AND created_at < $4`,
		models.StatusFailed,
		reason,
		models.StatusPending,
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordDeliveryEvent(ctx context.Context, messageID string, event models.DeliveryEvent, at time.Time) error {
	var query string
	switch event {
	case models.EventOpened:
		query = `UPDATE email_records SET opened_at=COALESCE(opened_at, $1), updated_at=NOW()
		         WHERE provider_message_id=$2`
	case models.EventClicked:
		query = `UPDATE email_records SET opened_at=COALESCE(opened_at, $1), click_count=click_count+1, updated_at=NOW()
		         WHERE provider_message_id=$2`
	case models.EventBounced:
		query = `UPDATE email_records SET bounced_at=COALESCE(bounced_at, $1), updated_at=NOW()
		         WHERE provider_message_id=$2`
	default:
		return fmt.Errorf("record delivery event: unknown event %q", event)
	}

	if messageID == "" {
		return ErrNotFound
	}

	tag, err := s.Pool.Exec(ctx, query, at, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPgUser(row pgx.Row) (models.User, error) {
	var (
		u         models.User
		goalsJSON []byte
		lc        models.LeadershipContext
	)

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.Timezone,
		&goalsJSON,
		&u.ProgramWeek,
		&u.Active,
		&u.LastEmailSentAt,
		&lc.Role,
		&lc.TeamSize,
		&lc.Industry,
		&lc.WorkEnvironment,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}

	if err := json.Unmarshal(goalsJSON, &u.Goals); err != nil {
		return models.User{}, fmt.Errorf("decode goals for user %d: %w", u.ID, err)
	}
	if !lc.Empty() {
		u.Context = &lc
	}
	return u, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nonNilGoals(goals []string) []string {
	if goals == nil {
		return []string{}
	}
	return goals
}
