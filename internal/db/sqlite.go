package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"LeaderDrip/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLite opens (creating if needed) the database file and initializes
// the schema.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	conn, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	// Single writer.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &SQLiteStore{db: conn}
	if err := s.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			goals TEXT NOT NULL DEFAULT '[]',
			program_week INTEGER NOT NULL DEFAULT 0 CHECK (program_week BETWEEN 0 AND 12),
			active BOOLEAN NOT NULL DEFAULT true,
			last_email_sent_at TIMESTAMP,
			role TEXT NOT NULL DEFAULT '',
			team_size TEXT NOT NULL DEFAULT '',
			industry TEXT NOT NULL DEFAULT '',
			work_environment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS email_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			week_number INTEGER NOT NULL CHECK (week_number BETWEEN 1 AND 12),
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			action_item TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'failed')),
			is_resend BOOLEAN NOT NULL DEFAULT false,
			error_msg TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			sent_at TIMESTAMP,
			opened_at TIMESTAMP,
			bounced_at TIMESTAMP,
			click_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS email_records_one_per_week
			ON email_records (user_id, week_number)
			WHERE status IN ('pending', 'sent') AND is_resend = 0`,
		`CREATE INDEX IF NOT EXISTS email_records_user_sent_idx ON email_records (user_id, sent_at)`,
		`CREATE INDEX IF NOT EXISTS email_records_provider_msg_idx ON email_records (provider_message_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqliteUser struct {
	ID              int64      `db:"id"`
	Email           string     `db:"email"`
	Name            string     `db:"name"`
	Timezone        string     `db:"timezone"`
	Goals           string     `db:"goals"`
	ProgramWeek     int        `db:"program_week"`
	Active          bool       `db:"active"`
	LastEmailSentAt *time.Time `db:"last_email_sent_at"`
	Role            string     `db:"role"`
	TeamSize        string     `db:"team_size"`
	Industry        string     `db:"industry"`
	WorkEnvironment string     `db:"work_environment"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func (r sqliteUser) toModel() (models.User, error) {
	u := models.User{
		ID:              r.ID,
		Email:           r.Email,
		Name:            r.Name,
		Timezone:        r.Timezone,
		ProgramWeek:     r.ProgramWeek,
		Active:          r.Active,
		LastEmailSentAt: r.LastEmailSentAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.Goals), &u.Goals); err != nil {
		return models.User{}, fmt.Errorf("decode goals for user %d: %w", r.ID, err)
	}

	lc := models.LeadershipContext{
		Role:            r.Role,
		TeamSize:        r.TeamSize,
		Industry:        r.Industry,
		WorkEnvironment: r.WorkEnvironment,
	}
	if !lc.Empty() {
		u.Context = &lc
	}
	return u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *models.User) error {
	goalsJSON, err := json.Marshal(nonNilGoals(u.Goals))
	if err != nil {
		return err
	}

	lc := u.Context
	if lc == nil {
		lc = &models.LeadershipContext{}
	}
	u.Email = normalizeEmail(u.Email)
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users
		 (email, name, timezone, goals, program_week, active, role, team_size, industry, work_environment, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.Email, u.Name, u.Timezone, string(goalsJSON), u.ProgramWeek, u.Active,
		lc.Role, lc.TeamSize, lc.Industry, lc.WorkEnvironment, now, now,
	)
	if isSQLiteUniqueViolation(err) {
		return ErrUserExists
	}
	if err != nil {
		return err
	}

	u.ID, err = res.LastInsertId()
	u.CreatedAt = now
	u.UpdatedAt = now
	return err
}

func (s *SQLiteStore) getUser(ctx context.Context, where string, arg any) (models.User, error) {
	var row sqliteUser
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	return row.toModel()
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return s.getUser(ctx, "email = ?", normalizeEmail(email))
}

func (s *SQLiteStore) ListSchedulableUsers(ctx context.Context) ([]models.User, error) {
	var rows []sqliteUser
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM users WHERE active AND program_week < ? ORDER BY id`,
		models.ProgramWeeks,
	)
	if err != nil {
		return nil, err
	}

	users := make([]models.User, 0, len(rows))
	for _, r := range rows {
		u, err := r.toModel()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *SQLiteStore) HasSentSince(ctx context.Context, userID int64, since time.Time) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (
		   SELECT 1 FROM email_records
		   WHERE user_id = ? AND is_resend = 0 AND sent_at >= ?
		 )`,
		userID, since.UTC(),
	)
	return exists, err
}

func (s *SQLiteStore) HasOpenRecord(ctx context.Context, userID int64, week int) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (
		   SELECT 1 FROM email_records
		   WHERE user_id = ? AND week_number = ? AND is_resend = 0 AND status IN (?, ?)
		 )`,
		userID, week, models.StatusPending, models.StatusSent,
	)
	return exists, err
}

func (s *SQLiteStore) LatestSentRecord(ctx context.Context, userID int64) (models.EmailRecord, error) {
	var rec models.EmailRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM email_records
		 WHERE user_id = ? AND status = ?
		 ORDER BY sent_at DESC, id DESC
		 LIMIT 1`,
		userID, models.StatusSent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmailRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListEmailRecords(ctx context.Context, userID int64) ([]models.EmailRecord, error) {
	var recs []models.EmailRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM email_records WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	return recs, err
}

func (s *SQLiteStore) InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error {
	now := time.Now().UTC()
	rec.Status = models.StatusPending

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO email_records
		 (user_id, week_number, subject, body, action_item, status, is_resend, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.UserID, rec.WeekNumber, rec.Subject, rec.Body, rec.ActionItem,
		rec.Status, rec.Resend, now, now,
	)
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicateRecord
	}
	if err != nil {
		return err
	}

	rec.ID, err = res.LastInsertId()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return err
}

func (s *SQLiteStore) MarkEmailSent(ctx context.Context, p MarkSentParams) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sentAt := p.SentAt.UTC()

	res, err := tx.ExecContext(ctx,
		`UPDATE email_records
		 SET status = ?, sent_at = ?, provider_message_id = ?, updated_at = ?
		 WHERE id = ?`,
		models.StatusSent, sentAt, p.ProviderMessageID, now, p.RecordID,
	)
	if err := requireAffected(res, err); err != nil {
		return err
	}

	if p.Progress {
		res, err = tx.ExecContext(ctx,
			`UPDATE users
			 SET program_week = MAX(program_week, MIN(?, ?)),
			     last_email_sent_at = ?,
			     updated_at = ?
			 WHERE id = ?`,
			p.Week, models.ProgramWeeks, sentAt, now, p.UserID,
		)
		if err := requireAffected(res, err); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) MarkEmailFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_records SET status = ?, error_msg = ?, updated_at = ? WHERE id = ?`,
		models.StatusFailed, reason, time.Now().UTC(), id,
	)
	return requireAffected(res, err)
}

func (s *SQLiteStore) FailStalePending(ctx context.Context, before time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_records SET status = ?, error_msg = ?, updated_at = ?
		 WHERE status = ? AND created_at < ?`,
		models.StatusFailed, reason, time.Now().UTC(), models.StatusPending, before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecordDeliveryEvent(ctx context.Context, messageID string, event models.DeliveryEvent, at time.Time) error {
	var set string
	switch event {
	case models.EventOpened:
		set = `opened_at = COALESCE(opened_at, ?)`
	case models.EventClicked:
		set = `opened_at = COALESCE(opened_at, ?), click_count = click_count + 1`
	case models.EventBounced:
		set = `bounced_at = COALESCE(bounced_at, ?)`
	default:
		return fmt.Errorf("record delivery event: unknown event %q", event)
	}

	if messageID == "" {
		return ErrNotFound
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE email_records SET `+set+`, updated_at = ? WHERE provider_message_id = ?`,
		at.UTC(), time.Now().UTC(), messageID,
	)
	return requireAffected(res, err)
}

func requireAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
