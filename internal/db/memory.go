package db

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"LeaderDrip/internal/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	users   map[int64]*models.User
	byEmail map[string]int64
	records []*models.EmailRecord

	nextUserID   int64
	nextRecordID int64

	// PingErr lets tests simulate an unreachable store.
	PingErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]*models.User),
		byEmail: make(map[string]int64),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(u.Email)
	if _, ok := s.byEmail[key]; ok {
		return ErrUserExists
	}

	s.nextUserID++
	now := time.Now().UTC()
	u.ID = s.nextUserID
	u.Email = key
	u.CreatedAt = now
	u.UpdatedAt = now

	stored := cloneUser(*u)
	s.users[u.ID] = &stored
	s.byEmail[key] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return cloneUser(*u), nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return cloneUser(*s.users[id]), nil
}

// UpdateUser overwrites mutable user fields. Used by tests and seeding.
func (s *MemoryStore) UpdateUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	u.UpdatedAt = time.Now().UTC()
	stored := cloneUser(u)
	s.users[u.ID] = &stored
	return nil
}

func (s *MemoryStore) ListSchedulableUsers(_ context.Context) ([]models.User, error) {
	if s.PingErr != nil {
		return nil, s.PingErr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		if u.Schedulable() {
			out = append(out, cloneUser(*u))
		}
	}
	slices.SortFunc(out, func(a, b models.User) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *MemoryStore) HasSentSince(_ context.Context, userID int64, since time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.UserID == userID && !r.Resend && r.SentAt != nil && !r.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) HasOpenRecord(_ context.Context, userID int64, week int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hasOpenLocked(userID, week), nil
}

func (s *MemoryStore) hasOpenLocked(userID int64, week int) bool {
	for _, r := range s.records {
		if r.UserID == userID && r.WeekNumber == week && r.Open() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) LatestSentRecord(_ context.Context, userID int64) (models.EmailRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.UserID == userID && r.Status == models.StatusSent {
			return *r, nil
		}
	}
	return models.EmailRecord{}, ErrNotFound
}

func (s *MemoryStore) ListEmailRecords(_ context.Context, userID int64) ([]models.EmailRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.EmailRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].UserID == userID {
			out = append(out, *s.records[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertEmailRecord(_ context.Context, rec *models.EmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[rec.UserID]; !ok {
		return fmt.Errorf("insert email record: user %d: %w", rec.UserID, ErrNotFound)
	}
	if !rec.Resend && s.hasOpenLocked(rec.UserID, rec.WeekNumber) {
		return ErrDuplicateRecord
	}

	s.nextRecordID++
	now := time.Now().UTC()
	rec.ID = s.nextRecordID
	rec.Status = models.StatusPending
	rec.CreatedAt = now
	rec.UpdatedAt = now

	stored := *rec
	s.records = append(s.records, &stored)
	return nil
}

func (s *MemoryStore) record(id int64) *models.EmailRecord {
	for _, r := range s.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (s *MemoryStore) MarkEmailSent(_ context.Context, p MarkSentParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(p.RecordID)
	if r == nil {
		return ErrNotFound
	}
	u, ok := s.users[p.UserID]
	if !ok {
		return ErrNotFound
	}

	sentAt := p.SentAt.UTC()
	r.Status = models.StatusSent
	r.SentAt = &sentAt
	r.ProviderMessageID = p.ProviderMessageID
	r.UpdatedAt = time.Now().UTC()

	if p.Progress {
		u.ProgramWeek = max(u.ProgramWeek, min(p.Week, models.ProgramWeeks))
		u.LastEmailSentAt = &sentAt
		u.UpdatedAt = r.UpdatedAt
	}
	return nil
}

func (s *MemoryStore) MarkEmailFailed(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(id)
	if r == nil {
		return ErrNotFound
	}
	r.Status = models.StatusFailed
	r.ErrorMsg = reason
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailStalePending(_ context.Context, before time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.records {
		if r.Status == models.StatusPending && r.CreatedAt.Before(before) {
			r.Status = models.StatusFailed
			r.ErrorMsg = reason
			r.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordDeliveryEvent(_ context.Context, messageID string, event models.DeliveryEvent, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at = at.UTC()
	for _, r := range s.records {
		if messageID == "" || r.ProviderMessageID != messageID {
			continue
		}
		switch event {
		case models.EventOpened:
			if r.OpenedAt == nil {
				r.OpenedAt = &at
			}
		case models.EventClicked:
			if r.OpenedAt == nil {
				r.OpenedAt = &at
			}
			r.ClickCount++
		case models.EventBounced:
			if r.BouncedAt == nil {
				r.BouncedAt = &at
			}
		default:
			return fmt.Errorf("record delivery event: unknown event %q", event)
		}
		r.UpdatedAt = time.Now().UTC()
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return s.PingErr
}

func (s *MemoryStore) Close() {}

func cloneUser(u models.User) models.User {
	u.Goals = slices.Clone(u.Goals)
	if u.LastEmailSentAt != nil {
		t := *u.LastEmailSentAt
		u.LastEmailSentAt = &t
	}
	if u.Context != nil {
		c := *u.Context
		u.Context = &c
	}
	return u
}
