package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	KindWelcome JobKind = "welcome"
	KindWeekly  JobKind = "weekly"
	KindResend  JobKind = "resend"
)

// Priority orders ready jobs; lower values are claimed first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
)

// PayloadHandler must handle every job kind. Adding a kind means adding a
// method here, which breaks every handler until it is covered.
type PayloadHandler interface {
	HandleWelcome(ctx context.Context, p WelcomePayload) error
	HandleWeekly(ctx context.Context, p WeeklyPayload) error
	HandleResend(ctx context.Context, p ResendPayload) error
}

// Payload is a closed sum type: only the payload structs below implement it.
type Payload interface {
	Kind() JobKind
	Recipient() User
	Week() int
	Dispatch(ctx context.Context, h PayloadHandler) error
	sealed()
}

type WelcomePayload struct {
	User User `json:"user"`
}

func (WelcomePayload) Kind() JobKind     { return KindWelcome }
func (p WelcomePayload) Recipient() User { return p.User }
func (WelcomePayload) Week() int         { return WelcomeWeek }
func (WelcomePayload) sealed()           {}
func (p WelcomePayload) Dispatch(ctx context.Context, h PayloadHandler) error {
	return h.HandleWelcome(ctx, p)
}

type WeeklyPayload struct {
	User       User `json:"user"`
	WeekNumber int  `json:"week_number"`
}

func (WeeklyPayload) Kind() JobKind     { return KindWeekly }
func (p WeeklyPayload) Recipient() User { return p.User }
func (p WeeklyPayload) Week() int       { return p.WeekNumber }
func (WeeklyPayload) sealed()           {}
func (p WeeklyPayload) Dispatch(ctx context.Context, h PayloadHandler) error {
	return h.HandleWeekly(ctx, p)
}

// ResendPayload re-delivers a week the user already reached. It never
// advances the program.
type ResendPayload struct {
	User       User `json:"user"`
	WeekNumber int  `json:"week_number"`
}

func (ResendPayload) Kind() JobKind     { return KindResend }
func (p ResendPayload) Recipient() User { return p.User }
func (p ResendPayload) Week() int       { return p.WeekNumber }
func (ResendPayload) sealed()           {}
func (p ResendPayload) Dispatch(ctx context.Context, h PayloadHandler) error {
	return h.HandleResend(ctx, p)
}

type Job struct {
	ID      string
	Payload Payload

	// Attempt counts executions started so far.
	Attempt    int
	EnqueuedAt time.Time
	RunAt      time.Time

	LastError string
	FailedAt  *time.Time
}

func (j Job) Kind() JobKind {
	if j.Payload == nil {
		return ""
	}
	return j.Payload.Kind()
}

func (j Job) Priority() Priority {
	switch j.Kind() {
	case KindWelcome, KindResend:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

type jobEnvelope struct {
	ID         string     `json:"id"`
	Kind       JobKind    `json:"kind"`
	User       User       `json:"user"`
	Week       int        `json:"week"`
	Attempt    int        `json:"attempt"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	RunAt      time.Time  `json:"run_at"`
	LastError  string     `json:"last_error,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	if j.Payload == nil {
		return nil, fmt.Errorf("job %s: missing payload", j.ID)
	}
	return json.Marshal(jobEnvelope{
		ID:         j.ID,
		Kind:       j.Payload.Kind(),
		User:       j.Payload.Recipient(),
		Week:       j.Payload.Week(),
		Attempt:    j.Attempt,
		EnqueuedAt: j.EnqueuedAt,
		RunAt:      j.RunAt,
		LastError:  j.LastError,
		FailedAt:   j.FailedAt,
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	switch env.Kind {
	case KindWelcome:
		j.Payload = WelcomePayload{User: env.User}
	case KindWeekly:
		j.Payload = WeeklyPayload{User: env.User, WeekNumber: env.Week}
	case KindResend:
		j.Payload = ResendPayload{User: env.User, WeekNumber: env.Week}
	default:
		return fmt.Errorf("job %s: unknown kind %q", env.ID, env.Kind)
	}

	j.ID = env.ID
	j.Attempt = env.Attempt
	j.EnqueuedAt = env.EnqueuedAt
	j.RunAt = env.RunAt
	j.LastError = env.LastError
	j.FailedAt = env.FailedAt
	return nil
}
