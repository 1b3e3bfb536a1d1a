package models

import "time"

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// EmailRecord is the write-ahead log entry for one delivery attempt. It is
// persisted in pending state before the transmitter is called.
type EmailRecord struct {
	ID         int64 `json:"id" db:"id"`
	UserID     int64 `json:"user_id" db:"user_id"`
	WeekNumber int   `json:"week_number" db:"week_number"`

	Subject    string `json:"subject" db:"subject"`
	Body       string `json:"body" db:"body"`
	ActionItem string `json:"action_item" db:"action_item"`

	Status            DeliveryStatus `json:"status" db:"status"`
	Resend            bool           `json:"resend" db:"is_resend"`
	ErrorMsg          string         `json:"error_msg,omitempty" db:"error_msg"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" db:"provider_message_id"`

	SentAt     *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	OpenedAt   *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	BouncedAt  *time.Time `json:"bounced_at,omitempty" db:"bounced_at"`
	ClickCount int        `json:"click_count" db:"click_count"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Open reports whether the record still counts towards the one-per-week rule.
func (r EmailRecord) Open() bool {
	return !r.Resend && (r.Status == StatusPending || r.Status == StatusSent)
}

type DeliveryEvent string

const (
	EventOpened  DeliveryEvent = "opened"
	EventClicked DeliveryEvent = "clicked"
	EventBounced DeliveryEvent = "bounced"
)

func (e DeliveryEvent) Valid() bool {
	switch e {
	case EventOpened, EventClicked, EventBounced:
		return true
	}
	return false
}
