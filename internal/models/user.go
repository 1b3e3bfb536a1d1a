package models

import "time"

const (
	// ProgramWeeks is the terminal value of User.ProgramWeek.
	ProgramWeeks = 12

	// WelcomeWeek is the program week the welcome email covers.
	WelcomeWeek = 1

	MaxGoals = 3
)

type User struct {
	ID       int64    `json:"id"`
	Email    string   `json:"email"`
	Name     string   `json:"name,omitempty"`
	Timezone string   `json:"timezone"`
	Goals    []string `json:"goals"`

	ProgramWeek     int        `json:"program_week"`
	Active          bool       `json:"active"`
	LastEmailSentAt *time.Time `json:"last_email_sent_at,omitempty"`

	Context *LeadershipContext `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Schedulable is the coarse store-side filter: active and not finished.
func (u User) Schedulable() bool {
	return u.Active && u.ProgramWeek < ProgramWeeks
}

// LeadershipContext is optional profile data used to personalize content.
type LeadershipContext struct {
	Role            string `json:"role,omitempty"`
	TeamSize        string `json:"team_size,omitempty"`
	Industry        string `json:"industry,omitempty"`
	WorkEnvironment string `json:"work_environment,omitempty"`
}

func (c *LeadershipContext) Empty() bool {
	return c == nil || (c.Role == "" && c.TeamSize == "" && c.Industry == "" && c.WorkEnvironment == "")
}
