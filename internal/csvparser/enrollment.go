package csvparser

import (
	"strings"

	"LeaderDrip/internal/models"
)

const (
	colEmail           = "email"
	colTimezone        = "timezone"
	colName            = "name"
	colRole            = "role"
	colTeamSize        = "teamsize"
	colIndustry        = "industry"
	colWorkEnvironment = "workenvironment"
)

var goalColumns = []string{"goal1", "goal2", "goal3"}

// Enrollment is one parsed data row.
type Enrollment struct {
	Line     int
	Email    string
	Timezone string
	Name     string
	Goals    []string
	Context  models.LeadershipContext
}

// User builds an active user at the start of the program.
func (e Enrollment) User() models.User {
	u := models.User{
		Email:    e.Email,
		Name:     e.Name,
		Timezone: e.Timezone,
		Goals:    e.Goals,
		Active:   true,
	}
	if !e.Context.Empty() {
		c := e.Context
		u.Context = &c
	}
	return u
}

func fromRecord(cols map[string]int, record []string) Enrollment {
	get := func(key string) string {
		i, ok := cols[key]
		if !ok {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	e := Enrollment{
		Email:    get(colEmail),
		Timezone: get(colTimezone),
		Name:     get(colName),
		Context: models.LeadershipContext{
			Role:            get(colRole),
			TeamSize:        get(colTeamSize),
			Industry:        get(colIndustry),
			WorkEnvironment: get(colWorkEnvironment),
		},
	}
	for _, col := range goalColumns {
		if g := get(col); g != "" {
			e.Goals = append(e.Goals, g)
		}
	}
	return e
}
