package csvparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	in := "\ufeffEmail,Timezone,Name,Goal1,Goal2,Goal3,Role,TeamSize,Notes\n" +
		"ana@example.com,America/New_York,Ana,Delegate more,Run better 1:1s,,Engineering Manager,8,vip\n" +
		"ben@example.com,Europe/Berlin,Ben,Give feedback,,,,,\n"

	rows, rowErrs, err := Parse(strings.NewReader(in), 0)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)
	require.Len(t, rows, 2)

	ana := rows[0]
	assert.Equal(t, 2, ana.Line)
	assert.Equal(t, "ana@example.com", ana.Email)
	assert.Equal(t, "America/New_York", ana.Timezone)
	assert.Equal(t, []string{"Delegate more", "Run better 1:1s"}, ana.Goals)
	assert.Equal(t, "Engineering Manager", ana.Context.Role)
	assert.Equal(t, "8", ana.Context.TeamSize)

	u := ana.User()
	assert.True(t, u.Active)
	assert.Zero(t, u.ProgramWeek)
	require.NotNil(t, u.Context)
	assert.Equal(t, "Engineering Manager", u.Context.Role)

	assert.Nil(t, rows[1].User().Context, "empty context is dropped")
}

func TestParse_RowErrors(t *testing.T) {
	in := "email,timezone,goal1\n" +
		"ok@example.com,UTC,Listen\n" +
		",UTC,Listen\n" +
		"short@example.com,UTC\n" +
		"OK@example.com,UTC,Again\n"

	rows, rowErrs, err := Parse(strings.NewReader(in), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rowErrs, 3)

	assert.Equal(t, RowError{Line: 3, Reason: "missing email"}, rowErrs[0])
	assert.Equal(t, 4, rowErrs[1].Line)
	assert.Contains(t, rowErrs[1].Reason, "expected 3 fields")
	assert.Equal(t, "duplicate email in file", rowErrs[2].Reason)
	assert.Equal(t, "line 3: missing email", rowErrs[0].Error())
}

func TestParse_MaxRows(t *testing.T) {
	in := "Email\na@example.com\nb@example.com\nc@example.com\n"

	rows, _, err := Parse(strings.NewReader(in), 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{name: "empty", in: "", want: ErrNoRows},
		{name: "header only", in: "Email,Timezone\n", want: ErrNoRows},
		{name: "no email column", in: "Name,Timezone\nAna,UTC\n", want: ErrNoEmailColumn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(strings.NewReader(tt.in), 0)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
