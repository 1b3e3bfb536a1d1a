package content

import (
	"context"
	"fmt"
	"strings"

	"LeaderDrip/internal/models"
)

type weekTheme struct {
	focus  string
	action string
	check  string
}

// themes[i] covers program week i+1.
var themes = [models.ProgramWeeks]weekTheme{
	{"setting your baseline", "write down where you stand today on %s and share it with one colleague", "you have a written baseline and one person who knows your goal"},
	{"noticing patterns", "keep a short daily note of moments that relate to %s", "five notes by Friday"},
	{"asking for input", "ask two people for one specific observation about how you handle %s", "two concrete observations collected"},
	{"small experiments", "pick one meeting this week to try a new approach to %s", "one experiment run and reflected on"},
	{"building habits", "schedule a recurring 15 minute block for %s", "the block is on your calendar and you kept it"},
	{"handling setbacks", "revisit one moment this week where %s did not go as planned and note what you would change", "one setback reviewed without self-judgement"},
	{"involving your team", "tell your team what you are working on with %s and invite feedback", "your team knows your goal"},
	{"scaling up", "apply what works for %s to a higher stakes situation", "one higher stakes attempt made"},
	{"coaching others", "help someone else with a challenge similar to %s", "one coaching conversation held"},
	{"measuring progress", "compare your week 1 baseline on %s with today", "a written before and after comparison"},
	{"making it stick", "decide which %s practice you will keep after the program", "one practice chosen and scheduled"},
	{"looking ahead", "write a note to yourself three months from now about %s", "a letter you will reopen in three months"},
}

// TemplateGenerator builds deterministic content without any remote call.
// It is the fallback when a provider is unavailable.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, req Request) (Content, error) {
	if err := req.Validate(); err != nil {
		return Content{}, err
	}
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}

	theme := themes[req.Week-1]
	goal := req.Goals[(req.Week-1)%len(req.Goals)]

	var feedback strings.Builder
	if req.Name != "" {
		fmt.Fprintf(&feedback, "Hi %s. ", req.Name)
	}
	fmt.Fprintf(&feedback, "Week %d is about %s.", req.Week, theme.focus)
	if c := req.Context; !c.Empty() && c.Role != "" {
		fmt.Fprintf(&feedback, " As a %s, small consistent steps matter more than big gestures.", strings.ToLower(c.Role))
	}

	connection := "This first step sets the foundation for the weeks ahead."
	if req.PreviousAction != "" {
		connection = fmt.Sprintf("Last week you worked on: %q. This week builds on it.", req.PreviousAction)
	}

	return Content{
		Feedback:        feedback.String(),
		ActionItem:      capitalize(fmt.Sprintf(theme.action, strings.ToLower(goal))),
		SuccessCriteria: capitalize(theme.check),
		Connection:      connection,
	}, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
