// Package content produces the coaching text for each program week.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"LeaderDrip/internal/models"
)

var ErrNoGoals = errors.New("content: at least one goal is required")

type Request struct {
	Name           string
	Goals          []string
	Week           int
	PreviousAction string
	Context        *models.LeadershipContext
}

func (r Request) Validate() error {
	if len(r.Goals) == 0 {
		return ErrNoGoals
	}
	if r.Week < 1 || r.Week > models.ProgramWeeks {
		return fmt.Errorf("content: week %d out of range", r.Week)
	}
	return nil
}

// Content is one week of coaching. ActionItem is what the next week's
// request receives as PreviousAction.
type Content struct {
	Feedback        string `json:"feedback"`
	ActionItem      string `json:"action_item"`
	SuccessCriteria string `json:"success_criteria"`
	Connection      string `json:"connection"`
}

// Generator must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req Request) (Content, error)
}

// SubjectLine builds the subject for a week's email from its action item.
func SubjectLine(week int, action string) string {
	if week == models.WelcomeWeek {
		return "Welcome to your leadership journey: week 1"
	}

	action = strings.TrimSpace(action)
	if action == "" {
		return fmt.Sprintf("Week %d: your next leadership step", week)
	}

	const maxLen = 60
	if r := []rune(action); len(r) > maxLen {
		action = strings.TrimSpace(string(r[:maxLen])) + "…"
	}
	return fmt.Sprintf("Week %d: %s", week, action)
}

const systemPrompt = `You are an executive leadership coach running a 12 week program.
Each week you write one short coaching email for a manager working on their own goals.

Rules:
- Week 1 introduces the program and sets a first, small action.
- Every later week must build on the previous week's action instead of repeating it.
- Keep each field to 2-4 sentences. Plain text, no markdown.
- The action_item is one concrete thing the reader can do this week.

Respond ONLY with valid JSON matching this exact schema, no markdown fences, no preamble:
{
  "feedback": "...",
  "action_item": "...",
  "success_criteria": "...",
  "connection": "..."
}`

func buildPrompt(req Request) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "program_week: %d of %d\n", req.Week, models.ProgramWeeks)
	if req.Name != "" {
		fmt.Fprintf(&sb, "name: %s\n", req.Name)
	}

	sb.WriteString("goals:\n")
	for i, g := range req.Goals {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, g)
	}

	if req.PreviousAction != "" {
		fmt.Fprintf(&sb, "previous_week_action: %s\n", req.PreviousAction)
	}

	if c := req.Context; !c.Empty() {
		sb.WriteString("leadership_context:\n")
		writeField(&sb, "role", c.Role)
		writeField(&sb, "team_size", c.TeamSize)
		writeField(&sb, "industry", c.Industry)
		writeField(&sb, "work_environment", c.WorkEnvironment)
	}

	return sb.String()
}

func writeField(sb *strings.Builder, name, value string) {
	if value != "" {
		fmt.Fprintf(sb, "  %s: %s\n", name, value)
	}
}

// parseContent decodes the model's JSON reply.
func parseContent(raw string) (Content, error) {
	// Strip any accidental markdown fences the model may have added.
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Content{}, fmt.Errorf("content: parse response JSON: %w (raw: %.200s)", err, raw)
	}
	if strings.TrimSpace(c.ActionItem) == "" || strings.TrimSpace(c.Feedback) == "" {
		return Content{}, errors.New("content: response missing feedback or action_item")
	}
	return c, nil
}
