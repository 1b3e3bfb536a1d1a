package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

var coachingTmpl = template.Must(template.ParseFS(templateFS, "templates/coaching.html"))

type CoachingData struct {
	Name       string
	Goals      []string
	Week       int
	TotalWeeks int
	Welcome    bool
	Resend     bool

	Feedback        string
	ActionItem      string
	SuccessCriteria string
	Connection      string
}

// RenderCoaching renders the weekly coaching email body. Values are
// HTML-escaped by the template.
func RenderCoaching(data CoachingData) (string, error) {
	var body bytes.Buffer
	if err := coachingTmpl.Execute(&body, data); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	return body.String(), nil
}
