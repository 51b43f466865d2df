// Package render produces the final HTML body for a broadcast.
package render

import (
	"bytes"
	"fmt"
	"html/template"
)

// Renderer turns a subject and plain body into final markup.
type Renderer interface {
	Render(subject, body string) (string, error)
}

const broadcastTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #222;">
  <h2>{{.Subject}}</h2>
  <div style="white-space: pre-wrap;">{{.Body}}</div>
</body>
</html>`

// HTMLRenderer renders the standard broadcast template.
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTML parses the built-in broadcast template.
func NewHTML() (*HTMLRenderer, error) {
	tmpl, err := template.New("broadcast").Parse(broadcastTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse broadcast template: %w", err)
	}
	return &HTMLRenderer{tmpl: tmpl}, nil
}

// Render executes the template. html/template escapes the inputs.
func (r *HTMLRenderer) Render(subject, body string) (string, error) {
	var buf bytes.Buffer
	err := r.tmpl.Execute(&buf, struct {
		Subject string
		Body    string
	}{Subject: subject, Body: body})
	if err != nil {
		return "", fmt.Errorf("render broadcast template: %w", err)
	}
	return buf.String(), nil
}

// Fallback wraps the subject and body in minimal escaped markup. Used when
// the real renderer fails so job creation never fails on rendering.
func Fallback(subject, body string) string {
	return fmt.Sprintf(
		"<html><body style=\"font-family: Arial, sans-serif; line-height: 1.6;\"><h2>%s</h2><div style=\"white-space: pre-wrap;\">%s</div></body></html>",
		template.HTMLEscapeString(subject),
		template.HTMLEscapeString(body),
	)
}
