package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// Renderer produces message content from step templates and the
// trigger payload. Full template-language support is an external
// concern; implementations here only need variable substitution.
type Renderer interface {
	Render(subject, body string, payload json.RawMessage) (renderedSubject, renderedBody string, err error)
}

// TemplateRenderer renders with text/template. Payload fields are
// addressable as {{.fieldName}}.
type TemplateRenderer struct{}

// NewTemplateRenderer creates the default renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

// Render substitutes payload fields into the subject and body templates.
func (*TemplateRenderer) Render(subject, body string, payload json.RawMessage) (string, string, error) {
	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return "", "", fmt.Errorf("channel: parse payload for rendering: %w", err)
		}
	}

	renderedSubject, err := renderOne("subject", subject, data)
	if err != nil {
		return "", "", err
	}
	renderedBody, err := renderOne("body", body, data)
	if err != nil {
		return "", "", err
	}
	return renderedSubject, renderedBody, nil
}

func renderOne(name, text string, data map[string]any) (string, error) {
	if text == "" {
		return "", nil
	}

	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("channel: parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("channel: render %s: %w", name, err)
	}
	return buf.String(), nil
}
