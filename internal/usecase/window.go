package usecase

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"mortgage-assistant/internal/domain"
)

// DefaultWindowSize is the number of most recent turns sent to the model.
const DefaultWindowSize = 15

const DefaultCompany = "Secure Mortgage"

const DefaultPersonaTemplate = "You are a knowledgeable mortgage assistant for {{.Company}}, " +
	"providing expert information about mortgages, home loans, and related financial services. " +
	"Be professional, friendly, and format your responses in Markdown. " +
	"The user's name is {{.UserName}}. " +
	"Use previous interactions to personalize your responses. " +
	"Prioritize security, confidentiality, and accuracy in all discussions."

// Persona renders the system preamble for a conversation.
type Persona struct {
	company string
	tmpl    *template.Template
}

type personaData struct {
	Company  string
	UserName string
}

// NewPersona parses tmpl (DefaultPersonaTemplate when blank) and verifies it
// renders with the supported fields.
func NewPersona(company, tmpl string) (*Persona, error) {
	company = strings.TrimSpace(company)
	if company == "" {
		company = DefaultCompany
	}
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultPersonaTemplate
	}
	t, err := template.New("persona").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("usecase: parse persona template: %w", err)
	}
	p := &Persona{company: company, tmpl: t}
	if _, err := p.Render("Test"); err != nil {
		return nil, err
	}
	return p, nil
}

// Render returns the system preamble addressed to userName.
func (p *Persona) Render(userName string) (string, error) {
	if p == nil || p.tmpl == nil {
		return "", errors.New("usecase: persona not initialized")
	}
	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, personaData{Company: p.company, UserName: userName}); err != nil {
		return "", fmt.Errorf("usecase: render persona: %w", err)
	}
	return buf.String(), nil
}

// BuildWindow selects the last size turns of history, in order, and attaches
// the persona preamble. history is not modified.
func BuildWindow(history []domain.Turn, persona *Persona, userName string, size int) (domain.PromptPayload, error) {
	if size <= 0 {
		size = DefaultWindowSize
	}
	system, err := persona.Render(userName)
	if err != nil {
		return domain.PromptPayload{}, err
	}

	start := 0
	if len(history) > size {
		start = len(history) - size
	}
	window := history[start:]

	messages := make([]domain.ChatMessage, 0, len(window))
	for _, t := range window {
		messages = append(messages, domain.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return domain.PromptPayload{System: system, Messages: messages}, nil
}
