package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	lcanthropic "github.com/tmc/langchaingo/llms/anthropic"

	"mortgage-assistant/internal/domain"
)

const DefaultMessagesModel = "claude-3-5-haiku-latest"

// MessagesClient sends the persona as a system message followed by the
// windowed turns as structured messages.
type MessagesClient struct {
	llm       llms.Model
	maxTokens int
}

func NewMessagesClient(apiKey, model string, maxTokens int) (*MessagesClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: api key must not be empty")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultMessagesModel
	}
	llm, err := lcanthropic.New(
		lcanthropic.WithToken(apiKey),
		lcanthropic.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create messages model: %w", err)
	}
	return newMessagesClient(llm, maxTokens)
}

func newMessagesClient(llm llms.Model, maxTokens int) (*MessagesClient, error) {
	if llm == nil {
		return nil, errors.New("anthropic: model must not be nil")
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &MessagesClient{llm: llm, maxTokens: maxTokens}, nil
}

func (c *MessagesClient) Complete(ctx context.Context, payload domain.PromptPayload) (string, error) {
	messages := toMessageContent(payload)
	if len(messages) < 2 {
		return "", errors.New("anthropic: no user message to answer")
	}

	resp, err := c.llm.GenerateContent(ctx, messages, llms.WithMaxTokens(c.maxTokens))
	if err != nil {
		return "", fmt.Errorf("anthropic: generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("anthropic: no choices in response")
	}
	reply := strings.TrimSpace(resp.Choices[0].Content)
	if reply == "" {
		return "", errors.New("anthropic: empty completion")
	}
	return reply, nil
}

// toMessageContent converts a payload into an alternating human/ai sequence
// that starts with a human turn. Consecutive turns of the same role, such as a
// user turn left unanswered by an earlier failure, are merged.
func toMessageContent(payload domain.PromptPayload) []llms.MessageContent {
	out := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeSystem, payload.System)}

	var (
		role  llms.ChatMessageType
		parts []string
	)
	flush := func() {
		if len(parts) > 0 {
			out = append(out, llms.TextParts(role, strings.Join(parts, "\n\n")))
		}
		parts = nil
	}

	for _, m := range payload.Messages {
		next := llms.ChatMessageTypeHuman
		if m.Role == string(domain.RoleAssistant) {
			next = llms.ChatMessageTypeAI
		}
		if len(out) == 1 && len(parts) == 0 && next == llms.ChatMessageTypeAI {
			continue
		}
		if next != role {
			flush()
			role = next
		}
		parts = append(parts, m.Content)
	}
	flush()
	return out
}
