package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// window builder and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptPayload is the windowed conversation handed to a completion provider.
// System is never part of a stored history.
type PromptPayload struct {
	System   string
	Messages []ChatMessage
}
