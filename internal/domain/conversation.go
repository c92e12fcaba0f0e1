package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single role-tagged message in a user's conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// User is a registered widget user together with their full history.
type User struct {
	FirstName           string `json:"firstName"`
	Phone               string `json:"phone"`
	Email               string `json:"email"`
	ConversationHistory []Turn `json:"conversationHistory"`
}

// UserRegistry maps user ids to their records.
type UserRegistry map[string]*User

// Interaction is one completed exchange in the append-only audit log.
type Interaction struct {
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"userId"`
	UserMessage string    `json:"userMessage"`
	AIReply     string    `json:"aiReply"`
}
