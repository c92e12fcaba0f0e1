package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"mortgage-assistant/internal/domain"
	"mortgage-assistant/internal/repository"
)

const (
	defaultMaxMessage        = 2000
	defaultCompletionTimeout = 60 * time.Second

	SourceFAQ   = "faq"
	SourceModel = "model"
)

// CompletionProvider turns a windowed conversation into a reply.
type CompletionProvider interface {
	Complete(ctx context.Context, payload domain.PromptPayload) (string, error)
}

// ChatStore is the subset of the Record Store the orchestrator needs.
type ChatStore interface {
	LoadUsers(ctx context.Context) (domain.UserRegistry, error)
	SaveUsers(ctx context.Context, users domain.UserRegistry) error
	LoadFAQs(ctx context.Context) ([]domain.FAQ, error)
	AppendInteraction(ctx context.Context, entry domain.Interaction) error
	Lock(kind repository.Kind) (unlock func())
}

type ChatConfig struct {
	Persona           *Persona
	WindowSize        int
	MaxMessageLen     int
	CompletionTimeout time.Duration
	Logger            *slog.Logger
}

type ChatService struct {
	store             ChatStore
	llm               CompletionProvider
	persona           *Persona
	windowSize        int
	maxMessageLen     int
	completionTimeout time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

type ChatInput struct {
	UserID  string
	Message string
}

type ChatOutput struct {
	Reply  string
	Source string
}

func NewChatService(store ChatStore, llm CompletionProvider, cfg ChatConfig) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: chat store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: completion provider must not be nil")
	}
	if cfg.Persona == nil {
		return nil, errors.New("usecase: persona must not be nil")
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessage
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatService{
		store:             store,
		llm:               llm,
		persona:           cfg.Persona,
		windowSize:        cfg.WindowSize,
		maxMessageLen:     cfg.MaxMessageLen,
		completionTimeout: cfg.CompletionTimeout,
		logger:            cfg.Logger,
		now:               time.Now,
	}, nil
}

// Chat runs one exchange for a registered user: record the user turn, answer
// from the FAQ list or the model, record the reply and log the exchange.
//
// The message is stored exactly as sent. The completion call runs outside the
// users lock; its turns are appended to a freshly loaded registry afterwards.
// A failed completion leaves the user turn in the stored history without an
// assistant reply.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	message := in.Message
	if strings.TrimSpace(message) == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.maxMessageLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	faqs, err := s.store.LoadFAQs(ctx)
	if err != nil {
		return ChatOutput{}, storeError("faqs_load_error", err)
	}
	userTurn := domain.Turn{Role: domain.RoleUser, Content: message}

	var out ChatOutput
	if faq, ok := MatchFAQ(message, faqs); ok {
		out = ChatOutput{Reply: faq.Answer, Source: SourceFAQ}
		if err := s.appendTurns(ctx, userID, userTurn, domain.Turn{Role: domain.RoleAssistant, Content: out.Reply}); err != nil {
			return ChatOutput{}, err
		}
	} else {
		user, err := s.loadUser(ctx, userID)
		if err != nil {
			return ChatOutput{}, err
		}
		reply, err := s.complete(ctx, user, userTurn)
		if err != nil {
			s.keepOrphanedTurn(ctx, userID, userTurn)
			return ChatOutput{}, err
		}
		out = ChatOutput{Reply: reply, Source: SourceModel}
		if err := s.appendTurns(ctx, userID, userTurn, domain.Turn{Role: domain.RoleAssistant, Content: out.Reply}); err != nil {
			return ChatOutput{}, err
		}
	}

	if err := s.store.AppendInteraction(ctx, domain.Interaction{
		Timestamp:   s.now().UTC(),
		UserID:      userID,
		UserMessage: message,
		AIReply:     out.Reply,
	}); err != nil {
		s.logger.Error("reply computed but interaction not logged", "userId", userID, "err", err)
		return ChatOutput{}, newError(ErrorPersistence, "interaction_log_error", err)
	}

	s.logger.Info("chat turn completed", "userId", userID, "source", out.Source)
	return out, nil
}

func (s *ChatService) loadUser(ctx context.Context, userID string) (*domain.User, error) {
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return nil, storeError("users_load_error", err)
	}
	user, ok := users[userID]
	if !ok || user == nil {
		return nil, newError(ErrorUserNotFound, "user_not_found", nil)
	}
	return user, nil
}

// appendTurns adds turns to the user's stored history in one locked
// read-modify-write cycle.
func (s *ChatService) appendTurns(ctx context.Context, userID string, turns ...domain.Turn) error {
	unlock := s.store.Lock(repository.KindUsers)
	defer unlock()

	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return storeError("users_load_error", err)
	}
	user, ok := users[userID]
	if !ok || user == nil {
		return newError(ErrorUserNotFound, "user_not_found", nil)
	}
	user.ConversationHistory = append(user.ConversationHistory, turns...)
	if err := s.store.SaveUsers(ctx, users); err != nil {
		s.logger.Error("history not saved", "userId", userID, "err", err)
		return newError(ErrorPersistence, "users_save_error", err)
	}
	return nil
}

func (s *ChatService) complete(ctx context.Context, user *domain.User, userTurn domain.Turn) (string, error) {
	history := append(append([]domain.Turn(nil), user.ConversationHistory...), userTurn)
	payload, err := BuildWindow(history, s.persona, user.FirstName, s.windowSize)
	if err != nil {
		return "", newError(ErrorInternal, "persona_render_error", err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()

	reply, err := s.llm.Complete(cctx, payload)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok {
			s.logger.Warn("completion provider returned error status", "status", status)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return "", newError(ErrorUpstreamTimeout, "completion_timeout", err)
		}
		return "", newError(ErrorUpstream, "completion_error", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", newError(ErrorUpstream, "completion_empty", nil)
	}
	return reply, nil
}

// keepOrphanedTurn persists the unanswered user turn after a failed completion.
func (s *ChatService) keepOrphanedTurn(ctx context.Context, userID string, userTurn domain.Turn) {
	if err := s.appendTurns(ctx, userID, userTurn); err != nil {
		s.logger.Error("failed to save unanswered user turn", "userId", userID, "err", err)
		return
	}
	s.logger.Warn("completion failed; user turn kept without reply", "userId", userID)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
