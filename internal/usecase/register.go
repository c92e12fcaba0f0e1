package usecase

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"

	"mortgage-assistant/internal/domain"
	"mortgage-assistant/internal/repository"
)

type RegisterInput struct {
	FirstName string
	Phone     string
	Email     string
}

type RegisterOutput struct {
	UserID    string
	FirstName string
}

// Register creates a user record with an empty history.
func (s *ChatService) Register(ctx context.Context, in RegisterInput) (RegisterOutput, error) {
	firstName := strings.TrimSpace(in.FirstName)
	if firstName == "" {
		return RegisterOutput{}, newError(ErrorInvalidInput, "missing_first_name", nil)
	}

	unlock := s.store.Lock(repository.KindUsers)
	defer unlock()

	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return RegisterOutput{}, storeError("users_load_error", err)
	}

	userID := newUserID()
	users[userID] = &domain.User{
		FirstName:           firstName,
		Phone:               strings.TrimSpace(in.Phone),
		Email:               strings.TrimSpace(in.Email),
		ConversationHistory: []domain.Turn{},
	}
	if err := s.store.SaveUsers(ctx, users); err != nil {
		return RegisterOutput{}, newError(ErrorPersistence, "users_save_error", err)
	}

	s.logger.Info("user registered", "userId", userID)
	return RegisterOutput{UserID: userID, FirstName: firstName}, nil
}

var newUserID = func() string {
	return ulid.Make().String()
}
