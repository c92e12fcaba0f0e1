package usecase

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"mortgage-assistant/internal/domain"
)

type AdminStore interface {
	LoadUsers(ctx context.Context) (domain.UserRegistry, error)
	LoadInteractions(ctx context.Context) ([]domain.Interaction, error)
}

type UserSummary struct {
	UserID       string
	FirstName    string
	Phone        string
	Email        string
	MessageCount int
}

type Transcript struct {
	UserID    string
	FirstName string
	History   []domain.Turn
}

// AdminService backs the read-only admin console.
type AdminService struct {
	store AdminStore
}

func NewAdminService(store AdminStore) (*AdminService, error) {
	if store == nil {
		return nil, errors.New("usecase: admin store must not be nil")
	}
	return &AdminService{store: store}, nil
}

// ListUsers returns every registered user ordered by id, which is creation order.
func (s *AdminService) ListUsers(ctx context.Context) ([]UserSummary, error) {
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return nil, storeError("users_load_error", err)
	}
	out := make([]UserSummary, 0, len(users))
	for _, id := range sortedIDs(users) {
		u := users[id]
		out = append(out, UserSummary{
			UserID:       id,
			FirstName:    u.FirstName,
			Phone:        u.Phone,
			Email:        u.Email,
			MessageCount: len(u.ConversationHistory),
		})
	}
	return out, nil
}

func (s *AdminService) UserTranscript(ctx context.Context, userID string) (Transcript, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Transcript{}, newError(ErrorInvalidInput, "missing_user_id", nil)
	}
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return Transcript{}, storeError("users_load_error", err)
	}
	u, ok := users[userID]
	if !ok || u == nil {
		return Transcript{}, newError(ErrorUserNotFound, "user_not_found", nil)
	}
	history := u.ConversationHistory
	if history == nil {
		history = []domain.Turn{}
	}
	return Transcript{UserID: userID, FirstName: u.FirstName, History: history}, nil
}

func (s *AdminService) Interactions(ctx context.Context) ([]domain.Interaction, error) {
	entries, err := s.store.LoadInteractions(ctx)
	if err != nil {
		return nil, storeError("interactions_load_error", err)
	}
	return entries, nil
}

// ExportUsersCSV writes a FullName,Email,Phone row per user.
func (s *AdminService) ExportUsersCSV(ctx context.Context, w io.Writer) error {
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return storeError("users_load_error", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"FullName", "Email", "Phone"}); err != nil {
		return newError(ErrorInternal, "csv_write_error", err)
	}
	for _, id := range sortedIDs(users) {
		u := users[id]
		if err := cw.Write([]string{u.FirstName, u.Email, u.Phone}); err != nil {
			return newError(ErrorInternal, "csv_write_error", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return newError(ErrorInternal, "csv_write_error", fmt.Errorf("flush: %w", err))
	}
	return nil
}

func sortedIDs(users domain.UserRegistry) []string {
	ids := make([]string, 0, len(users))
	for id, u := range users {
		if u == nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
