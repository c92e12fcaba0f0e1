package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mortgage-assistant/internal/domain"
	"mortgage-assistant/internal/repository"
)

// MatchFAQ returns the first FAQ, in collection order, whose question appears
// case-insensitively inside message.
func MatchFAQ(message string, faqs []domain.FAQ) (domain.FAQ, bool) {
	normalized := strings.ToLower(message)
	for _, f := range faqs {
		q := strings.ToLower(f.Question)
		if strings.TrimSpace(q) == "" {
			continue
		}
		if strings.Contains(normalized, q) {
			return f, true
		}
	}
	return domain.FAQ{}, false
}

type FAQStore interface {
	LoadFAQs(ctx context.Context) ([]domain.FAQ, error)
	SaveFAQs(ctx context.Context, faqs []domain.FAQ) error
	Lock(kind repository.Kind) (unlock func())
}

type FAQInput struct {
	Question string
	Answer   string
}

// FAQService manages the canned-answer collection.
type FAQService struct {
	store  FAQStore
	logger *slog.Logger
	now    func() time.Time
}

func NewFAQService(store FAQStore, logger *slog.Logger) (*FAQService, error) {
	if store == nil {
		return nil, errors.New("usecase: faq store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FAQService{store: store, logger: logger, now: time.Now}, nil
}

func (s *FAQService) List(ctx context.Context) ([]domain.FAQ, error) {
	faqs, err := s.store.LoadFAQs(ctx)
	if err != nil {
		return nil, storeError("faqs_load_error", err)
	}
	return faqs, nil
}

func (s *FAQService) Create(ctx context.Context, in FAQInput) (domain.FAQ, error) {
	in, err := validateFAQ(in)
	if err != nil {
		return domain.FAQ{}, err
	}

	unlock := s.store.Lock(repository.KindFAQs)
	defer unlock()

	faqs, err := s.store.LoadFAQs(ctx)
	if err != nil {
		return domain.FAQ{}, storeError("faqs_load_error", err)
	}
	now := s.now().UTC()
	faq := domain.FAQ{
		ID:        newUUID(),
		Question:  in.Question,
		Answer:    in.Answer,
		CreatedAt: now,
		UpdatedAt: now,
	}
	faqs = append(faqs, faq)
	if err := s.store.SaveFAQs(ctx, faqs); err != nil {
		return domain.FAQ{}, newError(ErrorPersistence, "faqs_save_error", err)
	}
	s.logger.Info("faq created", "faqId", faq.ID)
	return faq, nil
}

func (s *FAQService) Update(ctx context.Context, id string, in FAQInput) (domain.FAQ, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.FAQ{}, newError(ErrorInvalidInput, "missing_faq_id", nil)
	}
	in, err := validateFAQ(in)
	if err != nil {
		return domain.FAQ{}, err
	}

	unlock := s.store.Lock(repository.KindFAQs)
	defer unlock()

	faqs, err := s.store.LoadFAQs(ctx)
	if err != nil {
		return domain.FAQ{}, storeError("faqs_load_error", err)
	}
	idx := indexFAQ(faqs, id)
	if idx < 0 {
		return domain.FAQ{}, newError(ErrorNotFound, "faq_not_found", nil)
	}
	faqs[idx].Question = in.Question
	faqs[idx].Answer = in.Answer
	faqs[idx].UpdatedAt = s.now().UTC()
	if err := s.store.SaveFAQs(ctx, faqs); err != nil {
		return domain.FAQ{}, newError(ErrorPersistence, "faqs_save_error", err)
	}
	s.logger.Info("faq updated", "faqId", id)
	return faqs[idx], nil
}

func (s *FAQService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return newError(ErrorInvalidInput, "missing_faq_id", nil)
	}

	unlock := s.store.Lock(repository.KindFAQs)
	defer unlock()

	faqs, err := s.store.LoadFAQs(ctx)
	if err != nil {
		return storeError("faqs_load_error", err)
	}
	idx := indexFAQ(faqs, id)
	if idx < 0 {
		return newError(ErrorNotFound, "faq_not_found", nil)
	}
	faqs = append(faqs[:idx], faqs[idx+1:]...)
	if err := s.store.SaveFAQs(ctx, faqs); err != nil {
		return newError(ErrorPersistence, "faqs_save_error", err)
	}
	s.logger.Info("faq deleted", "faqId", id)
	return nil
}

func validateFAQ(in FAQInput) (FAQInput, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.Answer = strings.TrimSpace(in.Answer)
	if in.Question == "" {
		return in, newError(ErrorInvalidInput, "empty_question", nil)
	}
	if in.Answer == "" {
		return in, newError(ErrorInvalidInput, "empty_answer", nil)
	}
	return in, nil
}

func indexFAQ(faqs []domain.FAQ, id string) int {
	for i, f := range faqs {
		if f.ID == id {
			return i
		}
	}
	return -1
}

var newUUID = func() string {
	return uuid.NewString()
}
