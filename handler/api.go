// Package handler exposes the chat widget and admin console over HTTP, both
// as an API Gateway Lambda handler and as a gin router for long-running
// deployments. Both surfaces share the request handling in this file.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"mortgage-assistant/internal/domain"
	"mortgage-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type ChatUseCase interface {
	Register(ctx context.Context, in usecase.RegisterInput) (usecase.RegisterOutput, error)
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type FAQUseCase interface {
	List(ctx context.Context) ([]domain.FAQ, error)
	Create(ctx context.Context, in usecase.FAQInput) (domain.FAQ, error)
	Update(ctx context.Context, id string, in usecase.FAQInput) (domain.FAQ, error)
	Delete(ctx context.Context, id string) error
}

type AdminUseCase interface {
	ListUsers(ctx context.Context) ([]usecase.UserSummary, error)
	UserTranscript(ctx context.Context, userID string) (usecase.Transcript, error)
	ExportUsersCSV(ctx context.Context, w io.Writer) error
	Interactions(ctx context.Context) ([]domain.Interaction, error)
}

type TranscribeUseCase interface {
	Transcribe(ctx context.Context, in usecase.TranscribeInput) (usecase.TranscribeOutput, error)
}

// AdminGate authenticates admin console requests. *auth.Gate satisfies it.
type AdminGate interface {
	Login(password string) (string, time.Time, error)
	Verify(token string) error
}

// Services bundles the use cases served over HTTP. Admin and Gate may be nil,
// in which case every admin route answers UNAUTHORIZED.
type Services struct {
	Chat       ChatUseCase
	FAQs       FAQUseCase
	Transcribe TranscribeUseCase
	Admin      AdminUseCase
	Gate       AdminGate
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

type registerResponse struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
}

type chatRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type faqRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type userSummaryResponse struct {
	UserID       string `json:"userId"`
	FirstName    string `json:"firstName"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	MessageCount int    `json:"messageCount"`
}

type transcriptResponse struct {
	UserID    string        `json:"userId"`
	FirstName string        `json:"firstName"`
	History   []domain.Turn `json:"history"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// reply is a transport-neutral response.
type reply struct {
	status      int
	body        any
	raw         []byte
	contentType string
}

func jsonReply(status int, body any) reply {
	return reply{status: status, body: body, contentType: "application/json"}
}

// encode renders the reply body.
func (r reply) encode() ([]byte, error) {
	if r.raw != nil || r.body == nil {
		return r.raw, nil
	}
	return json.Marshal(r.body)
}

// api holds the request handling shared by the Lambda and gin surfaces.
type api struct {
	svc    Services
	logger *slog.Logger
}

func newAPI(svc Services, logger *slog.Logger) (*api, error) {
	if svc.Chat == nil {
		return nil, errors.New("handler: chat use case must not be nil")
	}
	if svc.FAQs == nil {
		return nil, errors.New("handler: faq use case must not be nil")
	}
	if svc.Transcribe == nil {
		return nil, errors.New("handler: transcribe use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &api{svc: svc, logger: logger}, nil
}

func (a *api) register(ctx context.Context, log *slog.Logger, body []byte) reply {
	var req registerRequest
	if err := decodeJSON(body, &req); err != nil {
		return a.invalidBody(log, err)
	}
	out, err := a.svc.Chat.Register(ctx, usecase.RegisterInput{FirstName: req.FirstName, Phone: req.Phone, Email: req.Email})
	if err != nil {
		return a.fail(log, "register", err)
	}
	return jsonReply(http.StatusOK, registerResponse{UserID: out.UserID, FirstName: out.FirstName})
}

func (a *api) chat(ctx context.Context, log *slog.Logger, body []byte) reply {
	var req chatRequest
	if err := decodeJSON(body, &req); err != nil {
		return a.invalidBody(log, err)
	}
	out, err := a.svc.Chat.Chat(ctx, usecase.ChatInput{UserID: req.UserID, Message: req.Message})
	if err != nil {
		return a.fail(log, "chat", err)
	}
	return jsonReply(http.StatusOK, chatResponse{Reply: out.Reply})
}

func (a *api) listFAQs(ctx context.Context, log *slog.Logger) reply {
	faqs, err := a.svc.FAQs.List(ctx)
	if err != nil {
		return a.fail(log, "list faqs", err)
	}
	return jsonReply(http.StatusOK, faqs)
}

func (a *api) createFAQ(ctx context.Context, log *slog.Logger, body []byte) reply {
	var req faqRequest
	if err := decodeJSON(body, &req); err != nil {
		return a.invalidBody(log, err)
	}
	faq, err := a.svc.FAQs.Create(ctx, usecase.FAQInput{Question: req.Question, Answer: req.Answer})
	if err != nil {
		return a.fail(log, "create faq", err)
	}
	return jsonReply(http.StatusCreated, faq)
}

func (a *api) updateFAQ(ctx context.Context, log *slog.Logger, id string, body []byte) reply {
	var req faqRequest
	if err := decodeJSON(body, &req); err != nil {
		return a.invalidBody(log, err)
	}
	faq, err := a.svc.FAQs.Update(ctx, id, usecase.FAQInput{Question: req.Question, Answer: req.Answer})
	if err != nil {
		return a.fail(log, "update faq", err)
	}
	return jsonReply(http.StatusOK, faq)
}

func (a *api) deleteFAQ(ctx context.Context, log *slog.Logger, id string) reply {
	if err := a.svc.FAQs.Delete(ctx, id); err != nil {
		return a.fail(log, "delete faq", err)
	}
	return reply{status: http.StatusNoContent}
}

func (a *api) transcribe(ctx context.Context, log *slog.Logger, audio []byte, mimeType string) reply {
	out, err := a.svc.Transcribe.Transcribe(ctx, usecase.TranscribeInput{Audio: audio, MimeType: mimeType})
	if err != nil {
		return a.fail(log, "transcribe", err)
	}
	return jsonReply(http.StatusOK, transcribeResponse{Text: out.Text})
}

func (a *api) login(log *slog.Logger, body []byte) reply {
	if a.svc.Gate == nil {
		return a.fail(log, "admin login", &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "admin_disabled"})
	}
	var req loginRequest
	if err := decodeJSON(body, &req); err != nil {
		return a.invalidBody(log, err)
	}
	token, expires, err := a.svc.Gate.Login(req.Password)
	if err != nil {
		return a.fail(log, "admin login", &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_password", Err: err})
	}
	return jsonReply(http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

// authorize returns a non-nil reply when the request may not use admin routes.
func (a *api) authorize(log *slog.Logger, authorization string) *reply {
	if a.svc.Gate == nil || a.svc.Admin == nil {
		r := a.fail(log, "admin auth", &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "admin_disabled"})
		return &r
	}
	if err := a.svc.Gate.Verify(authorization); err != nil {
		r := a.fail(log, "admin auth", &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token", Err: err})
		return &r
	}
	return nil
}

func (a *api) listUsers(ctx context.Context, log *slog.Logger) reply {
	users, err := a.svc.Admin.ListUsers(ctx)
	if err != nil {
		return a.fail(log, "list users", err)
	}
	out := make([]userSummaryResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userSummaryResponse(u))
	}
	return jsonReply(http.StatusOK, out)
}

func (a *api) userChats(ctx context.Context, log *slog.Logger, userID string) reply {
	tr, err := a.svc.Admin.UserTranscript(ctx, userID)
	if err != nil {
		return a.fail(log, "user chats", err)
	}
	return jsonReply(http.StatusOK, transcriptResponse(tr))
}

func (a *api) interactions(ctx context.Context, log *slog.Logger) reply {
	entries, err := a.svc.Admin.Interactions(ctx)
	if err != nil {
		return a.fail(log, "list interactions", err)
	}
	return jsonReply(http.StatusOK, entries)
}

func (a *api) exportUsers(ctx context.Context, log *slog.Logger) reply {
	var buf bytes.Buffer
	if err := a.svc.Admin.ExportUsersCSV(ctx, &buf); err != nil {
		return a.fail(log, "export users", err)
	}
	return reply{status: http.StatusOK, raw: buf.Bytes(), contentType: "text/csv; charset=utf-8"}
}

func (a *api) notFound() reply {
	return jsonReply(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "route not found"})
}

func (a *api) invalidBody(log *slog.Logger, err error) reply {
	log.Warn("invalid request body", "err", err)
	return jsonReply(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid request body"})
}

// fail logs err and converts it into the structured error payload.
func (a *api) fail(log *slog.Logger, op string, err error) reply {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error(op+" failed", "err", err)
		return jsonReply(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: messageFor(usecase.ErrorInternal)})
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		log.Warn(op+" rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonReply(status, errorResponse{Error: string(ucErr.Code), Message: messageFor(ucErr.Code)})
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorUserNotFound, usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorUpstreamTimeout, usecase.ErrorTranscriptionTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorTranscriptionDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorInvalidInput:
		return "The request is missing required fields or is malformed."
	case usecase.ErrorUnauthorized:
		return "Admin authentication required."
	case usecase.ErrorUserNotFound:
		return "User not found"
	case usecase.ErrorNotFound:
		return "Not found"
	case usecase.ErrorUpstreamTimeout:
		return "The assistant took too long to respond. Please try again."
	case usecase.ErrorTranscriptionTimeout:
		return "Transcription timed out"
	case usecase.ErrorTranscriptionEmpty:
		return "No speech was detected in the recording."
	case usecase.ErrorTranscriptionDisabled:
		return "Voice input is not available."
	default:
		return "An error occurred while processing your request"
	}
}

func decodeJSON(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, dst)
}

// correlationID returns the supplied id, or a new one when none was sent.
func correlationID(supplied string) string {
	if id := strings.TrimSpace(supplied); id != "" {
		return id
	}
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
