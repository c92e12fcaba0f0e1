package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

const maxAudioBytes = 25 << 20

// Handler serves API Gateway proxy events.
type Handler struct {
	api *api
}

func NewHandler(svc Services, logger *slog.Logger) (*Handler, error) {
	a, err := newAPI(svc, logger)
	if err != nil {
		return nil, err
	}
	return &Handler{api: a}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(header(event.Headers, correlationHeader))
	log := h.api.logger.With("correlationId", corrID, "method", event.HTTPMethod, "path", event.Path)

	body, err := eventBody(event)
	if err != nil {
		return h.respond(log, corrID, h.api.invalidBody(log, err)), nil
	}

	r := h.route(ctx, log, event, body)
	log.Info("request handled", "status", r.status)
	return h.respond(log, corrID, r), nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, event events.APIGatewayProxyRequest, body []byte) reply {
	a := h.api
	method := strings.ToUpper(event.HTTPMethod)
	segments := splitPath(event.Path)

	switch {
	case method == http.MethodPost && matches(segments, "api", "register"):
		return a.register(ctx, log, body)
	case method == http.MethodPost && matches(segments, "api", "chat"):
		return a.chat(ctx, log, body)
	case method == http.MethodPost && matches(segments, "api", "transcribe"):
		audio, mimeType, err := audioFromMultipart(header(event.Headers, "Content-Type"), body)
		if err != nil {
			return a.invalidBody(log, err)
		}
		return a.transcribe(ctx, log, audio, mimeType)
	case method == http.MethodGet && matches(segments, "api", "faqs"):
		return a.listFAQs(ctx, log)
	case method == http.MethodPost && matches(segments, "api", "admin", "login"):
		return a.login(log, body)
	}

	if !isAdminRoute(method, segments) {
		return a.notFound()
	}
	if denied := a.authorize(log, header(event.Headers, "Authorization")); denied != nil {
		return *denied
	}

	switch {
	case method == http.MethodPost && matches(segments, "api", "faqs"):
		return a.createFAQ(ctx, log, body)
	case method == http.MethodPut && len(segments) == 3 && matches(segments[:2], "api", "faqs"):
		return a.updateFAQ(ctx, log, segments[2], body)
	case method == http.MethodDelete && len(segments) == 3 && matches(segments[:2], "api", "faqs"):
		return a.deleteFAQ(ctx, log, segments[2])
	case method == http.MethodGet && matches(segments, "api", "admin", "users"):
		return a.listUsers(ctx, log)
	case method == http.MethodGet && matches(segments, "api", "admin", "interactions"):
		return a.interactions(ctx, log)
	case method == http.MethodGet && matches(segments, "api", "admin", "users", "export"):
		return a.exportUsers(ctx, log)
	case method == http.MethodGet && len(segments) == 5 && matches(segments[:3], "api", "admin", "users") && segments[4] == "chats":
		return a.userChats(ctx, log, segments[3])
	}
	return a.notFound()
}

func isAdminRoute(method string, segments []string) bool {
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "faqs" {
		return method != http.MethodGet
	}
	if len(segments) < 3 || segments[0] != "api" || segments[1] != "admin" {
		return false
	}
	return segments[2] == "users" || segments[2] == "interactions"
}

func (h *Handler) respond(log *slog.Logger, corrID string, r reply) events.APIGatewayProxyResponse {
	headers := map[string]string{correlationHeader: corrID}
	body, err := r.encode()
	if err != nil {
		log.Error("failed to encode response", "err", err)
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Headers:    map[string]string{correlationHeader: corrID, "Content-Type": "application/json"},
			Body:       `{"error":"INTERNAL_ERROR","message":"failed to encode response"}`,
		}
	}
	if r.contentType != "" {
		headers["Content-Type"] = r.contentType
	}
	return events.APIGatewayProxyResponse{StatusCode: r.status, Headers: headers, Body: string(body)}
}

func eventBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if !event.IsBase64Encoded {
		return []byte(event.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(event.Body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return b, nil
}

// audioFromMultipart returns the "audio" file part of a multipart/form-data body.
func audioFromMultipart(contentType string, body []byte) ([]byte, string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, "", fmt.Errorf("parse content type: %w", err)
	}
	if mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, "", errors.New("expected multipart/form-data with a boundary")
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errors.New(`missing "audio" form field`)
		}
		if err != nil {
			return nil, "", fmt.Errorf("read multipart body: %w", err)
		}
		if part.FormName() != "audio" {
			continue
		}
		audio, err := io.ReadAll(io.LimitReader(part, maxAudioBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("read audio part: %w", err)
		}
		if len(audio) > maxAudioBytes {
			return nil, "", errors.New("audio exceeds size limit")
		}
		return audio, part.Header.Get("Content-Type"), nil
	}
}

// header looks up name case-insensitively, as API Gateway may lowercase keys.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func matches(segments []string, want ...string) bool {
	if len(segments) != len(want) {
		return false
	}
	for i := range want {
		if segments[i] != want[i] {
			return false
		}
	}
	return true
}
