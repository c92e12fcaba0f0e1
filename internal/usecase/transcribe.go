package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"mortgage-assistant/internal/domain"
)

const defaultMaxAudioBytes = 25 << 20

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type TranscribeInput struct {
	Audio    []byte
	MimeType string
}

type TranscribeOutput struct {
	Text string
}

type TranscribeService struct {
	transcriber   Transcriber
	maxAudioBytes int
	logger        *slog.Logger
}

// NewTranscribeService accepts a nil transcriber; every call then fails with
// TRANSCRIPTION_DISABLED.
func NewTranscribeService(transcriber Transcriber, logger *slog.Logger) *TranscribeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscribeService{
		transcriber:   transcriber,
		maxAudioBytes: defaultMaxAudioBytes,
		logger:        logger,
	}
}

func (s *TranscribeService) Enabled() bool {
	return s.transcriber != nil
}

func (s *TranscribeService) Transcribe(ctx context.Context, in TranscribeInput) (TranscribeOutput, error) {
	if s.transcriber == nil {
		return TranscribeOutput{}, newError(ErrorTranscriptionDisabled, "transcriber_not_configured", nil)
	}
	if len(in.Audio) == 0 {
		return TranscribeOutput{}, newError(ErrorInvalidInput, "missing_audio", nil)
	}
	if len(in.Audio) > s.maxAudioBytes {
		return TranscribeOutput{}, newError(ErrorInvalidInput, "audio_too_large", nil)
	}
	mimeType := strings.TrimSpace(in.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	text, err := s.transcriber.Transcribe(ctx, in.Audio, mimeType)
	switch {
	case errors.Is(err, domain.ErrTranscriptionTimeout):
		return TranscribeOutput{}, newError(ErrorTranscriptionTimeout, "transcription_timeout", err)
	case errors.Is(err, domain.ErrTranscriptionEmpty):
		return TranscribeOutput{}, newError(ErrorTranscriptionEmpty, "transcription_empty", err)
	case err != nil:
		return TranscribeOutput{}, newError(ErrorUpstream, "transcription_error", err)
	}

	s.logger.Info("audio transcribed", "bytes", len(in.Audio), "mimeType", mimeType, "chars", len(text))
	return TranscribeOutput{Text: text}, nil
}
