package usecase

import (
	"errors"
	"fmt"

	"mortgage-assistant/internal/repository"
)

type ErrorCode string

const (
	ErrorInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrorUserNotFound          ErrorCode = "USER_NOT_FOUND"
	ErrorNotFound              ErrorCode = "NOT_FOUND"
	ErrorCorruptData           ErrorCode = "CORRUPT_DATA"
	ErrorPersistence           ErrorCode = "PERSISTENCE_ERROR"
	ErrorUpstream              ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamTimeout       ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorTranscriptionTimeout  ErrorCode = "TRANSCRIPTION_TIMEOUT"
	ErrorTranscriptionEmpty    ErrorCode = "TRANSCRIPTION_EMPTY"
	ErrorTranscriptionDisabled ErrorCode = "TRANSCRIPTION_DISABLED"
	ErrorInternal              ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// storeError classifies a Record Store failure: undecodable documents are
// CORRUPT_DATA, everything else is a persistence failure.
func storeError(reason string, err error) *Error {
	var corrupt *repository.CorruptDataError
	if errors.As(err, &corrupt) {
		return newError(ErrorCorruptData, reason, err)
	}
	return newError(ErrorPersistence, reason, err)
}
