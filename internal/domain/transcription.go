package domain

import "errors"

var (
	// ErrTranscriptionTimeout means a transcription job was still in progress after the last poll.
	ErrTranscriptionTimeout = errors.New("transcription did not complete in time")
	// ErrTranscriptionEmpty means a transcription job completed without any text.
	ErrTranscriptionEmpty = errors.New("transcription produced no text")
)
