// Package assemblyai adapts the AssemblyAI transcription API to a single
// blocking Transcribe call with bounded polling.
package assemblyai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	aai "github.com/AssemblyAI/assemblyai-go-sdk"
	"github.com/cenkalti/backoff/v4"

	"mortgage-assistant/internal/domain"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 10
)

var (
	ErrTranscriptionTimeout = domain.ErrTranscriptionTimeout
	ErrTranscriptionEmpty   = domain.ErrTranscriptionEmpty
	// ErrTranscriptionFailed means the service reported the job as failed.
	ErrTranscriptionFailed = errors.New("assemblyai: transcription failed")

	errStillProcessing = errors.New("assemblyai: transcript still processing")
)

// transcriptAPI is the minimal AssemblyAI surface used by Transcriber.
type transcriptAPI interface {
	Upload(ctx context.Context, audio io.Reader) (string, error)
	Submit(ctx context.Context, audioURL string) (aai.Transcript, error)
	Get(ctx context.Context, transcriptID string) (aai.Transcript, error)
}

type sdkAPI struct {
	client *aai.Client
}

func (a sdkAPI) Upload(ctx context.Context, audio io.Reader) (string, error) {
	return a.client.Upload(ctx, audio)
}

func (a sdkAPI) Submit(ctx context.Context, audioURL string) (aai.Transcript, error) {
	return a.client.Transcripts.SubmitFromURL(ctx, audioURL, nil)
}

func (a sdkAPI) Get(ctx context.Context, transcriptID string) (aai.Transcript, error) {
	return a.client.Transcripts.Get(ctx, transcriptID)
}

// Transcriber uploads audio, submits a job and polls until it completes.
type Transcriber struct {
	api          transcriptAPI
	pollInterval time.Duration
	maxAttempts  int
}

type Option func(*Transcriber)

func WithPollInterval(d time.Duration) Option {
	return func(t *Transcriber) {
		if d >= 0 {
			t.pollInterval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(t *Transcriber) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithBaseURL points the SDK client at a different API host.
func WithBaseURL(baseURL string) aai.ClientOption {
	return aai.WithBaseURL(strings.TrimSpace(baseURL))
}

// New creates a Transcriber backed by the AssemblyAI SDK.
func New(apiKey string, opts []Option, clientOpts ...aai.ClientOption) (*Transcriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("assemblyai: api key must not be empty")
	}
	clientOpts = append([]aai.ClientOption{aai.WithAPIKey(apiKey)}, clientOpts...)
	return newTranscriber(sdkAPI{client: aai.NewClientWithOptions(clientOpts...)}, opts...)
}

func newTranscriber(api transcriptAPI, opts ...Option) (*Transcriber, error) {
	if api == nil {
		return nil, errors.New("assemblyai: api must not be nil")
	}
	t := &Transcriber{
		api:          api,
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Transcribe returns the transcribed text of audio. Word segments are joined
// with single spaces in the order the service returns them.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("assemblyai: audio must not be empty")
	}

	audioURL, err := t.api.Upload(ctx, bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("assemblyai: upload %s audio: %w", mimeType, err)
	}

	job, err := t.api.Submit(ctx, audioURL)
	if err != nil {
		return "", fmt.Errorf("assemblyai: submit transcript: %w", err)
	}
	jobID := aai.ToString(job.ID)
	if jobID == "" {
		return "", errors.New("assemblyai: submit returned no transcript id")
	}

	transcript, err := t.poll(ctx, jobID)
	if err != nil {
		return "", err
	}

	segments := make([]string, 0, len(transcript.Words))
	for _, w := range transcript.Words {
		if text := strings.TrimSpace(aai.ToString(w.Text)); text != "" {
			segments = append(segments, text)
		}
	}
	if len(segments) == 0 {
		return "", ErrTranscriptionEmpty
	}
	return strings.Join(segments, " "), nil
}

func (t *Transcriber) poll(ctx context.Context, jobID string) (aai.Transcript, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.pollInterval), uint64(t.maxAttempts-1)),
		ctx,
	)

	transcript, err := backoff.RetryWithData(func() (aai.Transcript, error) {
		tr, err := t.api.Get(ctx, jobID)
		if err != nil {
			return tr, backoff.Permanent(fmt.Errorf("assemblyai: get transcript %s: %w", jobID, err))
		}
		switch tr.Status {
		case aai.TranscriptStatusCompleted:
			return tr, nil
		case aai.TranscriptStatusQueued, aai.TranscriptStatusProcessing:
			return tr, errStillProcessing
		case aai.TranscriptStatusError:
			return tr, backoff.Permanent(fmt.Errorf("%w: %s", ErrTranscriptionFailed, aai.ToString(tr.Error)))
		default:
			return tr, backoff.Permanent(fmt.Errorf("assemblyai: unexpected transcript status %q", tr.Status))
		}
	}, policy)
	if errors.Is(err, errStillProcessing) {
		return aai.Transcript{}, ErrTranscriptionTimeout
	}
	if err != nil {
		return aai.Transcript{}, err
	}
	return transcript, nil
}
