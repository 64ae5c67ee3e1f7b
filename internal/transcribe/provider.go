package transcribe

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/echoes-of-korea/oral-archive/internal/config"
)

// ErrNotConfigured is returned when a transcription is requested but no
// STT provider has been configured.
var ErrNotConfigured = errors.New("speech-to-text provider not configured")

// Provider hands an audio file to an asynchronous speech-to-text backend.
// The backend reports the outcome later through the webhook.
type Provider interface {
	Submit(ctx context.Context, job Job) (*Submission, error)
	Name() string // "clova"
}

// Job is one transcription request.
type Job struct {
	InterviewID uuid.UUID
	AudioURL    string // signed, time-limited
	Language    string // BCP 47, e.g. "ko-KR"
	CallbackURL string
}

// Submission is the provider's acknowledgement of a job.
type Submission struct {
	RequestID string // provider-side token, "" if none
}

// NewProvider builds the provider named by cfg.Provider. It returns nil
// with no error when no provider is configured.
func NewProvider(cfg config.STTConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "clova":
		if cfg.APIURL == "" {
			return nil, fmt.Errorf("STT_PROVIDER=clova requires STT_API_URL")
		}
		return NewClovaClient(cfg.APIURL, cfg.APIKey, cfg.APISecret, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown STT_PROVIDER %q", cfg.Provider)
}
