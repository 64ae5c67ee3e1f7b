package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
)

// Store is the record-store surface the lifecycle needs.
type Store interface {
	GetInterview(ctx context.Context, id uuid.UUID) (*interview.Interview, error)
	// TransitionInterview atomically moves the record to `to` if the
	// lifecycle allows it and returns the status it found.
	TransitionInterview(ctx context.Context, id uuid.UUID, to interview.Status, transcript *string) (interview.Status, error)
}

// URLSigner issues the time-limited audio URL handed to the provider.
type URLSigner interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Notifier receives every applied status change.
type Notifier interface {
	NotifyStatus(change interview.StatusChange)
}

// ServiceOptions configures the transcription service.
type ServiceOptions struct {
	Store       Store
	Audio       URLSigner
	Provider    Provider // nil disables Trigger
	Notifier    Notifier // optional
	Language    string
	CallbackURL string
	URLTTL      time.Duration
	Log         zerolog.Logger
}

// Service drives the transcription lifecycle: the operator trigger that
// hands audio to the provider, and the provider's completion callback.
type Service struct {
	store    Store
	audio    URLSigner
	provider Provider
	notifier Notifier
	language string
	callback string
	urlTTL   time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a transcription service.
func NewService(opts ServiceOptions) *Service {
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:    opts.Store,
		audio:    opts.Audio,
		provider: opts.Provider,
		notifier: opts.Notifier,
		language: opts.Language,
		callback: opts.CallbackURL,
		urlTTL:   ttl,
		log:      opts.Log.With().Str("component", "transcribe").Logger(),
		now:      time.Now,
	}
}

// Enabled reports whether a provider is configured.
func (s *Service) Enabled() bool { return s.provider != nil }

// ProviderName returns the configured provider's name or "".
func (s *Service) ProviderName() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

// Trigger starts transcription of an interview. Preconditions are checked
// before any write: an unknown id returns interview.ErrNotFound, a record
// without audio interview.ErrNoAudio, and a record already processing or
// completed interview.ErrInvalidTransition. Once the record is processing,
// any failure to hand the job off moves it to failed before returning.
func (s *Service) Trigger(ctx context.Context, id uuid.UUID) error {
	if s.provider == nil {
		return ErrNotConfigured
	}

	iv, err := s.store.GetInterview(ctx, id)
	if err != nil {
		return err
	}
	if !iv.HasAudio() {
		return interview.ErrNoAudio
	}

	from, err := s.store.TransitionInterview(ctx, id, interview.StatusProcessing, nil)
	if err != nil {
		return err
	}
	s.applied(id, from, interview.StatusProcessing, "triggered")

	if err := s.handoff(ctx, iv); err != nil {
		return s.fail(ctx, id, err)
	}
	return nil
}

func (s *Service) handoff(ctx context.Context, iv *interview.Interview) error {
	url, err := s.audio.SignedURL(ctx, *iv.AudioFilePath, s.urlTTL)
	if err != nil {
		return fmt.Errorf("sign audio url: %w", err)
	}

	start := time.Now()
	sub, err := s.provider.Submit(ctx, Job{
		InterviewID: iv.ID,
		AudioURL:    url,
		Language:    s.language,
		CallbackURL: s.callback,
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.STTHandoffDuration.WithLabelValues(s.provider.Name(), outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("submit to %s: %w", s.provider.Name(), err)
	}

	s.log.Info().
		Str("interview_id", iv.ID.String()).
		Str("provider", s.provider.Name()).
		Str("request_id", sub.RequestID).
		Msg("transcription submitted")
	return nil
}

// fail records a handoff failure. The write runs on a context detached from
// the request so a disconnected client cannot leave the record processing.
func (s *Service) fail(ctx context.Context, id uuid.UUID, cause error) error {
	s.log.Error().Err(cause).Str("interview_id", id.String()).Msg("transcription handoff failed")

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	from, err := s.store.TransitionInterview(wctx, id, interview.StatusFailed, nil)
	if err != nil {
		// The caller reports the handoff failure; a record that moved on
		// concurrently (or a store outage) is only logged.
		s.log.Error().Err(err).Str("interview_id", id.String()).Msg("failed to mark transcription failed")
		return cause
	}
	if from != interview.StatusFailed {
		s.applied(id, from, interview.StatusFailed, cause.Error())
	}
	return cause
}

// CompleteResult reports whether a callback changed anything.
type CompleteResult struct {
	Previous interview.Status
	Replayed bool // the outcome was already stored
}

// Complete applies a provider callback. Re-delivering an outcome that is
// already stored succeeds without changing the record; an outcome that
// contradicts a stored terminal status returns interview.ErrInvalidTransition.
func (s *Service) Complete(ctx context.Context, cb Callback) (CompleteResult, error) {
	if !cb.Outcome.Terminal() || (cb.Outcome == interview.StatusCompleted && cb.Transcript == "") {
		return CompleteResult{}, ErrInvalidCallback
	}

	var transcript *string
	if cb.Outcome == interview.StatusCompleted {
		transcript = &cb.Transcript
	}
	from, err := s.store.TransitionInterview(ctx, cb.InterviewID, cb.Outcome, transcript)
	if err != nil {
		return CompleteResult{Previous: from}, err
	}

	res := CompleteResult{Previous: from, Replayed: from == cb.Outcome}
	if res.Replayed {
		s.log.Debug().
			Str("interview_id", cb.InterviewID.String()).
			Str("status", string(cb.Outcome)).
			Msg("duplicate transcription callback ignored")
		return res, nil
	}
	s.applied(cb.InterviewID, from, cb.Outcome, cb.Reason)
	return res, nil
}

func (s *Service) applied(id uuid.UUID, from, to interview.Status, reason string) {
	metrics.STTTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.log.Info().
		Str("interview_id", id.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("transcription status changed")
	if s.notifier != nil {
		s.notifier.NotifyStatus(interview.StatusChange{
			InterviewID: id,
			From:        from,
			To:          to,
			At:          s.now().UTC(),
			Reason:      reason,
		})
	}
}
