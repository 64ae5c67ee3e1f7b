package transcribe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
)

// StaleStore finds and fails transcriptions stuck in processing.
type StaleStore interface {
	FailStaleTranscriptions(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error)
}

// Sweeper periodically fails interviews whose callback never arrived, so
// a lost webhook cannot leave a record processing forever. The operator
// can then retry from failed.
type Sweeper struct {
	store    StaleStore
	after    time.Duration
	interval time.Duration
	notifier Notifier
	log      zerolog.Logger
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSweeper creates a sweeper that fails records processing for longer
// than after. The check runs every after/4, clamped to [10s, 5m].
func NewSweeper(store StaleStore, after time.Duration, notifier Notifier, log zerolog.Logger) *Sweeper {
	interval := min(max(after/4, 10*time.Second), 5*time.Minute)
	return &Sweeper{
		store:    store,
		after:    after,
		interval: interval,
		notifier: notifier,
		log:      log.With().Str("component", "stale-sweeper").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. Later calls are no-ops.
func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Stop halts the loop and waits for an in-flight sweep to finish. It is
// safe to call more than once, and without a prior Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Sweeper) loop() {
	defer close(s.done)
	s.log.Info().Dur("after", s.after).Dur("interval", s.interval).Msg("stale transcription sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("stale transcription sweep failed")
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass and returns the number of interviews failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.FailStaleTranscriptions(ctx, s.after)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for _, id := range ids {
		metrics.STTTransitionsTotal.WithLabelValues(string(interview.StatusProcessing), string(interview.StatusFailed)).Inc()
		metrics.STTStaleFailedTotal.Inc()
		s.log.Warn().Str("interview_id", id.String()).Msg("transcription callback overdue, marked failed")
		if s.notifier != nil {
			s.notifier.NotifyStatus(interview.StatusChange{
				InterviewID: id,
				From:        interview.StatusProcessing,
				To:          interview.StatusFailed,
				At:          now,
				Reason:      "callback overdue",
			})
		}
	}
	return len(ids), nil
}
