package interview

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no interview has the requested id.
	ErrNotFound = errors.New("interview not found")
	// ErrNoAudio is returned when transcription is requested for an
	// interview without an audio file.
	ErrNoAudio = errors.New("no audio file found for this interview")
	// ErrInvalidTransition is returned when the lifecycle does not allow
	// moving from the current status to the requested one.
	ErrInvalidTransition = errors.New("invalid transcription status transition")
	// ErrAudioAlreadySet is returned when an edit would replace an audio reference.
	ErrAudioAlreadySet = errors.New("audio file already attached")
	// ErrTranscriptLocked is returned when the transcript is edited before
	// transcription has completed.
	ErrTranscriptLocked = errors.New("transcript can only be edited after transcription completes")
)

// CheckTransition validates a lifecycle move for a record currently in from.
func CheckTransition(from Status, hasAudio bool, to Status) error {
	switch {
	case to == StatusProcessing:
		if !hasAudio {
			return ErrNoAudio
		}
		if !from.CanTrigger() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil
	case to.Terminal():
		if !from.CanComplete(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// StatusChange records one lifecycle transition.
type StatusChange struct {
	InterviewID uuid.UUID `json:"interview_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	At          time.Time `json:"at"`
	Reason      string    `json:"reason,omitempty"`
}

// ListFilter narrows and pages an interview listing. Results are ordered
// newest first.
type ListFilter struct {
	Status *Status
	Search string
	Limit  int
	Offset int
}

// Status is the transcription lifecycle state of an interview.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every lifecycle state in display order.
var Statuses = []Status{StatusNotStarted, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts a stored or user-supplied value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(s))
	if !st.Valid() {
		return "", fmt.Errorf("unknown transcription status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final outcome reported by the provider.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTrigger reports whether a transcription may be (re)started from s.
// A failed record may be re-triggered; processing and completed may not.
func (s Status) CanTrigger() bool {
	return s == StatusNotStarted || s == StatusFailed
}

// CanComplete reports whether a callback reporting outcome may be applied
// to a record currently in s. Re-applying the outcome already stored is
// accepted so that provider retries are idempotent.
func (s Status) CanComplete(outcome Status) bool {
	if !outcome.Terminal() {
		return false
	}
	return s == StatusProcessing || s == outcome
}

func (s Status) String() string { return string(s) }

// Variant is the visual treatment of a status badge.
type Variant string

const (
	VariantDefault Variant = "default"
	VariantSuccess Variant = "success"
	VariantWarning Variant = "warning"
	VariantDanger  Variant = "danger"
)

// Badge maps a status to its locale dictionary label key and badge variant.
// Every Status constant must have a case here.
func (s Status) Badge() (labelKey string, variant Variant) {
	switch s {
	case StatusNotStarted:
		return "waiting", VariantDefault
	case StatusProcessing:
		return "processing", VariantWarning
	case StatusCompleted:
		return "completed", VariantSuccess
	case StatusFailed:
		return "failed", VariantDanger
	}
	return "unknown", VariantDefault
}

// Interview is one oral-history recording session and its transcription state.
type Interview struct {
	ID                   uuid.UUID  `json:"id"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Title                string     `json:"title"`
	IntervieweeName      string     `json:"interviewee_name"`
	IntervieweeBirthYear *int       `json:"interviewee_birth_year"`
	InterviewDate        *string    `json:"interview_date"` // YYYY-MM-DD
	AudioFilePath        *string    `json:"audio_file_path"`
	IsPublished          bool       `json:"is_published"`
	STTStatus            Status     `json:"stt_status"`
	STTStartedAt         *time.Time `json:"stt_started_at"` // last entry into processing
	FullTranscript       *string    `json:"full_transcript"`
	LLMSummary           *string    `json:"llm_summary"`
}

// HasAudio reports whether an audio file has been bound to the interview.
func (iv *Interview) HasAudio() bool {
	return iv.AudioFilePath != nil && *iv.AudioFilePath != ""
}

// Transcript returns the stored transcript or "".
func (iv *Interview) Transcript() string {
	if iv.FullTranscript == nil {
		return ""
	}
	return *iv.FullTranscript
}

// NewInterview holds the operator-supplied fields for creating an interview.
type NewInterview struct {
	Title                string  `json:"title"`
	IntervieweeName      string  `json:"interviewee_name"`
	IntervieweeBirthYear *int    `json:"interviewee_birth_year"`
	InterviewDate        *string `json:"interview_date"`
	AudioFilePath        *string `json:"audio_file_path"`
	IsPublished          *bool   `json:"is_published"`
}

// Validate checks required fields and normalizes optional ones in place.
func (n *NewInterview) Validate(now time.Time) error {
	n.Title = strings.TrimSpace(n.Title)
	n.IntervieweeName = strings.TrimSpace(n.IntervieweeName)
	if n.Title == "" {
		return fmt.Errorf("title is required")
	}
	if n.IntervieweeName == "" {
		return fmt.Errorf("interviewee_name is required")
	}
	if err := validateBirthYear(n.IntervieweeBirthYear, now); err != nil {
		return err
	}
	d, err := normalizeDate(n.InterviewDate)
	if err != nil {
		return err
	}
	n.InterviewDate = d
	if n.AudioFilePath != nil && strings.TrimSpace(*n.AudioFilePath) == "" {
		n.AudioFilePath = nil
	}
	return nil
}

// Update holds a partial edit of an interview's descriptive fields.
// Nil fields are left unchanged.
type Update struct {
	Title                *string `json:"title"`
	IntervieweeName      *string `json:"interviewee_name"`
	IntervieweeBirthYear *int    `json:"interviewee_birth_year"`
	InterviewDate        *string `json:"interview_date"`
	IsPublished          *bool   `json:"is_published"`
	AudioFilePath        *string `json:"audio_file_path"`
}

// Empty reports whether the update changes nothing.
func (u *Update) Empty() bool {
	return u.Title == nil && u.IntervieweeName == nil && u.IntervieweeBirthYear == nil &&
		u.InterviewDate == nil && u.IsPublished == nil && u.AudioFilePath == nil
}

// Validate rejects blank required fields and malformed optional ones.
func (u *Update) Validate(now time.Time) error {
	if u.Title != nil {
		t := strings.TrimSpace(*u.Title)
		if t == "" {
			return fmt.Errorf("title must not be empty")
		}
		u.Title = &t
	}
	if u.IntervieweeName != nil {
		name := strings.TrimSpace(*u.IntervieweeName)
		if name == "" {
			return fmt.Errorf("interviewee_name must not be empty")
		}
		u.IntervieweeName = &name
	}
	if err := validateBirthYear(u.IntervieweeBirthYear, now); err != nil {
		return err
	}
	if u.InterviewDate != nil {
		d, err := normalizeDate(u.InterviewDate)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("interview_date must not be empty")
		}
		u.InterviewDate = d
	}
	if u.AudioFilePath != nil && strings.TrimSpace(*u.AudioFilePath) == "" {
		return fmt.Errorf("audio_file_path must not be empty")
	}
	return nil
}

func validateBirthYear(y *int, now time.Time) error {
	if y == nil {
		return nil
	}
	if *y < 1800 || *y > now.Year() {
		return fmt.Errorf("interviewee_birth_year %d out of range 1800..%d", *y, now.Year())
	}
	return nil
}

func normalizeDate(d *string) (*string, error) {
	if d == nil {
		return nil, nil
	}
	s := strings.TrimSpace(*d)
	if s == "" {
		return nil, nil
	}
	if _, err := time.Parse(time.DateOnly, s); err != nil {
		return nil, fmt.Errorf("invalid interview_date %q: want YYYY-MM-DD", s)
	}
	return &s, nil
}

// Stats summarizes the archive for the dashboard.
type Stats struct {
	Total      int         `json:"total"`
	Completed  int         `json:"completed"`
	Processing int         `json:"processing"`
	Recent     []Interview `json:"recent"`
}
