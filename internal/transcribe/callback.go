package transcribe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
)

// ErrInvalidCallback is returned for a webhook body that names no valid
// interview, or that Complete receives without a usable outcome.
var ErrInvalidCallback = errors.New("invalid transcription callback")

// CallbackPayload is the JSON body the provider posts to the webhook.
// Error may be any JSON value; anything other than null, false or an
// empty string counts as a reported failure.
type CallbackPayload struct {
	InterviewID string          `json:"interviewId"`
	Transcript  string          `json:"transcript"`
	Status      string          `json:"status"`
	Error       json.RawMessage `json:"error"`
}

// Callback is a validated provider outcome.
type Callback struct {
	InterviewID uuid.UUID
	Outcome     interview.Status // completed, failed, or "" for a no-op
	Transcript  string           // non-empty when Outcome is completed
	Reason      string           // provider error text when Outcome is failed
}

// Parse validates the payload and classifies the outcome. A failure
// report wins over a transcript sent in the same body. A body with neither
// (progress pings, completed without text) parses to an empty Outcome.
func (p CallbackPayload) Parse() (Callback, error) {
	idStr := strings.TrimSpace(p.InterviewID)
	if idStr == "" {
		return Callback{}, fmt.Errorf("%w: interviewId is required", ErrInvalidCallback)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Callback{}, fmt.Errorf("%w: malformed interviewId %q", ErrInvalidCallback, idStr)
	}

	status := strings.ToLower(strings.TrimSpace(p.Status))
	if reason, failed := errorReason(p.Error); failed || status == string(interview.StatusFailed) {
		return Callback{InterviewID: id, Outcome: interview.StatusFailed, Reason: reason}, nil
	}
	if status == string(interview.StatusCompleted) && strings.TrimSpace(p.Transcript) != "" {
		return Callback{InterviewID: id, Outcome: interview.StatusCompleted, Transcript: p.Transcript}, nil
	}
	return Callback{InterviewID: id}, nil
}

// Actionable reports whether the callback carries an outcome to store.
func (c Callback) Actionable() bool {
	return c.Outcome != ""
}

func errorReason(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false
	}
	switch string(raw) {
	case "null", "false", `""`:
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, strings.TrimSpace(s) != ""
	}
	return string(raw), true
}
