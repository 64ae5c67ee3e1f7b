package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/echoes-of-korea/oral-archive/internal/transcribe"
)

// Transcriber is the lifecycle surface the HTTP layer drives.
// *transcribe.Service satisfies it.
type Transcriber interface {
	Enabled() bool
	Trigger(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, cb transcribe.Callback) (transcribe.CompleteResult, error)
}

type TranscribeHandler struct {
	svc Transcriber
}

func NewTranscribeHandler(svc Transcriber) *TranscribeHandler {
	return &TranscribeHandler{svc: svc}
}

// Routes registers the trigger endpoint.
func (h *TranscribeHandler) Routes(r chi.Router) {
	r.Post("/transcribe", h.Trigger)
}

type transcribeRequest struct {
	InterviewID string `json:"interview_id"`
}

// Trigger handles POST /api/transcribe.
func (h *TranscribeHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
		return
	}
	idStr := strings.TrimSpace(req.InterviewID)
	if idStr == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "Interview ID is required")
		return
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid interview_id")
		return
	}

	if err := h.svc.Trigger(r.Context(), id); err != nil {
		writeDomainError(w, r, err, "failed to start transcription")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Transcription started successfully",
	})
}
