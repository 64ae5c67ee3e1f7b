package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
	"github.com/echoes-of-korea/oral-archive/internal/transcribe"
)

// WebhookSecretHeader carries the shared secret on provider callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookHandler receives transcription results from the STT provider.
type WebhookHandler struct {
	svc    Transcriber
	secret []byte
}

// NewWebhookHandler creates the callback handler. An empty secret rejects
// every callback.
func NewWebhookHandler(svc Transcriber, secret string) *WebhookHandler {
	return &WebhookHandler{svc: svc, secret: []byte(secret)}
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if len(h.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Header.Get(WebhookSecretHeader)), h.secret) == 1
}

// ServeHTTP handles POST /api/stt-webhook.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	if !h.authorized(r) {
		metrics.STTWebhookTotal.WithLabelValues("unauthorized").Inc()
		log.Warn().Str("remote", r.RemoteAddr).Msg("webhook rejected: bad secret")
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "Unauthorized")
		return
	}

	var payload transcribe.CallbackPayload
	if err := DecodeJSON(w, r, &payload); err != nil {
		metrics.STTWebhookTotal.WithLabelValues("invalid").Inc()
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
		return
	}
	cb, err := payload.Parse()
	if err != nil {
		metrics.STTWebhookTotal.WithLabelValues("invalid").Inc()
		if payload.InterviewID == "" {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "Interview ID is required")
			return
		}
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}

	if !cb.Actionable() {
		metrics.STTWebhookTotal.WithLabelValues("ignored").Inc()
		log.Debug().
			Str("interview_id", cb.InterviewID.String()).
			Str("status", payload.Status).
			Msg("webhook without outcome ignored")
		WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	res, err := h.svc.Complete(r.Context(), cb)
	if err != nil {
		metrics.STTWebhookTotal.WithLabelValues(webhookResult(err)).Inc()
		log.Warn().Err(err).
			Str("interview_id", cb.InterviewID.String()).
			Str("outcome", string(cb.Outcome)).
			Msg("webhook not applied")
		writeDomainError(w, r, err, "failed to apply transcription result")
		return
	}

	result := string(cb.Outcome)
	if res.Replayed {
		result = "duplicate"
	}
	metrics.STTWebhookTotal.WithLabelValues(result).Inc()
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func webhookResult(err error) string {
	switch {
	case errors.Is(err, interview.ErrNotFound):
		return "not_found"
	case errors.Is(err, interview.ErrInvalidTransition):
		return "conflict"
	}
	return "error"
}
