package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/storage"
	"github.com/echoes-of-korea/oral-archive/internal/transcribe"
)

// statusFor maps domain errors to an HTTP status and error code.
// Unrecognized errors map to 500.
func statusFor(err error) (int, string) {
	var ve validationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ErrBadRequest
	case errors.Is(err, interview.ErrNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, interview.ErrNoAudio),
		errors.Is(err, transcribe.ErrInvalidCallback),
		errors.Is(err, storage.ErrUnsupportedAudio),
		errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, ErrBadRequest
	case errors.Is(err, interview.ErrInvalidTransition),
		errors.Is(err, interview.ErrAudioAlreadySet),
		errors.Is(err, interview.ErrTranscriptLocked):
		return http.StatusConflict, ErrConflict
	case errors.Is(err, transcribe.ErrNotConfigured):
		return http.StatusServiceUnavailable, ErrUnavailable
	}
	return http.StatusInternalServerError, ErrInternal
}

// writeDomainError writes err with the status statusFor picks. Client
// errors carry the error text; server errors are logged and replaced by
// msg.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		hlog.FromRequest(r).Error().Err(err).Msg(msg)
		WriteErrorWithCode(w, status, code, msg)
		return
	}
	text := err.Error()
	switch {
	case errors.Is(err, interview.ErrNotFound):
		text = "Interview not found"
	case errors.Is(err, interview.ErrNoAudio):
		text = "No audio file found for this interview"
	}
	WriteErrorWithCode(w, status, code, text)
}
