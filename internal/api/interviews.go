package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/events"
	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/storage"
)

// InterviewStore is the record store surface the interview endpoints use.
type InterviewStore interface {
	CreateInterview(ctx context.Context, n interview.NewInterview) (*interview.Interview, error)
	GetInterview(ctx context.Context, id uuid.UUID) (*interview.Interview, error)
	ListInterviews(ctx context.Context, f interview.ListFilter) ([]interview.Interview, int, error)
	UpdateInterview(ctx context.Context, id uuid.UUID, u interview.Update) (*interview.Interview, error)
	UpdateTranscript(ctx context.Context, id uuid.UUID, text string) (*interview.Interview, error)
	InterviewStats(ctx context.Context, recent int) (*interview.Stats, error)
}

// Publisher receives record change events. *events.Bus satisfies it.
type Publisher interface {
	Publish(e events.EventData)
}

const multipartMemory = 32 << 20

type InterviewsHandler struct {
	store     InterviewStore
	audio     storage.AudioStore
	events    Publisher
	maxUpload int64
	uploadTTL time.Duration
	urlTTL    time.Duration
	now       func() time.Time
}

// NewInterviewsHandler creates the interview CRUD handler. maxUpload bounds
// a multipart request body in bytes and uploadTimeout bounds the time to
// receive it (0 lifts the server read deadline entirely); pub may be nil.
func NewInterviewsHandler(store InterviewStore, audio storage.AudioStore, pub Publisher, maxUpload int64, uploadTimeout, urlTTL time.Duration) *InterviewsHandler {
	if maxUpload <= 0 {
		maxUpload = 512 << 20
	}
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &InterviewsHandler{
		store:     store,
		audio:     audio,
		events:    pub,
		maxUpload: maxUpload,
		uploadTTL: uploadTimeout,
		urlTTL:    urlTTL,
		now:       time.Now,
	}
}

// Routes registers interview routes on the given router.
func (h *InterviewsHandler) Routes(r chi.Router) {
	r.Get("/interviews", h.ListInterviews)
	r.Post("/interviews", h.CreateInterview)
	r.Get("/interviews/{id}", h.GetInterview)
	r.Patch("/interviews/{id}", h.UpdateInterview)
	r.Post("/interviews/{id}/audio", h.AttachAudio)
	r.Get("/interviews/{id}/audio-url", h.AudioURL)
	r.Put("/interviews/{id}/transcript", h.UpdateTranscript)
}

type interviewListResponse struct {
	Interviews []interview.Interview `json:"interviews"`
	Total      int                   `json:"total"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
}

// ListInterviews handles GET /api/interviews.
func (h *InterviewsHandler) ListInterviews(w http.ResponseWriter, r *http.Request) {
	p := ParsePagination(r)
	filter := interview.ListFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "status"); ok {
		s, err := interview.ParseStatus(v)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
			return
		}
		filter.Status = &s
	}
	if v, ok := QueryString(r, "q"); ok {
		filter.Search = v
	}

	items, total, err := h.store.ListInterviews(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err, "failed to list interviews")
		return
	}
	if items == nil {
		items = []interview.Interview{}
	}
	WriteJSON(w, http.StatusOK, interviewListResponse{
		Interviews: items,
		Total:      total,
		Limit:      p.Limit,
		Offset:     p.Offset,
	})
}

// CreateInterview handles POST /api/interviews. Accepts either a JSON body
// or a multipart form with an optional "audio" file part.
func (h *InterviewsHandler) CreateInterview(w http.ResponseWriter, r *http.Request) {
	var (
		n    interview.NewInterview
		file multipart.File
		hdr  *multipart.FileHeader
	)
	if isMultipart(r) {
		if !h.parseMultipart(w, r) {
			return
		}
		defer r.MultipartForm.RemoveAll()
		var err error
		n, err = newInterviewFromForm(r)
		if err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
			return
		}
		file, hdr, err = r.FormFile("audio")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "invalid audio part: "+err.Error())
			return
		}
		if file != nil {
			defer file.Close()
		}
	} else {
		if err := DecodeJSON(w, r, &n); err != nil {
			WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
			return
		}
	}

	iv, err := h.create(r.Context(), n, file, hdr)
	if err != nil {
		writeDomainError(w, r, err, "failed to create interview")
		return
	}
	WriteJSON(w, http.StatusCreated, iv)
}

// create validates n, stores the optional audio upload and inserts the
// record. Field errors are returned as validationError.
func (h *InterviewsHandler) create(ctx context.Context, n interview.NewInterview, file multipart.File, hdr *multipart.FileHeader) (*interview.Interview, error) {
	if err := n.Validate(h.now()); err != nil {
		return nil, validationError{err}
	}
	switch {
	case file != nil:
		key, err := h.saveAudio(ctx, file, hdr)
		if err != nil {
			return nil, err
		}
		n.AudioFilePath = &key
	case n.AudioFilePath != nil:
		if err := h.checkAudioKey(ctx, *n.AudioFilePath); err != nil {
			return nil, err
		}
	}

	iv, err := h.store.CreateInterview(ctx, n)
	if err != nil {
		if file != nil {
			zerolog.Ctx(ctx).Warn().Str("audio_key", *n.AudioFilePath).Msg("insert failed after upload, audio left unreferenced")
		}
		return nil, err
	}
	h.publish(events.TypeCreated, iv)
	return iv, nil
}

// GetInterview handles GET /api/interviews/{id}.
func (h *InterviewsHandler) GetInterview(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	iv, err := h.store.GetInterview(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err, "failed to load interview")
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}

// UpdateInterview handles PATCH /api/interviews/{id}.
func (h *InterviewsHandler) UpdateInterview(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	var u interview.Update
	if err := DecodeJSON(w, r, &u); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
		return
	}
	if u.Empty() {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "no fields to update")
		return
	}
	if err := u.Validate(h.now()); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	if u.AudioFilePath != nil {
		if err := h.checkAudioKey(r.Context(), *u.AudioFilePath); err != nil {
			writeDomainError(w, r, err, "failed to update interview")
			return
		}
	}

	iv, err := h.store.UpdateInterview(r.Context(), id, u)
	if err != nil {
		writeDomainError(w, r, err, "failed to update interview")
		return
	}
	h.publish(events.TypeUpdated, iv)
	WriteJSON(w, http.StatusOK, iv)
}

// AttachAudio handles POST /api/interviews/{id}/audio. The audio reference
// is write-once: a record that already has audio returns 409.
func (h *InterviewsHandler) AttachAudio(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	if !isMultipart(r) {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "expected multipart form with an audio file")
		return
	}
	if !h.parseMultipart(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("audio")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	iv, err := h.attach(r.Context(), id, file, hdr)
	if err != nil {
		writeDomainError(w, r, err, "failed to attach audio")
		return
	}
	WriteJSON(w, http.StatusOK, iv)
}

func (h *InterviewsHandler) attach(ctx context.Context, id uuid.UUID, file multipart.File, hdr *multipart.FileHeader) (*interview.Interview, error) {
	current, err := h.store.GetInterview(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.HasAudio() {
		return nil, interview.ErrAudioAlreadySet
	}
	key, err := h.saveAudio(ctx, file, hdr)
	if err != nil {
		return nil, err
	}
	iv, err := h.store.UpdateInterview(ctx, id, interview.Update{AudioFilePath: &key})
	if err != nil {
		return nil, err
	}
	h.publish(events.TypeUpdated, iv)
	return iv, nil
}

type audioURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AudioURL handles GET /api/interviews/{id}/audio-url.
func (h *InterviewsHandler) AudioURL(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	iv, err := h.store.GetInterview(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err, "failed to load interview")
		return
	}
	if !iv.HasAudio() {
		writeDomainError(w, r, interview.ErrNoAudio, "")
		return
	}
	url, err := h.audio.SignedURL(r.Context(), *iv.AudioFilePath, h.urlTTL)
	if err != nil {
		writeDomainError(w, r, err, "failed to sign audio url")
		return
	}
	WriteJSON(w, http.StatusOK, audioURLResponse{URL: url, ExpiresAt: h.now().Add(h.urlTTL).UTC()})
}

type transcriptRequest struct {
	FullTranscript *string `json:"full_transcript"`
}

// UpdateTranscript handles PUT /api/interviews/{id}/transcript. Only a
// completed transcription can be edited.
func (h *InterviewsHandler) UpdateTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, err.Error())
		return
	}
	var req transcriptRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
		return
	}
	if req.FullTranscript == nil || strings.TrimSpace(*req.FullTranscript) == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrBadRequest, "full_transcript is required")
		return
	}

	iv, err := h.store.UpdateTranscript(r.Context(), id, *req.FullTranscript)
	if err != nil {
		writeDomainError(w, r, err, "failed to save transcript")
		return
	}
	h.publish(events.TypeUpdated, iv)
	WriteJSON(w, http.StatusOK, iv)
}

func (h *InterviewsHandler) saveAudio(ctx context.Context, file multipart.File, hdr *multipart.FileHeader) (string, error) {
	key, err := storage.NewKey(hdr.Filename, h.now())
	if err != nil {
		return "", err
	}
	if err := h.audio.Save(ctx, key, file, hdr.Size, storage.ContentTypeForKey(key)); err != nil {
		return "", fmt.Errorf("save audio %s: %w", key, err)
	}
	return key, nil
}

func (h *InterviewsHandler) checkAudioKey(ctx context.Context, key string) error {
	if !storage.ValidKey(key) {
		return fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	if !h.audio.Exists(ctx, key) {
		return fmt.Errorf("%w: %q not found in %s store", storage.ErrInvalidKey, key, h.audio.Type())
	}
	return nil
}

func (h *InterviewsHandler) publish(typ string, iv *interview.Interview) {
	if h.events == nil {
		return
	}
	h.events.Publish(events.EventData{Type: typ, InterviewID: iv.ID.String(), Payload: iv})
}

// readUpload replaces the server-wide read and write deadlines with the
// upload deadline, then parses the size-bounded multipart body.
func (h *InterviewsHandler) readUpload(w http.ResponseWriter, r *http.Request) error {
	var deadline time.Time
	if h.uploadTTL > 0 {
		deadline = time.Now().Add(h.uploadTTL)
	}
	// Writers without deadline support (recorders, some proxies) keep the
	// server defaults.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(deadline)
	_ = rc.SetWriteDeadline(deadline)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	return r.ParseMultipartForm(multipartMemory)
}

// parseMultipart reads the upload, writing the error response itself when
// it fails.
func (h *InterviewsHandler) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	if err := h.readUpload(w, r); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorWithCode(w, http.StatusRequestEntityTooLarge, ErrTooLarge,
				fmt.Sprintf("upload exceeds %d MB", h.maxUpload>>20))
			return false
		}
		hlog.FromRequest(r).Debug().Err(err).Msg("bad multipart form")
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid multipart form: "+err.Error())
		return false
	}
	return true
}

func isMultipart(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "multipart/form-data"
}

// newInterviewFromForm reads interview fields from a parsed form.
func newInterviewFromForm(r *http.Request) (interview.NewInterview, error) {
	n := interview.NewInterview{
		Title:           r.FormValue("title"),
		IntervieweeName: r.FormValue("interviewee_name"),
	}
	if v := strings.TrimSpace(r.FormValue("interviewee_birth_year")); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return n, fmt.Errorf("invalid interviewee_birth_year %q", v)
		}
		n.IntervieweeBirthYear = &y
	}
	if v := strings.TrimSpace(r.FormValue("interview_date")); v != "" {
		n.InterviewDate = &v
	}
	if _, ok := r.Form["is_published"]; ok {
		v := strings.TrimSpace(r.FormValue("is_published"))
		pub := v == "on"
		if !pub {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return n, fmt.Errorf("invalid is_published %q", v)
			}
			pub = b
		}
		n.IsPublished = &pub
	}
	return n, nil
}

// validationError marks a request field error for a 400 response.
type validationError struct{ err error }

func (e validationError) Error() string { return e.err.Error() }
func (e validationError) Unwrap() error { return e.err }
