package api

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/auth"
	"github.com/echoes-of-korea/oral-archive/internal/events"
	"github.com/echoes-of-korea/oral-archive/internal/i18n"
	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/storage"
)

const (
	loginPath     = "/login"
	dashboardPath = "/admin/dashboard"
	listPageSize  = 20
)

var pageNames = []string{"login", "dashboard", "interviews", "interview", "interview_new"}

// Flash message keys a redirect may carry in ?notice= or ?error=.
var flashKeys = map[string]bool{
	"transcriptionStarted":    true,
	"transcriptionStartError": true,
	"transcriptSaved":         true,
	"transcriptSaveError":     true,
	"audioAttached":           true,
	"audioAttachError":        true,
	"noAudioFile":             true,
}

// PagesOptions configures the admin HTML pages.
type PagesOptions struct {
	WebFS        fs.FS // holds templates/*.html
	Catalog      *i18n.Catalog
	Interviews   *InterviewsHandler
	Transcriber  Transcriber
	Auth         auth.Provider
	Audio        storage.AudioStore
	CookieSecure bool
	URLTTL       time.Duration
	// LoginLimit throttles form sign-ins; share it with the JSON login
	// route so both count against one budget per client.
	LoginLimit   func(http.Handler) http.Handler
}

// PagesHandler renders the server-side admin UI.
type PagesHandler struct {
	pages        map[string]*template.Template
	catalog      *i18n.Catalog
	interviews   *InterviewsHandler
	stt          Transcriber
	auth         auth.Provider
	audio        storage.AudioStore
	cookieSecure bool
	urlTTL       time.Duration
	loginLimit   func(http.Handler) http.Handler
}

// pageData is the root value every template receives.
type pageData struct {
	Locale  string
	Locales []string
	User    *auth.User
	Path    string
	Notice  string
	Error   string
	Data    any
}

type badgeView struct {
	Key     string
	Variant interview.Variant
}

// NewPagesHandler parses the page templates.
func NewPagesHandler(opts PagesOptions) (*PagesHandler, error) {
	funcs := templateFuncs(opts.Catalog)
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New("layout.html").Funcs(funcs).ParseFS(opts.WebFS,
			"templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		pages[name] = t
	}
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PagesHandler{
		pages:        pages,
		catalog:      opts.Catalog,
		interviews:   opts.Interviews,
		stt:          opts.Transcriber,
		auth:         opts.Auth,
		audio:        opts.Audio,
		cookieSecure: opts.CookieSecure,
		urlTTL:       ttl,
		loginLimit:   opts.LoginLimit,
	}, nil
}

func templateFuncs(c *i18n.Catalog) template.FuncMap {
	return template.FuncMap{
		// t "key" or t "key" "count" 3
		"t": func(locale, key string, kv ...any) string {
			var params map[string]any
			if len(kv) > 1 {
				params = make(map[string]any, len(kv)/2)
				for i := 0; i+1 < len(kv); i += 2 {
					params[fmt.Sprint(kv[i])] = kv[i+1]
				}
			}
			return c.T(locale, key, params)
		},
		"badge": func(s interview.Status) badgeView {
			key, v := s.Badge()
			return badgeView{Key: key, Variant: v}
		},
		"pubBadge": func(published bool) badgeView {
			if published {
				return badgeView{Key: "published", Variant: interview.VariantSuccess}
			}
			return badgeView{Key: "unpublished", Variant: interview.VariantDefault}
		},
		"orDash": func(v any) string {
			switch x := v.(type) {
			case *int:
				if x != nil {
					return fmt.Sprint(*x)
				}
			case *string:
				if x != nil && *x != "" {
					return *x
				}
			case string:
				if x != "" {
					return x
				}
			}
			return "-"
		},
		"date": func(t time.Time) string { return t.Local().Format(time.DateOnly) },
		"add":  func(a, b int) int { return a + b },
	}
}

// Routes registers the public pages and, behind PageGuard, the admin pages.
func (h *PagesHandler) Routes(r chi.Router) {
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, dashboardPath, http.StatusSeeOther)
	})
	r.Get(loginPath, h.LoginPage)
	if h.loginLimit != nil {
		r.With(h.loginLimit).Post(loginPath, h.LoginSubmit)
	} else {
		r.Post(loginPath, h.LoginSubmit)
	}
	r.Post("/logout", h.Logout)
	r.Get("/lang/{locale}", h.SetLanguage)

	r.Route("/admin", func(r chi.Router) {
		r.Use(PageGuard(loginPath))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, dashboardPath, http.StatusSeeOther)
		})
		r.Get("/dashboard", h.Dashboard)
		r.Get("/interviews", h.InterviewList)
		r.Get("/interviews/new", h.NewInterviewPage)
		r.Post("/interviews/new", h.NewInterviewSubmit)
		r.Get("/interviews/{id}", h.InterviewDetail)
		r.Post("/interviews/{id}/transcribe", h.TriggerTranscription)
		r.Post("/interviews/{id}/transcript", h.SaveTranscript)
		r.Post("/interviews/{id}/audio", h.AttachAudio)
	})
}

func (h *PagesHandler) data(r *http.Request, body any) pageData {
	d := pageData{
		Locale:  requestLocale(h.catalog, r),
		Locales: h.catalog.Locales(),
		Path:    r.URL.Path,
		Data:    body,
	}
	if s, ok := auth.FromContext(r.Context()); ok {
		d.User = &s.User
	}
	q := r.URL.Query()
	if k := q.Get("notice"); flashKeys[k] {
		d.Notice = k
	}
	if k := q.Get("error"); flashKeys[k] {
		d.Error = k
	}
	return d
}

func (h *PagesHandler) render(w http.ResponseWriter, r *http.Request, name string, status int, d pageData) {
	var buf bytes.Buffer
	if err := h.pages[name].Execute(&buf, d); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("page", name).Msg("template render failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (h *PagesHandler) serverError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	hlog.FromRequest(r).Error().Err(err).Msg(msg)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// ── Auth pages ───────────────────────────────────────────────────────

type loginView struct {
	Email string
	Next  string
}

// LoginPage handles GET /login. Visitors with a session go straight to
// the dashboard.
func (h *PagesHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := auth.FromContext(r.Context()); ok {
		http.Redirect(w, r, safeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
		return
	}
	h.render(w, r, "login", http.StatusOK, h.data(r, loginView{Next: r.URL.Query().Get("next")}))
}

// LoginSubmit handles the login form POST.
func (h *PagesHandler) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email, next := r.PostFormValue("email"), r.PostFormValue("next")

	s, err := h.auth.SignIn(r.Context(), email, r.PostFormValue("password"))
	if errors.Is(err, auth.ErrInvalidCredentials) {
		d := h.data(r, loginView{Email: email, Next: next})
		d.Error = "invalidCredentials"
		h.render(w, r, "login", http.StatusUnauthorized, d)
		return
	}
	if err != nil {
		h.serverError(w, r, err, "sign-in failed")
		return
	}
	setSessionCookie(w, s, h.cookieSecure)
	http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
}

// Logout handles POST /logout.
func (h *PagesHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.SignOut(r.Context(), SessionToken(r)); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sign-out failed")
	}
	clearSessionCookie(w, h.cookieSecure)
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

// SetLanguage handles GET /lang/{locale} and returns to ?next=.
func (h *PagesHandler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	locale := chi.URLParam(r, "locale")
	if h.catalog.Has(locale) {
		http.SetCookie(w, &http.Cookie{
			Name:     LangCookie,
			Value:    locale,
			Path:     "/",
			MaxAge:   365 * 24 * 60 * 60,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	next := r.URL.Query().Get("next")
	if next == loginPath {
		http.Redirect(w, r, loginPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, safeNext(next), http.StatusSeeOther)
}

// safeNext only allows local admin paths as redirect targets.
func safeNext(next string) string {
	if strings.Contains(next, `\`) || strings.Contains(next, "..") {
		return dashboardPath
	}
	if next == "/admin" || strings.HasPrefix(next, "/admin/") || strings.HasPrefix(next, "/admin?") {
		return next
	}
	return dashboardPath
}

// ── Admin pages ──────────────────────────────────────────────────────

// Dashboard handles GET /admin/dashboard.
func (h *PagesHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.interviews.store.InterviewStats(r.Context(), dashboardRecent)
	if err != nil {
		h.serverError(w, r, err, "failed to load dashboard")
		return
	}
	h.render(w, r, "dashboard", http.StatusOK, h.data(r, stats))
}

type listView struct {
	Interviews []interview.Interview
	Total      int
	Page       int
	HasPrev    bool
	HasNext    bool
	Status     string
	Query      string
	Statuses   []interview.Status
}

// InterviewList handles GET /admin/interviews.
func (h *PagesHandler) InterviewList(w http.ResponseWriter, r *http.Request) {
	page, ok := QueryInt(r, "page")
	if !ok || page < 1 {
		page = 1
	}
	v := listView{Page: page, Statuses: interview.Statuses}
	filter := interview.ListFilter{Limit: listPageSize, Offset: (page - 1) * listPageSize}
	if s, ok := QueryString(r, "status"); ok {
		if st, err := interview.ParseStatus(s); err == nil {
			filter.Status = &st
			v.Status = string(st)
		}
	}
	if q, ok := QueryString(r, "q"); ok {
		filter.Search = q
		v.Query = q
	}

	items, total, err := h.interviews.store.ListInterviews(r.Context(), filter)
	if err != nil {
		h.serverError(w, r, err, "failed to list interviews")
		return
	}
	v.Interviews, v.Total = items, total
	v.HasPrev = page > 1
	v.HasNext = filter.Offset+len(items) < total
	h.render(w, r, "interviews", http.StatusOK, h.data(r, v))
}

// PageQuery rebuilds the list filter for pagination links.
func (v listView) PageQuery(page int) template.URL {
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	if v.Status != "" {
		q.Set("status", v.Status)
	}
	if v.Query != "" {
		q.Set("q", v.Query)
	}
	return template.URL("?" + q.Encode())
}

type newInterviewView struct {
	Form    interview.NewInterview
	Message string
}

func (v newInterviewView) Published() bool {
	return v.Form.IsPublished != nil && *v.Form.IsPublished
}

// NewInterviewPage handles GET /admin/interviews/new.
func (h *PagesHandler) NewInterviewPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "interview_new", http.StatusOK, h.data(r, newInterviewView{}))
}

// NewInterviewSubmit handles the new-interview form, which may carry an
// audio file.
func (h *PagesHandler) NewInterviewSubmit(w http.ResponseWriter, r *http.Request) {
	fail := func(status int, n interview.NewInterview, msg string) {
		d := h.data(r, newInterviewView{Form: n, Message: msg})
		d.Error = "addingInterviewError"
		h.render(w, r, "interview_new", status, d)
	}

	if err := h.interviews.readUpload(w, r); err != nil {
		fail(http.StatusBadRequest, interview.NewInterview{}, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	n, err := newInterviewFromForm(r)
	if err != nil {
		fail(http.StatusBadRequest, n, err.Error())
		return
	}
	file, hdr, err := r.FormFile("audio")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		fail(http.StatusBadRequest, n, err.Error())
		return
	}
	if file != nil {
		defer file.Close()
	}

	iv, err := h.interviews.create(r.Context(), n, file, hdr)
	if err != nil {
		status, _ := statusFor(err)
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			hlog.FromRequest(r).Error().Err(err).Msg("create interview failed")
			msg = ""
		}
		fail(status, n, msg)
		return
	}
	http.Redirect(w, r, "/admin/interviews/"+iv.ID.String(), http.StatusSeeOther)
}

type detailView struct {
	Interview  *interview.Interview
	AudioURL   string
	CanTrigger bool
	Retry      bool
	Enabled    bool
}

// InterviewDetail handles GET /admin/interviews/{id}.
func (h *PagesHandler) InterviewDetail(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		h.render(w, r, "interview", http.StatusNotFound, h.data(r, detailView{}))
		return
	}
	iv, err := h.interviews.store.GetInterview(r.Context(), id)
	if errors.Is(err, interview.ErrNotFound) {
		h.render(w, r, "interview", http.StatusNotFound, h.data(r, detailView{}))
		return
	}
	if err != nil {
		h.serverError(w, r, err, "failed to load interview")
		return
	}

	v := detailView{
		Interview:  iv,
		CanTrigger: iv.HasAudio() && iv.STTStatus.CanTrigger(),
		Retry:      iv.STTStatus == interview.StatusFailed,
		Enabled:    h.stt != nil && h.stt.Enabled(),
	}
	if iv.HasAudio() {
		u, err := h.audio.SignedURL(r.Context(), *iv.AudioFilePath, h.urlTTL)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("interview_id", id.String()).Msg("audio url unavailable")
		} else {
			v.AudioURL = u
		}
	}
	h.render(w, r, "interview", http.StatusOK, h.data(r, v))
}

func detailRedirect(w http.ResponseWriter, r *http.Request, id, param, key string) {
	http.Redirect(w, r, "/admin/interviews/"+id+"?"+param+"="+key, http.StatusSeeOther)
}

// TriggerTranscription handles the detail page's transcribe button.
func (h *PagesHandler) TriggerTranscription(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	err = h.stt.Trigger(r.Context(), id)
	switch {
	case err == nil:
		detailRedirect(w, r, id.String(), "notice", "transcriptionStarted")
	case errors.Is(err, interview.ErrNotFound):
		http.NotFound(w, r)
	case errors.Is(err, interview.ErrNoAudio):
		detailRedirect(w, r, id.String(), "error", "noAudioFile")
	default:
		logTriggerError(hlog.FromRequest(r), err, id.String())
		detailRedirect(w, r, id.String(), "error", "transcriptionStartError")
	}
}

func logTriggerError(log *zerolog.Logger, err error, id string) {
	status, _ := statusFor(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("interview_id", id).Msg("transcription trigger failed")
}

// SaveTranscript handles the transcript edit form.
func (h *PagesHandler) SaveTranscript(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	if err := r.ParseForm(); err != nil {
		detailRedirect(w, r, id.String(), "error", "transcriptSaveError")
		return
	}
	text := r.PostFormValue("full_transcript")
	if strings.TrimSpace(text) == "" {
		detailRedirect(w, r, id.String(), "error", "transcriptSaveError")
		return
	}
	iv, err := h.interviews.store.UpdateTranscript(r.Context(), id, text)
	if errors.Is(err, interview.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("interview_id", id.String()).Msg("transcript save failed")
		detailRedirect(w, r, id.String(), "error", "transcriptSaveError")
		return
	}
	h.interviews.publish(events.TypeUpdated, iv)
	detailRedirect(w, r, id.String(), "notice", "transcriptSaved")
}

// AttachAudio handles the detail page's audio upload form.
func (h *PagesHandler) AttachAudio(w http.ResponseWriter, r *http.Request) {
	id, err := PathUUID(r, "id")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := h.interviews.readUpload(w, r); err != nil {
		detailRedirect(w, r, id.String(), "error", "audioAttachError")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, hdr, err := r.FormFile("audio")
	if err != nil {
		detailRedirect(w, r, id.String(), "error", "audioAttachError")
		return
	}
	defer file.Close()

	if _, err := h.interviews.attach(r.Context(), id, file, hdr); err != nil {
		if errors.Is(err, interview.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		hlog.FromRequest(r).Warn().Err(err).Str("interview_id", id.String()).Msg("audio attach failed")
		detailRedirect(w, r, id.String(), "error", "audioAttachError")
		return
	}
	detailRedirect(w, r, id.String(), "notice", "audioAttached")
}
