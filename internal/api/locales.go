package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/echoes-of-korea/oral-archive/internal/i18n"
)

// LangCookie stores the operator's explicit language choice.
const LangCookie = "lang"

// requestLocale picks the locale for r from the lang cookie and
// Accept-Language.
func requestLocale(c *i18n.Catalog, r *http.Request) string {
	var cookie string
	if ck, err := r.Cookie(LangCookie); err == nil {
		cookie = ck.Value
	}
	return c.Negotiate(r.Header.Get("Accept-Language"), cookie)
}

type localesResponse struct {
	Default string   `json:"default"`
	Current string   `json:"current"`
	Locales []string `json:"locales"`
}

// LocalesHandler exposes the message catalogs to browser code.
type LocalesHandler struct {
	catalog *i18n.Catalog
}

func NewLocalesHandler(c *i18n.Catalog) *LocalesHandler {
	return &LocalesHandler{catalog: c}
}

// Routes registers locale routes on the given router.
func (h *LocalesHandler) Routes(r chi.Router) {
	r.Get("/locales", h.List)
	r.Get("/locales/{locale}", h.Messages)
}

// List handles GET /api/locales.
func (h *LocalesHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, localesResponse{
		Default: h.catalog.Default(),
		Current: requestLocale(h.catalog, r),
		Locales: h.catalog.Locales(),
	})
}

// Messages handles GET /api/locales/{locale}.
func (h *LocalesHandler) Messages(w http.ResponseWriter, r *http.Request) {
	locale := chi.URLParam(r, "locale")
	if !h.catalog.Has(locale) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "unknown locale")
		return
	}
	WriteJSON(w, http.StatusOK, h.catalog.Messages(locale))
}
