package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/auth"
)

type AuthHandler struct {
	provider     auth.Provider
	cookieSecure bool
}

func NewAuthHandler(provider auth.Provider, cookieSecure bool) *AuthHandler {
	return &AuthHandler{provider: provider, cookieSecure: cookieSecure}
}

// Routes registers logout and session. Login is registered separately so
// it can be rate limited.
func (h *AuthHandler) Routes(r chi.Router) {
	r.Post("/auth/logout", h.Logout)
	r.With(RequireSession).Get("/auth/session", h.Session)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body: "+err.Error())
		return
	}

	s, err := h.provider.SignIn(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		WriteErrorWithCode(w, http.StatusUnauthorized, ErrUnauthorized, "Invalid login credentials")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sign-in failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "Internal server error")
		return
	}

	setSessionCookie(w, s, h.cookieSecure)
	WriteJSON(w, http.StatusOK, map[string]any{"user": s.User})
}

// Logout handles POST /api/auth/logout. It succeeds without a session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.provider.SignOut(r.Context(), SessionToken(r)); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sign-out failed")
	}
	clearSessionCookie(w, h.cookieSecure)
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Session handles GET /api/auth/session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	s, _ := auth.FromContext(r.Context())
	WriteJSON(w, http.StatusOK, s)
}

func setSessionCookie(w http.ResponseWriter, s *auth.Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		MaxAge:   int(time.Until(s.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}
