package api

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/auth"
	"github.com/echoes-of-korea/oral-archive/internal/config"
	"github.com/echoes-of-korea/oral-archive/internal/events"
	"github.com/echoes-of-korea/oral-archive/internal/i18n"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
	"github.com/echoes-of-korea/oral-archive/internal/storage"
)

// Login attempts allowed per client IP.
const (
	loginRPS   = 0.2
	loginBurst = 5
)

// ServerOptions wires the HTTP server to the rest of the application.
type ServerOptions struct {
	Config      *config.Config
	DB          HealthChecker
	Interviews  InterviewStore
	Audio       storage.AudioStore
	Transcriber Transcriber
	STTProvider string // "" when transcription is not configured
	Auth        auth.Provider
	Bus         *events.Bus
	MQTT        ConnStatus // nil when no broker is configured
	Catalog     *i18n.Catalog
	WebFS       fs.FS // holds templates/ and static/
	Version     string
	StartTime   time.Time
	Log         zerolog.Logger
}

type Server struct {
	http    *http.Server
	handler http.Handler
	log     zerolog.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORSWithOrigins(cfg.CORSOriginList()))
	if cfg.MetricsEnabled {
		r.Use(metrics.InstrumentHandler)
	}
	r.Use(LoadSession(opts.Auth))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	var (
		pub    Publisher
		source EventSource
	)
	if opts.Bus != nil {
		pub, source = opts.Bus, opts.Bus
	}

	interviews := NewInterviewsHandler(opts.Interviews, opts.Audio, pub,
		cfg.MaxUploadMB<<20, cfg.UploadTimeout, cfg.SignedURLTTL)
	authHandler := NewAuthHandler(opts.Auth, cfg.CookieSecure)

	// Health endpoint, no auth
	health := NewHealthHandler(opts.DB, opts.MQTT, opts.STTProvider, opts.Audio.Type(), opts.Version, opts.StartTime)
	r.Get("/api/health", health.ServeHTTP)

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// The provider authenticates with the shared webhook secret, not a session.
	r.Post("/api/stt-webhook", NewWebhookHandler(opts.Transcriber, cfg.STT.WebhookSecret).ServeHTTP)

	// One limiter instance so the JSON and form sign-ins share a budget.
	loginLimit := RateLimiter(loginRPS, loginBurst)

	r.Route("/api", func(r chi.Router) {
		r.With(loginLimit).Post("/auth/login", authHandler.Login)
		authHandler.Routes(r)
		NewLocalesHandler(opts.Catalog).Routes(r)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(RequireSession)
			NewTranscribeHandler(opts.Transcriber).Routes(r)
			interviews.Routes(r)
			r.Get("/dashboard", DashboardHandler(opts.Interviews))
			NewEventsHandler(source).Routes(r)
		})
	})

	// Local audio is served behind signed URLs; S3 presigns its own.
	if local, ok := opts.Audio.(*storage.LocalStore); ok {
		r.Get("/audio/*", AudioFileHandler(local))
	}

	static, err := fs.Sub(opts.WebFS, "static")
	if err != nil {
		return nil, fmt.Errorf("static assets: %w", err)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(static))))

	pages, err := NewPagesHandler(PagesOptions{
		WebFS:        opts.WebFS,
		Catalog:      opts.Catalog,
		Interviews:   interviews,
		Transcriber:  opts.Transcriber,
		Auth:         opts.Auth,
		Audio:        opts.Audio,
		CookieSecure: cfg.CookieSecure,
		URLTTL:       cfg.SignedURLTTL,
		LoginLimit:   loginLimit,
	})
	if err != nil {
		return nil, err
	}
	pages.Routes(r)

	return &Server{
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           r,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		handler: r,
		log:     opts.Log,
	}, nil
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
