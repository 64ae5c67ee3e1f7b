package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	oralarchive "github.com/echoes-of-korea/oral-archive"
	"github.com/echoes-of-korea/oral-archive/internal/api"
	"github.com/echoes-of-korea/oral-archive/internal/auth"
	"github.com/echoes-of-korea/oral-archive/internal/config"
	"github.com/echoes-of-korea/oral-archive/internal/database"
	"github.com/echoes-of-korea/oral-archive/internal/events"
	"github.com/echoes-of-korea/oral-archive/internal/i18n"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
	"github.com/echoes-of-korea/oral-archive/internal/mqttclient"
	"github.com/echoes-of-korea/oral-archive/internal/storage"
	"github.com/echoes-of-korea/oral-archive/internal/transcribe"
)

var version = "dev"

const sessionPurgeInterval = time.Hour

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "local audio directory (overrides AUDIO_DIR)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version + "\n")
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("oral-archive starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.ServerPool, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx, oralarchive.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	// Audio store
	audio, err := storage.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open audio store")
	}

	bus := events.NewBus(0)

	// MQTT mirror (optional)
	var mqttStatus api.ConnStatus
	if cfg.MQTTBrokerURL != "" {
		mq, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mq.Close()
		bus.AddSink(mq)
		mqttStatus = mq
	}

	// Transcription
	provider, err := transcribe.NewProvider(cfg.STT)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid speech-to-text configuration")
	}
	if provider == nil {
		log.Warn().Msg("STT_PROVIDER not set, transcription disabled")
	} else if cfg.STT.WebhookSecret == "" {
		log.Warn().Msg("STT_WEBHOOK_SECRET not set, all transcription callbacks will be rejected")
	}
	svc := transcribe.NewService(transcribe.ServiceOptions{
		Store:       db,
		Audio:       audio,
		Provider:    provider,
		Notifier:    bus,
		Language:    cfg.STT.Language,
		CallbackURL: cfg.CallbackURL(),
		URLTTL:      cfg.SignedURLTTL,
		Log:         log,
	})

	if cfg.STT.StaleAfter > 0 {
		sweeper := transcribe.NewSweeper(db, cfg.STT.StaleAfter, bus, log)
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Auth
	authProvider := auth.NewPasswordProvider(db, cfg.SessionTTL, log)
	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := authProvider.Bootstrap(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			log.Fatal().Err(err).Msg("failed to bootstrap admin user")
		}
	}
	go purgeSessions(ctx, db, log)

	// Locales
	catalog, err := i18n.New(cfg.DefaultLocale, cfg.LocalesDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load locales")
	}
	go func() {
		if err := catalog.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("locale watcher stopped")
		}
	}()

	// Metrics
	if cfg.MetricsEnabled {
		prometheus.MustRegister(metrics.NewCollector(db.Pool, db, bus, log))
	}

	webFS, err := fs.Sub(oralarchive.WebFiles, "web")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open embedded web assets")
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv, err := api.NewServer(api.ServerOptions{
		Config:      cfg,
		DB:          db,
		Interviews:  db,
		Audio:       audio,
		Transcriber: svc,
		STTProvider: svc.ProviderName(),
		Auth:        authProvider,
		Bus:         bus,
		MQTT:        mqttStatus,
		Catalog:     catalog,
		WebFS:       webFS,
		Version:     version,
		StartTime:   startTime,
		Log:         httpLog,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build http server")
	}

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("oral-archive stopped")
}

// purgeSessions deletes expired login sessions until ctx is cancelled.
func purgeSessions(ctx context.Context, db *database.DB, log zerolog.Logger) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpiredSessions(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("session purge failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired sessions purged")
			}
		}
	}
}
