package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	CORSOrigins       string        `env:"CORS_ORIGINS"`
	PublicURL         string        `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`

	// Audio blob store. Local disk unless S3_BUCKET is set.
	AudioDir       string        `env:"AUDIO_DIR" envDefault:"./audio"`
	MaxUploadMB    int64         `env:"MAX_UPLOAD_MB" envDefault:"512"`
	UploadTimeout  time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"30m"` // replaces the read/write deadlines on upload routes; 0 = none
	URLSigningKey  string        `env:"URL_SIGNING_KEY"`
	SignedURLTTL   time.Duration `env:"STT_SIGNED_URL_TTL" envDefault:"1h"`
	S3             S3Config

	STT STTConfig

	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	CookieSecure  bool          `env:"COOKIE_SECURE" envDefault:"true"`
	AdminEmail    string        `env:"ADMIN_EMAIL"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`

	DefaultLocale string `env:"DEFAULT_LOCALE" envDefault:"ko"`
	LocalesDir    string `env:"LOCALES_DIR"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"oral-archive"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"oral-archive"`
}

// S3Config configures the S3-compatible audio bucket.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// STTConfig configures the speech-to-text provider and its webhook.
type STTConfig struct {
	Provider      string        `env:"STT_PROVIDER"`
	APIURL        string        `env:"STT_API_URL"`
	APIKey        string        `env:"STT_API_KEY"`
	APISecret     string        `env:"STT_API_SECRET"`
	Language      string        `env:"STT_LANGUAGE" envDefault:"ko-KR"`
	Timeout       time.Duration `env:"STT_TIMEOUT" envDefault:"30s"`
	WebhookSecret string        `env:"STT_WEBHOOK_SECRET"`
	StaleAfter    time.Duration `env:"STT_STALE_AFTER" envDefault:"0s"`
}

// Enabled reports whether a provider has been selected.
func (c STTConfig) Enabled() bool { return c.Provider != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	cfg.STT.Provider = strings.ToLower(strings.TrimSpace(cfg.STT.Provider))

	return cfg, nil
}

// CallbackURL is the webhook address handed to the STT provider.
func (c *Config) CallbackURL() string {
	return c.PublicURL + "/api/stt-webhook"
}

// CORSOriginList splits CORS_ORIGINS into its entries.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
