package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/config"
)

// AudioStore abstracts audio file storage backends.
type AudioStore interface {
	// Save stores size bytes read from body under key.
	Save(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// SignedURL returns a time-limited URL from which an external service
	// can fetch the file without credentials.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Open returns a reader for the audio file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an audio file is present.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

var (
	ErrUnsupportedAudio = errors.New("unsupported audio file type")
	ErrInvalidKey       = errors.New("invalid audio key")
)

// New creates an AudioStore based on config. Local disk is used unless an
// S3 bucket is configured, in which case the bucket must be reachable.
func New(cfg *config.Config, log zerolog.Logger) (AudioStore, error) {
	if !cfg.S3.Enabled() {
		key := []byte(cfg.URLSigningKey)
		if len(key) == 0 {
			key = make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				return nil, fmt.Errorf("generate signing key: %w", err)
			}
			log.Warn().Msg("URL_SIGNING_KEY not set, using a random key; signed audio URLs will not survive a restart")
		}
		signer := NewURLSigner(key, cfg.PublicURL+"/audio/")
		log.Info().Str("dir", cfg.AudioDir).Msg("using local audio store")
		return NewLocalStore(cfg.AudioDir, signer), nil
	}

	s3store, err := NewS3Store(cfg.S3, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.S3.Bucket, cfg.S3.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.S3.Bucket).Str("endpoint", cfg.S3.Endpoint).Msg("S3 connection verified")
	return s3store, nil
}

// audioTypes maps accepted upload extensions to their content type.
var audioTypes = map[string]string{
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".webm": "audio/webm",
}

// ContentTypeForKey returns the audio content type implied by a key's extension.
func ContentTypeForKey(key string) string {
	if ct, ok := audioTypes[strings.ToLower(filepath.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// NewKey derives a storage key for an uploaded file: the upload time in
// unix milliseconds, a short random suffix, and the original extension.
func NewKey(filename string, now time.Time) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := audioTypes[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAudio, ext)
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), uuid.NewString()[:8], ext), nil
}

// ValidKey reports whether key is a clean relative path that stays
// inside the store.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	if path.Clean(key) != key {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return false
		}
	}
	return true
}
