package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

// ── Keys ─────────────────────────────────────────────────────────────

func TestNewKey(t *testing.T) {
	now := time.UnixMilli(1718000000123)

	key, err := NewKey("Grandmother Interview.MP3", now)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	if !strings.HasPrefix(key, "1718000000123-") || !strings.HasSuffix(key, ".mp3") {
		t.Errorf("NewKey = %q, want <millis>-<suffix>.mp3", key)
	}
	if !ValidKey(key) {
		t.Errorf("generated key %q is not valid", key)
	}

	if _, err := NewKey("notes.txt", now); !errors.Is(err, ErrUnsupportedAudio) {
		t.Errorf("NewKey(notes.txt) err = %v, want ErrUnsupportedAudio", err)
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"1718000000123-ab12cd34.mp3", true},
		{"2024/06/a.wav", true},
		{"", false},
		{"/etc/passwd", false},
		{"../secret", false},
		{"a/../../b", false},
		{"a//b", false},
		{`a\b`, false},
		{"./a", false},
	}
	for _, tt := range tests {
		if got := ValidKey(tt.key); got != tt.want {
			t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestContentTypeForKey(t *testing.T) {
	if got := ContentTypeForKey("x.M4A"); got != "audio/mp4" {
		t.Errorf("ContentTypeForKey(x.M4A) = %q", got)
	}
	if got := ContentTypeForKey("x.bin"); got != "application/octet-stream" {
		t.Errorf("ContentTypeForKey(x.bin) = %q", got)
	}
}

// ── URLSigner ────────────────────────────────────────────────────────

func TestURLSigner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewURLSigner([]byte("test-key"), "https://archive.example.org/audio/")
	s.now = func() time.Time { return now }

	raw := s.Sign("1718000000123-ab12cd34.mp3", time.Hour)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse signed URL: %v", err)
	}
	if u.Path != "/audio/1718000000123-ab12cd34.mp3" {
		t.Errorf("path = %q", u.Path)
	}
	expires, sig := u.Query().Get("expires"), u.Query().Get("sig")

	t.Run("valid", func(t *testing.T) {
		if err := s.Verify("1718000000123-ab12cd34.mp3", expires, sig); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("other_key", func(t *testing.T) {
		if err := s.Verify("other.mp3", expires, sig); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("Verify err = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("tampered_expiry", func(t *testing.T) {
		if err := s.Verify("1718000000123-ab12cd34.mp3", "9999999999", sig); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("Verify err = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("missing_sig", func(t *testing.T) {
		if err := s.Verify("1718000000123-ab12cd34.mp3", expires, ""); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("Verify err = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		s.now = func() time.Time { return now.Add(2 * time.Hour) }
		defer func() { s.now = func() time.Time { return now } }()
		if err := s.Verify("1718000000123-ab12cd34.mp3", expires, sig); !errors.Is(err, ErrSignatureExpired) {
			t.Errorf("Verify err = %v, want ErrSignatureExpired", err)
		}
	})

	t.Run("different_secret", func(t *testing.T) {
		other := NewURLSigner([]byte("other-key"), "https://archive.example.org/audio/")
		other.now = s.now
		if err := other.Verify("1718000000123-ab12cd34.mp3", expires, sig); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("Verify err = %v, want ErrSignatureInvalid", err)
		}
	})
}

// ── LocalStore ───────────────────────────────────────────────────────

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewLocalStore(dir, NewURLSigner([]byte("k"), "http://localhost:8080/audio/"))

	data := "RIFF....WAVEfmt "
	if err := store.Save(ctx, "a.wav", strings.NewReader(data), int64(len(data)), "audio/wav"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Exists(ctx, "a.wav") {
		t.Error("Exists(a.wav) = false after Save")
	}

	rc, err := store.Open(ctx, "a.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != data {
		t.Errorf("Open content = %q, want %q", got, data)
	}

	t.Run("signed_url_round_trip", func(t *testing.T) {
		raw, err := store.SignedURL(ctx, "a.wav", time.Hour)
		if err != nil {
			t.Fatalf("SignedURL: %v", err)
		}
		u, _ := url.Parse(raw)
		if err := store.Verify("a.wav", u.Query().Get("expires"), u.Query().Get("sig")); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("signed_url_missing_file", func(t *testing.T) {
		if _, err := store.SignedURL(ctx, "missing.wav", time.Hour); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("short_body_rejected", func(t *testing.T) {
		err := store.Save(ctx, "b.wav", strings.NewReader("abc"), 10, "audio/wav")
		if err == nil {
			t.Fatal("expected error for short body")
		}
		if store.Exists(ctx, "b.wav") {
			t.Error("partial file should not be left behind")
		}
	})

	t.Run("traversal_rejected", func(t *testing.T) {
		err := store.Save(ctx, "../escape.wav", strings.NewReader("x"), 1, "audio/wav")
		if !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Save err = %v, want ErrInvalidKey", err)
		}
		if store.Exists(ctx, "../escape.wav") {
			t.Error("Exists should reject traversal keys")
		}
	})
}

func TestS3ObjectKey(t *testing.T) {
	if got := (&S3Store{}).objectKey("a.mp3"); got != "audio-files/a.mp3" {
		t.Errorf("objectKey = %q", got)
	}
	if got := (&S3Store{prefix: "prod"}).objectKey("a.mp3"); got != "prod/audio-files/a.mp3" {
		t.Errorf("objectKey with prefix = %q", got)
	}
}
