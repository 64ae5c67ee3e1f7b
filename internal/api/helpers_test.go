package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	oralarchive "github.com/echoes-of-korea/oral-archive"
	"github.com/echoes-of-korea/oral-archive/internal/auth"
	"github.com/echoes-of-korea/oral-archive/internal/config"
	"github.com/echoes-of-korea/oral-archive/internal/events"
	"github.com/echoes-of-korea/oral-archive/internal/i18n"
	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/interview/interviewtest"
	"github.com/echoes-of-korea/oral-archive/internal/storage"
	"github.com/echoes-of-korea/oral-archive/internal/transcribe"
)

const (
	testWebhookSecret = "hook-secret"
	testToken         = "valid-token"
	testEmail         = "admin@example.org"
	testPassword      = "correct horse"
)

// ── Fakes ────────────────────────────────────────────────────────────

// fakeAuth accepts testEmail/testPassword and the fixed testToken.
type fakeAuth struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func newFakeAuth() *fakeAuth { return &fakeAuth{revoked: map[string]bool{}} }

func (f *fakeAuth) session(token string) *auth.Session {
	return &auth.Session{
		Token:     token,
		User:      auth.User{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Email: testEmail},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func (f *fakeAuth) SignIn(ctx context.Context, email, password string) (*auth.Session, error) {
	if email != testEmail || password != testPassword {
		return nil, auth.ErrInvalidCredentials
	}
	return f.session(testToken), nil
}

func (f *fakeAuth) User(ctx context.Context, token string) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != testToken || f.revoked[token] {
		return nil, auth.ErrNoSession
	}
	return f.session(token), nil
}

func (f *fakeAuth) SignOut(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[token] = true
	return nil
}

type sttProvider struct {
	mu   sync.Mutex
	err  error
	jobs []transcribe.Job
}

func (p *sttProvider) Submit(ctx context.Context, job transcribe.Job) (*transcribe.Submission, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.jobs = append(p.jobs, job)
	return &transcribe.Submission{RequestID: "req-1"}, nil
}

func (p *sttProvider) Name() string { return "fake" }

func (p *sttProvider) submitted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(ctx context.Context) error { return f.err }

// ── Test environment ─────────────────────────────────────────────────

type testEnv struct {
	t       *testing.T
	store   *interviewtest.MemStore
	audio   *storage.LocalStore
	stt     *sttProvider
	bus     *events.Bus
	auth    *fakeAuth
	cfg     *config.Config
	handler http.Handler
}

type envOption func(*envSetup)

type envSetup struct {
	cfg        *config.Config
	noProvider bool
}

func withoutProvider() envOption { return func(s *envSetup) { s.noProvider = true } }

func withConfig(fn func(*config.Config)) envOption {
	return func(s *envSetup) { fn(s.cfg) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	setup := envSetup{cfg: &config.Config{
		HTTPAddr:      ":0",
		PublicURL:     "http://archive.test",
		MaxUploadMB:   1,
		SignedURLTTL:  time.Hour,
		CookieSecure:  false,
		DefaultLocale: "ko",
		STT:           config.STTConfig{WebhookSecret: testWebhookSecret},
	}}
	for _, o := range opts {
		o(&setup)
	}
	cfg := setup.cfg

	store := interviewtest.NewMemStore()
	audio := storage.NewLocalStore(t.TempDir(), storage.NewURLSigner([]byte("test-key"), cfg.PublicURL+"/audio/"))
	bus := events.NewBus(16)
	fa := newFakeAuth()

	stt := &sttProvider{}
	var provider transcribe.Provider = stt
	if setup.noProvider {
		provider = nil
	}
	svc := transcribe.NewService(transcribe.ServiceOptions{
		Store:       store,
		Audio:       audio,
		Provider:    provider,
		Notifier:    bus,
		Language:    "ko-KR",
		CallbackURL: cfg.CallbackURL(),
		Log:         zerolog.Nop(),
	})

	catalog, err := i18n.New(cfg.DefaultLocale, "", zerolog.Nop())
	require.NoError(t, err)
	webFS, err := fs.Sub(oralarchive.WebFiles, "web")
	require.NoError(t, err)

	srv, err := NewServer(ServerOptions{
		Config:      cfg,
		DB:          fakeDB{},
		Interviews:  store,
		Audio:       audio,
		Transcriber: svc,
		STTProvider: svc.ProviderName(),
		Auth:        fa,
		Bus:         bus,
		Catalog:     catalog,
		WebFS:       webFS,
		Version:     "test",
		StartTime:   time.Now(),
		Log:         zerolog.Nop(),
	})
	require.NoError(t, err)

	return &testEnv{
		t:       t,
		store:   store,
		audio:   audio,
		stt:     stt,
		bus:     bus,
		auth:    fa,
		cfg:     cfg,
		handler: srv.Handler(),
	}
}

// do serves req and returns the recorder.
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// request builds a request; a non-nil body is sent as JSON. When authed
// the session cookie is attached.
func (e *testEnv) request(method, target string, body any, authed bool) *http.Request {
	e.t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			buf, err := json.Marshal(b)
			require.NoError(e.t, err)
			r = bytes.NewReader(buf)
		}
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testToken})
	}
	return req
}

// upload builds an authenticated multipart POST.
func (e *testEnv) upload(target string, body io.Reader, contentType string) *http.Request {
	req := httptest.NewRequest("POST", target, body)
	req.Header.Set("Content-Type", contentType)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testToken})
	return req
}

// putAudio stores a small audio blob and returns its key.
func (e *testEnv) putAudio(name string) string {
	e.t.Helper()
	key, err := storage.NewKey(name, time.Now())
	require.NoError(e.t, err)
	data := []byte("ID3 fake audio bytes")
	require.NoError(e.t, e.audio.Save(context.Background(), key, bytes.NewReader(data), int64(len(data)), storage.ContentTypeForKey(key)))
	return key
}

// seed inserts an interview in the given state.
func (e *testEnv) seed(status interview.Status, withAudio bool) *interview.Interview {
	e.t.Helper()
	iv := interview.Interview{
		Title:           "6.25 피란 이야기",
		IntervieweeName: "김순자",
		STTStatus:       status,
	}
	if withAudio {
		key := e.putAudio("memories.mp3")
		iv.AudioFilePath = &key
	}
	if status == interview.StatusCompleted {
		text := "그날 아침에 우리는 부산으로 떠났어요."
		iv.FullTranscript = &text
	}
	return e.store.Put(iv)
}

// multipartBody builds a multipart form with the given fields and an
// optional audio file part.
func multipartBody(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("audio", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}
