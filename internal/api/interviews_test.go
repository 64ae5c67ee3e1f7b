package api

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoes-of-korea/oral-archive/internal/config"
	"github.com/echoes-of-korea/oral-archive/internal/interview"
)

func TestCreateInterviewJSON(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(env.request("POST", "/api/interviews", map[string]any{
		"title":                  "  흥남 철수 증언  ",
		"interviewee_name":       "박영수",
		"interviewee_birth_year": 1932,
		"interview_date":         "2024-06-25",
		"is_published":           false,
	}, true))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got interview.Interview
	decodeBody(t, rec, &got)
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, "흥남 철수 증언", got.Title)
	assert.Equal(t, interview.StatusNotStarted, got.STTStatus)
	assert.False(t, got.IsPublished)
	require.NotNil(t, got.IntervieweeBirthYear)
	assert.Equal(t, 1932, *got.IntervieweeBirthYear)
	assert.Nil(t, got.AudioFilePath)
	assert.Equal(t, 1, env.store.Len())
}

func TestCreateInterviewValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"missing_title", map[string]any{"interviewee_name": "박영수"}},
		{"blank_name", map[string]any{"title": "t", "interviewee_name": "   "}},
		{"birth_year_out_of_range", map[string]any{"title": "t", "interviewee_name": "n", "interviewee_birth_year": 1200}},
		{"bad_date", map[string]any{"title": "t", "interviewee_name": "n", "interview_date": "25/06/2024"}},
		{"unknown_audio_key", map[string]any{"title": "t", "interviewee_name": "n", "audio_file_path": "1700000000000-deadbeef.mp3"}},
		{"traversal_audio_key", map[string]any{"title": "t", "interviewee_name": "n", "audio_file_path": "../etc/passwd"}},
		{"invalid_json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(env.request("POST", "/api/interviews", tt.body, true))
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Zero(t, env.store.Len())
		})
	}
}

func TestCreateInterviewMultipart(t *testing.T) {
	t.Run("with_audio", func(t *testing.T) {
		env := newTestEnv(t)
		body, ct := multipartBody(t, map[string]string{
			"title":            "제주 4.3 구술",
			"interviewee_name": "고정자",
			"is_published":     "on",
		}, "session1.M4A", []byte("fake m4a data"))

		req := env.upload("/api/interviews", body, ct)
		rec := env.do(req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var got interview.Interview
		decodeBody(t, rec, &got)
		require.True(t, got.HasAudio())
		assert.True(t, strings.HasSuffix(*got.AudioFilePath, ".m4a"))
		assert.True(t, got.IsPublished)
		assert.True(t, env.audio.Exists(req.Context(), *got.AudioFilePath))
	})

	t.Run("without_audio", func(t *testing.T) {
		env := newTestEnv(t)
		body, ct := multipartBody(t, map[string]string{
			"title":            "t",
			"interviewee_name": "n",
			"is_published":     "false",
		}, "", nil)
		req := env.upload("/api/interviews", body, ct)
		rec := env.do(req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var got interview.Interview
		decodeBody(t, rec, &got)
		assert.False(t, got.HasAudio())
		assert.False(t, got.IsPublished)
	})

	t.Run("unsupported_audio_type", func(t *testing.T) {
		env := newTestEnv(t)
		body, ct := multipartBody(t, map[string]string{"title": "t", "interviewee_name": "n"}, "notes.txt", []byte("hello"))
		req := env.upload("/api/interviews", body, ct)
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		assert.Zero(t, env.store.Len())
	})

	t.Run("too_large", func(t *testing.T) {
		env := newTestEnv(t)
		big := bytes.Repeat([]byte{0x1}, 2<<20)
		body, ct := multipartBody(t, map[string]string{"title": "t", "interviewee_name": "n"}, "big.mp3", big)
		req := env.upload("/api/interviews", body, ct)
		rec := env.do(req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
		assert.Zero(t, env.store.Len())
	})
}

// An upload that trickles in for longer than the server read timeout still
// succeeds because the upload routes swap in their own deadline.
func TestUploadOutlastsReadTimeout(t *testing.T) {
	const readTimeout = 100 * time.Millisecond
	env := newTestEnv(t, withConfig(func(c *config.Config) { c.UploadTimeout = 10 * time.Second }))

	ts := httptest.NewUnstartedServer(env.handler)
	ts.Config.ReadTimeout = readTimeout
	ts.Start()
	defer ts.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		mw.WriteField("title", "장진호 전투 회고")
		mw.WriteField("interviewee_name", "이만석")
		fw, err := mw.CreateFormFile("audio", "slow.mp3")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		fw.Write([]byte("ID3 first chunk "))
		time.Sleep(3 * readTimeout)
		fw.Write([]byte("second chunk"))
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequest("POST", ts.URL+"/api/interviews", pr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: testToken})

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, 1, env.store.Len())
}

func TestAttachAudio(t *testing.T) {
	env := newTestEnv(t)
	iv := env.seed(interview.StatusNotStarted, false)

	attach := func() *httptest.ResponseRecorder {
		body, ct := multipartBody(t, nil, "tape.wav", []byte("RIFF fake"))
		req := env.upload("/api/interviews/"+iv.ID.String()+"/audio", body, ct)
		return env.do(req)
	}

	rec := attach()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got interview.Interview
	decodeBody(t, rec, &got)
	require.True(t, got.HasAudio())
	first := *got.AudioFilePath

	// The audio reference is write-once.
	rec = attach()
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, first, *env.store.Snapshot(iv.ID).AudioFilePath)

	t.Run("requires_multipart", func(t *testing.T) {
		rec := env.do(env.request("POST", "/api/interviews/"+iv.ID.String()+"/audio", map[string]string{}, true))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown_interview", func(t *testing.T) {
		body, ct := multipartBody(t, nil, "tape.wav", []byte("RIFF"))
		req := env.upload("/api/interviews/"+uuid.NewString()+"/audio", body, ct)
		assert.Equal(t, http.StatusNotFound, env.do(req).Code)
	})
}

func TestListInterviews(t *testing.T) {
	env := newTestEnv(t)
	env.seed(interview.StatusNotStarted, false)
	env.seed(interview.StatusCompleted, true)
	env.store.Put(interview.Interview{Title: "부산 국제시장", IntervieweeName: "이말순", STTStatus: interview.StatusFailed})

	var all interviewListResponse
	rec := env.do(env.request("GET", "/api/interviews", nil, true))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &all)
	assert.Equal(t, 3, all.Total)
	assert.Len(t, all.Interviews, 3)
	assert.Equal(t, 50, all.Limit)

	var completed interviewListResponse
	decodeBody(t, env.do(env.request("GET", "/api/interviews?status=completed", nil, true)), &completed)
	require.Equal(t, 1, completed.Total)
	assert.Equal(t, interview.StatusCompleted, completed.Interviews[0].STTStatus)

	var search interviewListResponse
	decodeBody(t, env.do(env.request("GET", "/api/interviews?q="+url.QueryEscape("국제시장"), nil, true)), &search)
	require.Equal(t, 1, search.Total)
	assert.Equal(t, "이말순", search.Interviews[0].IntervieweeName)

	var paged interviewListResponse
	decodeBody(t, env.do(env.request("GET", "/api/interviews?limit=2&offset=2", nil, true)), &paged)
	assert.Equal(t, 3, paged.Total)
	assert.Len(t, paged.Interviews, 1)

	rec = env.do(env.request("GET", "/api/interviews?status=bogus", nil, true))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(env.request("GET", "/api/interviews", nil, false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetAndUpdateInterview(t *testing.T) {
	env := newTestEnv(t)
	iv := env.seed(interview.StatusNotStarted, false)
	path := "/api/interviews/" + iv.ID.String()

	rec := env.do(env.request("GET", path, nil, true))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, env.do(env.request("GET", "/api/interviews/"+uuid.NewString(), nil, true)).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(env.request("GET", "/api/interviews/nope", nil, true)).Code)

	rec = env.do(env.request("PATCH", path, map[string]any{"title": "새 제목", "is_published": true}, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got interview.Interview
	decodeBody(t, rec, &got)
	assert.Equal(t, "새 제목", got.Title)
	assert.True(t, got.IsPublished)
	assert.Equal(t, iv.IntervieweeName, got.IntervieweeName)

	assert.Equal(t, http.StatusBadRequest, env.do(env.request("PATCH", path, map[string]any{}, true)).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(env.request("PATCH", path, map[string]any{"title": " "}, true)).Code)

	// PATCH never changes lifecycle fields.
	rec = env.do(env.request("PATCH", path, map[string]any{"stt_status": "completed", "title": "x"}, true))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, interview.StatusNotStarted, env.store.Snapshot(iv.ID).STTStatus)
}

func TestAudioURLAndServe(t *testing.T) {
	env := newTestEnv(t)
	iv := env.seed(interview.StatusNotStarted, true)

	rec := env.do(env.request("GET", "/api/interviews/"+iv.ID.String()+"/audio-url", nil, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp audioURLResponse
	decodeBody(t, rec, &resp)
	require.True(t, strings.HasPrefix(resp.URL, "http://archive.test/audio/"))

	u, err := url.Parse(resp.URL)
	require.NoError(t, err)

	// The signed URL is served without a session.
	rec = env.do(httptest.NewRequest("GET", u.RequestURI(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ID3 fake audio bytes", rec.Body.String())

	q := u.Query()
	q.Set("sig", strings.Repeat("0", 64))
	rec = env.do(httptest.NewRequest("GET", u.Path+"?"+q.Encode(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(httptest.NewRequest("GET", u.Path, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	t.Run("no_audio", func(t *testing.T) {
		bare := env.seed(interview.StatusNotStarted, false)
		rec := env.do(env.request("GET", "/api/interviews/"+bare.ID.String()+"/audio-url", nil, true))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDashboardAPI(t *testing.T) {
	env := newTestEnv(t)
	env.seed(interview.StatusCompleted, true)
	env.seed(interview.StatusProcessing, true)
	env.seed(interview.StatusNotStarted, false)

	rec := env.do(env.request("GET", "/api/dashboard", nil, true))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats interview.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Processing)
	assert.Len(t, stats.Recent, 3)
}
