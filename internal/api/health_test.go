package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeConn bool

func (f fakeConn) IsConnected() bool { return bool(f) }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		db         HealthChecker
		mqtt       ConnStatus
		stt        string
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "healthy",
			db:         fakeDB{},
			mqtt:       fakeConn(true),
			stt:        "http",
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"database": "ok", "mqtt": "ok", "transcription": "http", "audio_store": "local"},
		},
		{
			name:       "mqtt_disconnected_is_degraded",
			db:         fakeDB{},
			mqtt:       fakeConn(false),
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"mqtt": "disconnected", "transcription": "not_configured"},
		},
		{
			name:       "no_broker",
			db:         fakeDB{},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"mqtt": "not_configured"},
		},
		{
			name:       "database_down",
			db:         fakeDB{err: errors.New("connection refused")},
			mqtt:       fakeConn(false),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantChecks: map[string]string{"database": "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.db, tt.mqtt, tt.stt, "local", "v1.2.3", time.Now().Add(-time.Minute))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("JSON decode: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.Version != "v1.2.3" {
				t.Errorf("version = %q", body.Version)
			}
			if body.UptimeSeconds < 60 {
				t.Errorf("uptime = %d, want >= 60", body.UptimeSeconds)
			}
			for k, want := range tt.wantChecks {
				if got := body.Checks[k]; got != want {
					t.Errorf("checks[%s] = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestHealthRouteIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}
