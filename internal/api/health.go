package api

import (
	"context"
	"net/http"
	"time"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthChecker pings a dependency. *database.DB satisfies it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnStatus reports a broker connection. *mqttclient.Client satisfies it.
type ConnStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	db        HealthChecker
	mqtt      ConnStatus
	stt       string
	audio     string
	version   string
	startTime time.Time
}

// NewHealthHandler creates the health endpoint. mqtt may be nil; stt is the
// provider name or "" when transcription is not configured.
func NewHealthHandler(db HealthChecker, mqtt ConnStatus, stt, audioStore, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		stt:       stt,
		audio:     audioStore,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// Database check
	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if h.stt != "" {
		checks["transcription"] = h.stt
	} else {
		checks["transcription"] = "not_configured"
	}
	checks["audio_store"] = h.audio

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
