package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/echoes-of-korea/oral-archive/internal/events"
)

// EventSource is the pub-sub surface the SSE endpoint reads from.
type EventSource interface {
	Subscribe(filter events.Filter) (<-chan events.Event, func())
	ReplaySince(lastEventID string, filter events.Filter) []events.Event
}

type EventsHandler struct {
	source    EventSource
	keepalive time.Duration
}

func NewEventsHandler(source EventSource) *EventsHandler {
	return &EventsHandler{source: source, keepalive: 15 * time.Second}
}

// StreamEvents opens an SSE connection and pushes filtered events.
// Query params: types and interviews, both comma-separated.
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "event streaming not available")
		return
	}

	filter := events.Filter{
		Types:      QueryStringList(r, "types"),
		Interviews: QueryStringList(r, "interviews"),
	}

	// ResponseController reaches the underlying writer through Unwrap, so
	// instrumentation wrappers do not hide flushing.
	rc := http.NewResponseController(w)

	// The stream outlives the server's WriteTimeout.
	rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Replay missed events if Last-Event-ID is provided
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		for _, e := range h.source.ReplaySince(lastEventID, filter) {
			writeEvent(w, e)
		}
	}
	log := hlog.FromRequest(r)
	if err := rc.Flush(); err != nil {
		log.Error().Err(err).Msg("SSE flush failed")
		return
	}

	ch, cancel := h.source.Subscribe(filter)
	defer cancel()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	log.Info().Msg("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("SSE client disconnected")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
		}
		if err := rc.Flush(); err != nil {
			log.Debug().Err(err).Msg("SSE client gone")
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) {
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, e.Data)
}

// Routes registers event routes on the given router.
func (h *EventsHandler) Routes(r chi.Router) {
	r.Get("/events/stream", h.StreamEvents)
}
