package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
)

type fakeCounts struct {
	counts map[interview.Status]int
	err    error
}

func (f fakeCounts) CountByStatus(ctx context.Context) (map[interview.Status]int, error) {
	return f.counts, f.err
}

type fakeSubs int

func (f fakeSubs) SubscriberCount() int { return int(f) }

func TestCollector(t *testing.T) {
	c := NewCollector(nil, fakeCounts{counts: map[interview.Status]int{
		interview.StatusCompleted:  3,
		interview.StatusProcessing: 1,
	}}, fakeSubs(2), zerolog.Nop())

	expected := `
# HELP oral_archive_interviews Interviews by transcription status.
# TYPE oral_archive_interviews gauge
oral_archive_interviews{stt_status="completed"} 3
oral_archive_interviews{stt_status="failed"} 0
oral_archive_interviews{stt_status="not_started"} 0
oral_archive_interviews{stt_status="processing"} 1
# HELP oral_archive_sse_subscribers_active Current number of SSE subscribers.
# TYPE oral_archive_sse_subscribers_active gauge
oral_archive_sse_subscribers_active 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"oral_archive_interviews", "oral_archive_sse_subscribers_active"); err != nil {
		t.Error(err)
	}
}

func TestCollectorCountError(t *testing.T) {
	c := NewCollector(nil, fakeCounts{err: errors.New("db down")}, nil, zerolog.Nop())
	// Four status gauges plus subscribers plus three pool gauges.
	if n := testutil.CollectAndCount(c); n != 8 {
		t.Errorf("CollectAndCount = %d, want 8", n)
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/interviews/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/interviews/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/interviews/abc", nil))

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/interviews/{id}", "418"))
	if after-before != 1 {
		t.Errorf("request counter delta = %v, want 1", after-before)
	}
}

func TestMetricsRegistered(t *testing.T) {
	for _, c := range []prometheus.Collector{STTTransitionsTotal, STTWebhookTotal, SSEEventsPublishedTotal} {
		if err := prometheus.Register(c); err == nil {
			t.Error("collector should already be registered by init")
		}
	}
}

func TestInstrumentHandlerUnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	if after-before != 1 {
		t.Errorf("unmatched counter delta = %v, want 1", after-before)
	}
	if got := testutil.ToFloat64(HTTPRequestsInFlight); got != 0 {
		t.Errorf("in-flight = %v after request, want 0", got)
	}
}
