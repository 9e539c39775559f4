package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_nil_receiver_is_noop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncRequests()
		m.IncProbeCacheHit()
		m.AddSessionsEvicted(3)
		m.IncJobsFinished("failed")
		m.SetActiveSessions(2)
	})
}

func TestMetrics_counters(t *testing.T) {
	m := New()
	m.IncProbeCacheMiss()
	m.IncProbeCacheMiss()
	m.AddSessionsEvicted(0)
	m.AddSessionsEvicted(2)
	m.IncJobsFinished("completed")

	body := scrape(t, m, nil)
	assert.Contains(t, body, "probe_cache_misses_total 2")
	assert.Contains(t, body, "transcode_sessions_evicted_total 2")
	assert.Contains(t, body, `transcode_jobs_total{state="completed"} 1`)
}

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandler_refreshes_gauges(t *testing.T) {
	m := New()
	body := scrape(t, m, func() {
		m.SetActiveSessions(4)
		m.SetProducingSessions(3)
	})
	assert.Contains(t, body, "transcode_sessions_active 4")
	assert.Contains(t, body, "transcode_sessions_producing 3")
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/sessions/{session_id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "session_id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/a", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/missing", nil))

	body := scrape(t, m, nil)
	assert.Contains(t, body, "hls_requests_total 2")
	assert.Contains(t, body, "hls_errors_total 1")
	assert.Contains(t, body, `hls_request_duration_seconds_count{class="2xx",method="GET",route="/sessions/{session_id}"} 1`)
	assert.Contains(t, body, `hls_request_duration_seconds_count{class="4xx",method="GET",route="/sessions/{session_id}"} 1`)
}

func TestRequestMiddleware_without_router(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	body := scrape(t, m, nil)
	assert.Contains(t, body, `route="unmatched"`)
	assert.Contains(t, body, "hls_errors_total 1")
}
