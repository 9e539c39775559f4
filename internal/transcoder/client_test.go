package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-transcode-engine/internal/platform/logger"
)

type recorded struct {
	start StartRequest
	stops []string
	seeks map[string]int64
}

func newControlRouter(rec *recorded) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/transcode/start", func(w http.ResponseWriter, req *http.Request) {
		if err := json.NewDecoder(req.Body).Decode(&rec.start); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Accepted{JobID: "remote-1", Status: "starting"})
	})
	r.Post("/api/transcode/{id}/stop", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if id == "gone" {
			http.Error(w, "no such job", http.StatusNotFound)
			return
		}
		rec.stops = append(rec.stops, id)
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/transcode/{id}/skip", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Time int64 `json:"time"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		rec.seeks[chi.URLParam(req, "id")] = body.Time
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "encoder pool exhausted", http.StatusServiceUnavailable)
	})
	return r
}

func TestClient_over_base_url(t *testing.T) {
	rec := &recorded{seeks: map[string]int64{}}
	srv := httptest.NewServer(newControlRouter(rec))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/"}, logger.Discard())
	require.NoError(t, err)
	ctx := context.Background()

	acc, err := c.Start(ctx, StartRequest{SessionID: "s1", VideoID: "m1", Quality: "720p", StartSegment: 12, SegmentDuration: 4})
	require.NoError(t, err)
	assert.Equal(t, "remote-1", acc.JobID)
	assert.Equal(t, "s1", rec.start.SessionID)
	assert.Equal(t, int64(12), rec.start.StartSegment)

	require.NoError(t, c.Seek(ctx, "s1", 48.9))
	assert.Equal(t, int64(48), rec.seeks["s1"])

	require.NoError(t, c.Stop(ctx, "s1"))
	assert.Equal(t, []string{"s1"}, rec.stops)

	assert.NoError(t, c.Stop(ctx, "gone"), "stopping an unknown encode is not an error")

	err = c.Health(ctx)
	var re *ResponseError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	assert.Equal(t, "encoder pool exhausted", re.Body)
}

func TestClient_over_unix_socket(t *testing.T) {
	dir, err := os.MkdirTemp("", "tc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "t.sock")

	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	rec := &recorded{seeks: map[string]int64{}}
	srv := httptest.NewUnstartedServer(newControlRouter(rec))
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	c, err := New(Config{Socket: socket}, logger.Discard())
	require.NoError(t, err)

	_, err = c.Start(context.Background(), StartRequest{SessionID: "sock"})
	require.NoError(t, err)
	assert.Equal(t, "sock", rec.start.SessionID)
}

func TestClient_unavailable(t *testing.T) {
	c, err := New(Config{Socket: filepath.Join(t.TempDir(), "missing.sock")}, logger.Discard())
	require.NoError(t, err)

	err = c.Stop(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNew_requires_endpoint(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "not a url"}, nil)
	assert.Error(t, err)
}
