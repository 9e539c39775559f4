package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"hls-transcode-engine/internal/job"
	"hls-transcode-engine/internal/platform/logger"
	"hls-transcode-engine/internal/session"
)

func newTestRouter(f *fixture) *chi.Mux {
	h := NewHandler(f.svc, logger.Discard(), nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// startSession requests a segment so the engine creates a session, and
// returns its ID from the response header.
func startSession(t *testing.T, r http.Handler, user string, n int64) string {
	t.Helper()
	rec := do(t, r, http.MethodGet, "/media/m1/variants/720p/segments/"+strconv.FormatInt(n, 10)+".ts?user="+user, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("first segment request: expected 503, got %d", rec.Code)
	}
	id := rec.Header().Get("X-Session-ID")
	if id == "" {
		t.Fatal("X-Session-ID header missing")
	}
	return id
}

func TestHandler_GetMasterPlaylist(t *testing.T) {
	r := newTestRouter(newFixture(t))

	rec := do(t, r, http.MethodGet, "/media/m1/master.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type: got %q", ct)
	}
	uris := playlistURIs(rec.Body.String())
	if len(uris) != 2 {
		t.Fatalf("expected 2 variant URIs, got %v", uris)
	}

	rec = do(t, r, http.MethodGet, "/media/m1/"+uris[0], nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "#EXT-X-ENDLIST") {
		t.Errorf("variant by name: code %d body %s", rec.Code, rec.Body.String())
	}

	if rec := do(t, r, http.MethodGet, "/media/m1/other.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unrelated name: expected 404, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/media/missing/master.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown media: expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetVariantPlaylist(t *testing.T) {
	r := newTestRouter(newFixture(t))

	rec := do(t, r, http.MethodGet, "/media/m1/variants/1080p/playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control: got %q", rec.Header().Get("Cache-Control"))
	}

	if rec := do(t, r, http.MethodGet, "/media/m1/variants/4k/playlist.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown variant: expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetSegment(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	rec := do(t, r, http.MethodGet, "/media/m1/variants/720p/segments/0.ts?user=A", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the encode produced anything, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != notReadyRetryAfter {
		t.Errorf("Retry-After: got %q", rec.Header().Get("Retry-After"))
	}
	sessionID := rec.Header().Get("X-Session-ID")

	file := filepath.Join(t.TempDir(), "0.ts")
	if err := os.WriteFile(file, []byte("transport stream"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec = do(t, r, http.MethodPost, "/sessions/"+sessionID+"/segments", map[string]any{"sequence": 0, "duration": 4.0, "path": file})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}

	rec = do(t, r, http.MethodGet, "/media/m1/variants/720p/segments/0.ts?user=B", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "video/mp2t" {
		t.Errorf("Content-Type: got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Session-ID") != sessionID {
		t.Errorf("second viewer should share session %s, got %s", sessionID, rec.Header().Get("X-Session-ID"))
	}
	if rec.Body.String() != "transport stream" {
		t.Errorf("body: got %q", rec.Body.String())
	}

	if rec := do(t, r, http.MethodGet, "/media/m1/variants/720p/segments/abc.ts", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad segment name: expected 400, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/media/m1/variants/4k/segments/0.ts", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown variant: expected 404, got %d", rec.Code)
	}
}

func TestHandler_RegisterSegment(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)
	target := "/sessions/" + sessionID + "/segments"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"created", map[string]any{"sequence": 0, "duration": 4.0, "path": "0.ts"}, http.StatusCreated},
		{"duplicate", map[string]any{"sequence": 0, "duration": 4.0, "path": "0.ts"}, http.StatusCreated},
		{"not_json", "not json", http.StatusBadRequest},
		{"zero_duration", map[string]any{"sequence": 1, "duration": 0, "path": "1.ts"}, http.StatusBadRequest},
		{"missing_path", map[string]any{"sequence": 1, "duration": 4.0}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, r, http.MethodPost, target, tt.body); rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := do(t, r, http.MethodPost, "/sessions/nope/segments", map[string]any{"sequence": 0, "duration": 4.0, "path": "0.ts"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_RegisterSegment_conflict_after_end(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)
	j, err := f.jobs.ForSession(sessionID)
	if err != nil {
		t.Fatal(err)
	}

	if rec := do(t, r, http.MethodPost, "/jobs/"+j.ID+"/progress", map[string]any{"progress": 1.0}); rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d", rec.Code)
	}
	rec := do(t, r, http.MethodPost, "/sessions/"+sessionID+"/segments", map[string]any{"sequence": 1, "duration": 4.0, "path": "1.ts"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 after the encode ended, got %d", rec.Code)
	}
}

func TestHandler_GetLivePlaylist(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 38)
	target := "/sessions/" + sessionID + "/playlist.m3u8"

	if rec := do(t, r, http.MethodGet, target, nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("empty session: expected 503, got %d", rec.Code)
	}

	for i := 38; i <= 40; i++ {
		body := map[string]any{"sequence": i, "duration": 4.0, "path": strconv.Itoa(i) + ".ts"}
		if rec := do(t, r, http.MethodPost, "/sessions/"+sessionID+"/segments", body); rec.Code != http.StatusCreated {
			t.Fatalf("register %d: expected 201, got %d", i, rec.Code)
		}
	}

	rec := do(t, r, http.MethodGet, target, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "#EXT-X-MEDIA-SEQUENCE:38") {
		t.Errorf("expected media sequence 38:\n%s", body)
	}
	if !strings.Contains(body, "/media/m1/variants/720p/segments/40.ts") {
		t.Errorf("expected segment 40 URI:\n%s", body)
	}

	if rec := do(t, r, http.MethodGet, "/sessions/nope/playlist.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Sessions(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	rec := do(t, r, http.MethodGet, "/sessions", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list: code %d body %q", rec.Code, rec.Body.String())
	}

	sessionID := startSession(t, r, "A", 0)
	rec = do(t, r, http.MethodGet, "/sessions", nil)
	var list []session.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != sessionID {
		t.Errorf("list: got %+v", list)
	}

	rec = do(t, r, http.MethodGet, "/sessions/"+sessionID+"/", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get session: expected 200, got %d", rec.Code)
	}
}

func TestHandler_PauseResume(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)

	rec := do(t, r, http.MethodPost, "/sessions/"+sessionID+"/pause", nil)
	var info session.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil || !info.IsPaused {
		t.Errorf("pause: err=%v info=%+v", err, info)
	}
	rec = do(t, r, http.MethodPost, "/sessions/"+sessionID+"/resume", nil)
	info = session.SessionInfo{}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil || info.IsPaused {
		t.Errorf("resume: err=%v info=%+v", err, info)
	}
}

func TestHandler_Heartbeat(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)
	target := "/sessions/" + sessionID + "/heartbeat"

	rec := do(t, r, http.MethodPost, target, map[string]any{"segment": 4, "user_id": "B"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var info session.SessionInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if u, ok := info.ActiveUsers["B"]; !ok || u.Segment != 4 {
		t.Errorf("viewer B: got %+v", info.ActiveUsers)
	}
	if info.MaxSegment != 4 {
		t.Errorf("MaxSegment: got %d want 4", info.MaxSegment)
	}

	if rec := do(t, r, http.MethodPost, target, map[string]any{"segment": -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative segment: expected 400, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, "/sessions/nope/heartbeat", map[string]any{"segment": 1, "user_id": "B"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Restart_blocked(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)

	rec := do(t, r, http.MethodPost, "/sessions/"+sessionID+"/restart", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first restart: expected 200, got %d", rec.Code)
	}
	var res session.Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Superseded != sessionID || res.Session.ID == sessionID {
		t.Errorf("restart should replace %s, got %+v", sessionID, res)
	}

	rec = do(t, r, http.MethodPost, "/sessions/"+res.Session.ID+"/restart", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second restart: expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "10" {
		t.Errorf("Retry-After: got %q want 10", got)
	}
}

func TestHandler_Seek(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)
	target := "/sessions/" + sessionID + "/seek"

	if rec := do(t, r, http.MethodPost, target, map[string]any{"user_id": "A"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing segment: expected 400, got %d", rec.Code)
	}
	rec := do(t, r, http.MethodPost, target, map[string]any{"segment": 200, "user_id": "A"})
	if rec.Code != http.StatusOK {
		t.Fatalf("seek: expected 200, got %d", rec.Code)
	}
	var res session.Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Session.StartSegment != 200 {
		t.Errorf("far seek should start a new encode at 200, got %+v", res)
	}
}

func TestHandler_Stop(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)

	for _, want := range []bool{true, false} {
		rec := do(t, r, http.MethodPost, "/sessions/"+sessionID+"/stop", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("stop: expected 200, got %d", rec.Code)
		}
		var body map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["stopped"] != want {
			t.Errorf("stop: err=%v body=%v want stopped=%v", err, body, want)
		}
	}
	if rec := do(t, r, http.MethodPost, "/sessions/nope/stop", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Jobs(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)
	sessionID := startSession(t, r, "A", 0)
	j, err := f.jobs.ForSession(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	base := "/jobs/" + j.ID

	rec := do(t, r, http.MethodGet, base+"/", nil)
	var got job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.State != job.StateStarting {
		t.Errorf("get job: code %d err=%v state=%s", rec.Code, err, got.State)
	}

	if rec := do(t, r, http.MethodPost, base+"/progress", map[string]any{"state": "running", "progress": 0.5}); rec.Code != http.StatusOK {
		t.Errorf("progress: expected 200, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/progress", map[string]any{"progress": 0.25}); rec.Code != http.StatusConflict {
		t.Errorf("regression: expected 409, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/progress", map[string]any{"state": "failed", "progress": 1.0}); rec.Code != http.StatusConflict {
		t.Errorf("failed via progress: expected 409, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/fail", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("fail without reason: expected 400, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/complete", nil); rec.Code != http.StatusOK {
		t.Errorf("complete: expected 200, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/fail", map[string]any{"reason": "late"}); rec.Code != http.StatusConflict {
		t.Errorf("fail after complete: expected 409, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/jobs/nope/", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetProbe(t *testing.T) {
	r := newTestRouter(newFixture(t))

	rec := do(t, r, http.MethodGet, "/media/m1/probe", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["path"] != "/library/bbb.mkv" {
		t.Errorf("path: got %v", body["path"])
	}
}

func TestHandler_InvalidateProbe(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	rec := do(t, r, http.MethodDelete, "/media/m1/probe", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(f.prober.invalidated) != 1 || f.prober.invalidated[0] != "/library/bbb.mkv" {
		t.Errorf("invalidated: got %v", f.prober.invalidated)
	}
	if rec := do(t, r, http.MethodDelete, "/media/missing/probe", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown media: expected 404, got %d", rec.Code)
	}
}

func TestViewerID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?user=q", nil)
	req.Header.Set("X-User-ID", "h")
	if got := viewerID(req); got != "q" {
		t.Errorf("query wins: got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-User-ID", "h")
	if got := viewerID(req); got != "h" {
		t.Errorf("header: got %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	if got := viewerID(req); got != "203.0.113.9" {
		t.Errorf("remote address: got %q", got)
	}
}
