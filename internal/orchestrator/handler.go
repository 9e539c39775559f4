package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"hls-transcode-engine/internal/job"
	"hls-transcode-engine/internal/platform/metrics"
	"hls-transcode-engine/internal/playlist"
	"hls-transcode-engine/internal/session"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	// notReadyRetryAfter is the Retry-After, in seconds, for a segment or
	// playlist the encode has not produced yet.
	notReadyRetryAfter = "1"
	maxBodyBytes       = 1 << 20
)

// Handler exposes the engine over HTTP using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler over svc. Metrics may be nil.
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts every engine endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/media/{media_id}", func(r chi.Router) {
		r.Get("/master.m3u8", h.GetMasterPlaylist)
		r.Get("/probe", h.GetProbe)
		r.Delete("/probe", h.InvalidateProbe)
		r.Get("/{name}", h.GetVariantPlaylistByName)
		r.Route("/variants/{variant}", func(r chi.Router) {
			r.Get("/playlist.m3u8", h.GetVariantPlaylist)
			r.Get("/segments/{file}", h.GetSegment)
		})
	})
	r.Get("/sessions", h.ListSessions)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Get("/playlist.m3u8", h.GetLivePlaylist)
		r.Post("/segments", h.RegisterSegment)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
		r.Post("/seek", h.Seek)
		r.Post("/restart", h.Restart)
		r.Post("/stop", h.Stop)
	})
	r.Route("/jobs/{job_id}", func(r chi.Router) {
		r.Get("/", h.GetJob)
		r.Post("/progress", h.UpdateJobProgress)
		r.Post("/complete", h.CompleteJob)
		r.Post("/fail", h.FailJob)
	})
}

// GetMasterPlaylist handles GET /media/{media_id}/master.m3u8.
func (h *Handler) GetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	text, err := h.svc.MasterPlaylist(r.Context(), chi.URLParam(r, "media_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, text)
}

// GetVariantPlaylistByName handles GET /media/{media_id}/playlist-{hash}.m3u8.
func (h *Handler) GetVariantPlaylistByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !strings.HasPrefix(name, "playlist-") || !strings.HasSuffix(name, ".m3u8") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	text, err := h.svc.VariantPlaylistByName(r.Context(), chi.URLParam(r, "media_id"), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, text)
}

// GetVariantPlaylist handles GET /media/{media_id}/variants/{variant}/playlist.m3u8.
func (h *Handler) GetVariantPlaylist(w http.ResponseWriter, r *http.Request) {
	text, err := h.svc.VariantPlaylist(r.Context(), chi.URLParam(r, "media_id"), chi.URLParam(r, "variant"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, text)
}

// GetSegment handles GET /media/{media_id}/variants/{variant}/segments/{n}.ts.
// The viewer is identified by the user query parameter, the X-User-ID header,
// or failing both its remote address.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseInt(strings.TrimSuffix(chi.URLParam(r, "file"), ".ts"), 10, 64)
	if err != nil || n < 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.svc.Segment(r.Context(), SegmentRequest{
		MediaID:   chi.URLParam(r, "media_id"),
		VariantID: chi.URLParam(r, "variant"),
		Segment:   n,
		UserID:    viewerID(r),
		Client:    clientInfo(r),
	})
	if res.SessionID != "" {
		w.Header().Set("X-Session-ID", res.SessionID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeFile(w, r, res.Path)
}

// GetProbe handles GET /media/{media_id}/probe.
func (h *Handler) GetProbe(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Probe(r.Context(), chi.URLParam(r, "media_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// InvalidateProbe handles DELETE /media/{media_id}/probe.
func (h *Handler) InvalidateProbe(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.InvalidateProbe(r.Context(), chi.URLParam(r, "media_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.svc.Sessions()
	if sessions == nil {
		sessions = []session.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Session(chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetLivePlaylist handles GET /sessions/{session_id}/playlist.m3u8.
func (h *Handler) GetLivePlaylist(w http.ResponseWriter, r *http.Request) {
	text, err := h.svc.LivePlaylist(chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, text)
}

// RegisterSegment handles POST /sessions/{session_id}/segments.
// Body: { "sequence": 42, "duration": 4.0, "path": "42.ts" }.
func (h *Handler) RegisterSegment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var seg Segment
	if err := decode(w, r, &seg); err != nil {
		h.log.Debug("invalid segment body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.svc.RegisterSegment(sessionID, seg); err != nil {
		if errors.Is(err, ErrSessionEnded) {
			h.log.Info("segment rejected, session ended",
				slog.String("session_id", sessionID),
				slog.Int64("sequence", seg.Sequence))
		}
		h.writeError(w, r, err)
		return
	}

	h.log.Debug("segment registered",
		slog.String("session_id", sessionID),
		slog.Int64("sequence", seg.Sequence))
	w.WriteHeader(http.StatusCreated)
	h.metrics.IncSegmentsRegistered()
}

// Pause handles POST /sessions/{session_id}/pause.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, true)
}

// Resume handles POST /sessions/{session_id}/resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, false)
}

func (h *Handler) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	info, err := h.svc.Pause(chi.URLParam(r, "session_id"), paused)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type positionRequest struct {
	Segment *int64 `json:"segment"`
	UserID  string `json:"user_id"`
}

// decodePosition reads a positionRequest, falling back to the request's
// viewer identity when the body names none.
func decodePosition(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	var body positionRequest
	if err := decode(w, r, &body); err != nil || body.Segment == nil || *body.Segment < 0 {
		return "", 0, false
	}
	user := body.UserID
	if user == "" {
		user = viewerID(r)
	}
	return user, *body.Segment, true
}

// Heartbeat handles POST /sessions/{session_id}/heartbeat.
// Body: { "segment": 12, "user_id": "u1" }.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	user, n, ok := decodePosition(w, r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	info, err := h.svc.Heartbeat(chi.URLParam(r, "session_id"), user, n, clientInfo(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Seek handles POST /sessions/{session_id}/seek.
// Body: { "segment": 120, "user_id": "u1" }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	user, n, ok := decodePosition(w, r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := h.svc.Seek(r.Context(), chi.URLParam(r, "session_id"), user, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Restart handles POST /sessions/{session_id}/restart.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Restart(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("session restarted",
		slog.String("session_id", res.Session.ID),
		slog.String("previous", res.Superseded))
	writeJSON(w, http.StatusOK, res)
}

// Stop handles POST /sessions/{session_id}/stop. Repeated stops succeed with
// stopped=false.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.svc.Stop(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Job(chi.URLParam(r, "job_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// UpdateJobProgress handles POST /jobs/{job_id}/progress with a job.Update body.
func (h *Handler) UpdateJobProgress(w http.ResponseWriter, r *http.Request) {
	var u job.Update
	if err := decode(w, r, &u); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	j, err := h.svc.UpdateJobProgress(chi.URLParam(r, "job_id"), u)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// CompleteJob handles POST /jobs/{job_id}/complete.
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.CompleteJob(chi.URLParam(r, "job_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// FailJob handles POST /jobs/{job_id}/fail. Body: { "reason": "..." }.
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	j, err := h.svc.FailJob(r.Context(), chi.URLParam(r, "job_id"), body.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// writeError maps engine errors onto status codes. Conditions a player can
// recover from by waiting carry a Retry-After.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *session.RestartBlockedError
	status := http.StatusInternalServerError
	switch {
	case IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &blocked):
		w.Header().Set("Retry-After", strconv.Itoa(blocked.RemainingSeconds()))
		status = http.StatusTooManyRequests
	case errors.Is(err, ErrSegmentNotReady), errors.Is(err, playlist.ErrInvalidState), errors.Is(err, ErrEncodeUnavailable):
		w.Header().Set("Retry-After", notReadyRetryAfter)
		status = http.StatusServiceUnavailable
	case errors.Is(err, job.ErrTransitionInvalid), errors.Is(err, job.ErrProgressRegression), errors.Is(err, ErrSessionEnded):
		status = http.StatusConflict
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, ErrInvalidSegment), errors.Is(err, job.ErrReasonRequired):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writePlaylist(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func viewerID(r *http.Request) string {
	if u := r.URL.Query().Get("user"); u != "" {
		return u
	}
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientInfo(r *http.Request) *session.ClientInfo {
	c := &session.ClientInfo{
		UserAgent:  r.UserAgent(),
		IPAddress:  remoteIP(r),
		PlayerName: r.URL.Query().Get("player"),
	}
	if b, err := strconv.ParseInt(r.URL.Query().Get("bitrate"), 10, 64); err == nil {
		c.TargetBitrate = b
	}
	return c
}
