package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"hls-transcode-engine/internal/catalog"
	"hls-transcode-engine/internal/job"
	"hls-transcode-engine/internal/playlist"
	"hls-transcode-engine/internal/probe"
	"hls-transcode-engine/internal/session"
	"hls-transcode-engine/internal/transcoder"
)

const (
	DefaultWindowSize      = 6
	DefaultSegmentDuration = 4
	DefaultJobRetention    = time.Hour
)

// Prober extracts technical metadata from a source file.
type Prober interface {
	Analyze(ctx context.Context, path string, opts probe.Options) (probe.Result, error)
	Invalidate(ctx context.Context, path string) error
}

// Transcoder drives the external application that performs encodes.
type Transcoder interface {
	Start(ctx context.Context, req transcoder.StartRequest) (transcoder.Accepted, error)
	Stop(ctx context.Context, sessionID string) error
	Seek(ctx context.Context, sessionID string, seconds float64) error
}

type Config struct {
	// WindowSize is how many segments a live session playlist shows.
	WindowSize int
	// SegmentDuration is the planned segment length in seconds.
	SegmentDuration int
	// PlaylistBaseURI prefixes content-addressed variant playlist URIs.
	PlaylistBaseURI string
	// TranscodeDir is where the transcoder application writes segments; a
	// relative segment path is resolved against it.
	TranscodeDir string
	// JobRetention is how long finished jobs stay queryable.
	JobRetention time.Duration
}

// Deps are the collaborators a Service coordinates. Log may be nil.
type Deps struct {
	Sessions   *session.Registry
	Jobs       *job.Controller
	Repo       Repository
	Catalog    catalog.Catalog
	Prober     Prober
	Transcoder Transcoder
	Log        *slog.Logger
}

// Service is the transcode engine: it maps viewer requests onto shared
// sessions, starts and stops the encodes behind them, and renders playlists.
type Service struct {
	cfg        Config
	sessions   *session.Registry
	jobs       *job.Controller
	repo       Repository
	catalog    catalog.Catalog
	prober     Prober
	transcoder Transcoder
	log        *slog.Logger

	mu sync.Mutex
	// variants caches content-addressed variant playlists per media ID,
	// keyed by file name.
	variants map[string]map[string]string
	// sequences is the last media sequence served per session.
	sequences map[string]int64
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		sessions:   deps.Sessions,
		jobs:       deps.Jobs,
		repo:       deps.Repo,
		catalog:    deps.Catalog,
		prober:     deps.Prober,
		transcoder: deps.Transcoder,
		log:        log.With("component", "orchestrator"),
		variants:   make(map[string]map[string]string),
		sequences:  make(map[string]int64),
	}
}

// MasterPlaylist renders the multivariant playlist for a media item. Each
// variant points at its VOD playlist by content hash, and source audio tracks
// become alternate AUDIO renditions; the rendered texts are cached for
// VariantPlaylistByName.
func (s *Service) MasterPlaylist(ctx context.Context, mediaID string) (string, error) {
	media, err := s.catalog.Lookup(ctx, mediaID)
	if err != nil {
		return "", err
	}
	if len(media.Variants) == 0 {
		return "", fmt.Errorf("%w: media %s has no variants", ErrVariantNotFound, mediaID)
	}
	meta, durations, err := s.plan(ctx, media)
	if err != nil {
		return "", err
	}

	master := &playlist.MasterPlaylist{
		Version:             playlist.DefaultVersion,
		IndependentSegments: true,
		BaseURI:             s.cfg.PlaylistBaseURI,
	}
	if media.Title != "" {
		master.SessionData = append(master.SessionData, playlist.SessionData{DataID: "com.hls-transcode-engine.title", Value: media.Title})
	}

	rendered := make(map[string]string, len(media.Variants))
	for _, v := range media.Variants {
		vod := playlist.BuildVOD(durations, func(i int) string { return segmentURI(media.ID, v.ID, int64(i)) })
		bandwidth := v.Bandwidth()
		if bandwidth <= 0 {
			bandwidth = meta.BitRate
		}
		uri, text, err := master.AddStreamWithMedia(vod, bandwidth, resolution(v), v.Codecs)
		if err != nil {
			return "", err
		}
		rendered[path.Base(uri)] = text
	}
	if err := addAudioRenditions(master, media.ID, meta.AudioStreams(), durations, rendered); err != nil {
		return "", err
	}
	text, err := master.Render()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.variants[mediaID] = rendered
	s.mu.Unlock()
	return text, nil
}

// VariantPlaylistByName serves a content-addressed variant playlist named
// in a master playlist. A cache miss rebuilds the master playlist once.
func (s *Service) VariantPlaylistByName(ctx context.Context, mediaID, name string) (string, error) {
	if text, ok := s.cachedVariant(mediaID, name); ok {
		return text, nil
	}
	if _, err := s.MasterPlaylist(ctx, mediaID); err != nil {
		return "", err
	}
	if text, ok := s.cachedVariant(mediaID, name); ok {
		return text, nil
	}
	return "", fmt.Errorf("%w: %s", ErrPlaylistNotFound, name)
}

func (s *Service) cachedVariant(mediaID, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.variants[mediaID][name]
	return text, ok
}

// VariantPlaylist renders the VOD playlist of one variant.
func (s *Service) VariantPlaylist(ctx context.Context, mediaID, variantID string) (string, error) {
	media, v, err := s.lookupVariant(ctx, mediaID, variantID)
	if err != nil {
		return "", err
	}
	_, durations, err := s.plan(ctx, media)
	if err != nil {
		return "", err
	}
	vod := playlist.BuildVOD(durations, func(i int) string { return segmentURI(media.ID, v.ID, int64(i)) })
	return vod.Render()
}

// Probe returns the source metadata of a media item.
func (s *Service) Probe(ctx context.Context, mediaID string) (probe.Result, error) {
	media, err := s.catalog.Lookup(ctx, mediaID)
	if err != nil {
		return probe.Result{}, err
	}
	return s.prober.Analyze(ctx, media.SourcePath, nil)
}

// InvalidateProbe forgets a media item's cached metadata and the variant
// playlists planned from it; the next request probes the source again.
func (s *Service) InvalidateProbe(ctx context.Context, mediaID string) error {
	media, err := s.catalog.Lookup(ctx, mediaID)
	if err != nil {
		return err
	}
	if err := s.prober.Invalidate(ctx, media.SourcePath); err != nil {
		return fmt.Errorf("invalidate probe %s: %w", mediaID, err)
	}
	s.mu.Lock()
	delete(s.variants, mediaID)
	s.mu.Unlock()
	s.log.Info("probe invalidated", slog.String("media_id", mediaID))
	return nil
}

func (s *Service) plan(ctx context.Context, media catalog.Media) (probe.Result, []float64, error) {
	meta, err := s.prober.Analyze(ctx, media.SourcePath, nil)
	if err != nil {
		return probe.Result{}, nil, fmt.Errorf("probe %s: %w", media.ID, err)
	}
	return meta, playlist.PlanSegments(meta.Duration, float64(s.cfg.SegmentDuration)), nil
}

func (s *Service) lookupVariant(ctx context.Context, mediaID, variantID string) (catalog.Media, catalog.Variant, error) {
	media, err := s.catalog.Lookup(ctx, mediaID)
	if err != nil {
		return catalog.Media{}, catalog.Variant{}, err
	}
	v, ok := media.Variant(variantID)
	if ok {
		return media, v, nil
	}
	if idx, isAudio := parseAudioVariantID(variantID); isAudio {
		v, err := s.audioVariant(ctx, media, variantID, idx)
		if err != nil {
			return catalog.Media{}, catalog.Variant{}, err
		}
		return media, v, nil
	}
	return catalog.Media{}, catalog.Variant{}, fmt.Errorf("%w: %s/%s", ErrVariantNotFound, mediaID, variantID)
}

// Segment resolves the viewer onto a session, starting an encode if a new
// one was created, and returns the produced segment's file. Until the encode
// reaches the segment it fails with ErrSegmentNotReady.
//
// A segment the live session already produced is served as a heartbeat so it
// never moves the encode.
func (s *Service) Segment(ctx context.Context, req SegmentRequest) (SegmentResult, error) {
	media, v, err := s.lookupVariant(ctx, req.MediaID, req.VariantID)
	if err != nil {
		return SegmentResult{}, err
	}
	key := session.Key{MediaID: media.ID, VariantID: v.ID, Format: session.FormatHLS}
	if live, ok := s.sessions.Find(key); ok {
		if seg, ok := s.repo.Segment(live.ID, req.Segment); ok {
			if _, err := s.sessions.RecordHeartbeat(live.ID, req.UserID, req.Segment, req.Client); err == nil {
				return s.segmentResult(SegmentResult{SessionID: live.ID}, seg), nil
			}
		}
	}

	res, err := s.sessions.ResolveOrCreate(session.Request{
		MediaID:   media.ID,
		VariantID: v.ID,
		Format:    session.FormatHLS,
		Segment:   req.Segment,
		UserID:    req.UserID,
		Height:    v.Height,
		Client:    req.Client,
	})
	if err != nil {
		return SegmentResult{}, err
	}

	out := SegmentResult{SessionID: res.Session.ID, Created: res.Created}
	switch {
	case res.Created:
		if err := s.startEncode(ctx, media, v, res); err != nil {
			return out, err
		}
	case res.Skipped:
		if err := s.skipEncode(ctx, res.Session.ID, req.Segment); err != nil {
			return out, err
		}
	}

	seg, ok := s.repo.Segment(res.Session.ID, req.Segment)
	if !ok {
		return out, ErrSegmentNotReady
	}
	return s.segmentResult(out, seg), nil
}

func (s *Service) segmentResult(out SegmentResult, seg Segment) SegmentResult {
	out.Path = seg.Path
	if !filepath.IsAbs(out.Path) && s.cfg.TranscodeDir != "" {
		out.Path = filepath.Join(s.cfg.TranscodeDir, out.SessionID, out.Path)
	}
	return out
}

// skipEncode moves a running encode to segment n.
func (s *Service) skipEncode(ctx context.Context, sessionID string, n int64) error {
	if err := s.transcoder.Seek(ctx, sessionID, s.segmentStart(n)); err != nil {
		return fmt.Errorf("%w: %w", ErrEncodeUnavailable, err)
	}
	s.log.Info("encode skipped",
		slog.String("session_id", sessionID),
		slog.Int64("segment", n),
	)
	return nil
}

// startEncode retires whatever res superseded and launches the encode for
// the new session. If the transcoder refuses, the session is stopped so the
// next request tries again.
func (s *Service) startEncode(ctx context.Context, media catalog.Media, v catalog.Variant, res session.Resolution) error {
	if res.Superseded != "" {
		s.retire(ctx, res.Superseded, "superseded")
	}

	info := res.Session
	jobID, err := s.jobs.StartJob(info.ID, job.Options{
		MediaID:      media.ID,
		VariantID:    v.ID,
		Format:       string(info.Key.Format),
		StartSegment: info.StartSegment,
		Height:       v.Height,
		VideoBitrate: v.VideoBitrate,
		AudioBitrate: v.AudioBitrate,
	})
	if err != nil {
		return err
	}

	_, err = s.transcoder.Start(ctx, transcoder.StartRequest{
		SessionID:       info.ID,
		JobID:           jobID,
		VideoID:         media.ID,
		SourcePath:      media.SourcePath,
		Quality:         v.ID,
		Format:          string(info.Key.Format),
		Width:           v.Width,
		Height:          v.Height,
		VideoBitrate:    v.VideoBitrate,
		AudioBitrate:    v.AudioBitrate,
		AudioTrack:      v.AudioTrack,
		StartSegment:    info.StartSegment,
		StartTime:       s.segmentStart(info.StartSegment),
		SegmentDuration: s.cfg.SegmentDuration,
		OutputDir:       filepath.Join(s.cfg.TranscodeDir, info.ID),
	})
	if err != nil {
		s.log.Error("start encode failed", slog.String("session_id", info.ID), slog.String("error", err.Error()))
		_, _ = s.jobs.Fail(jobID, err.Error())
		_, _ = s.sessions.Stop(info.ID)
		s.repo.Drop(info.ID)
		return fmt.Errorf("%w: %w", ErrEncodeUnavailable, err)
	}
	if _, err := s.jobs.MarkStarting(jobID); err != nil {
		s.log.Warn("job not marked starting", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
	return nil
}

// retire tears down everything behind a session ID the registry no longer
// tracks.
func (s *Service) retire(ctx context.Context, sessionID, reason string) {
	if err := s.transcoder.Stop(ctx, sessionID); err != nil {
		s.log.Warn("stop encode failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
	s.repo.Drop(sessionID)
	if j, err := s.jobs.ForSession(sessionID); err == nil && !j.State.Terminal() {
		_, _ = s.jobs.Fail(j.ID, reason)
	}
	s.mu.Lock()
	delete(s.sequences, sessionID)
	s.mu.Unlock()
}

func (s *Service) segmentStart(n int64) float64 {
	return float64(n) * float64(s.cfg.SegmentDuration)
}

// RegisterSegment records a segment the transcoder produced for sessionID
// and advances the session's maxSegment.
func (s *Service) RegisterSegment(sessionID string, seg Segment) error {
	if seg.Sequence < 0 || seg.Duration <= 0 || seg.Path == "" {
		return fmt.Errorf("%w: sequence, positive duration and path are required", ErrInvalidSegment)
	}
	if _, err := s.sessions.AdvanceMaxSegment(sessionID, seg.Sequence); err != nil {
		return err
	}
	if err := s.repo.RegisterSegment(sessionID, seg); err != nil {
		return err
	}
	return nil
}

// LivePlaylist renders the sliding window of what a session's encode has
// produced. The media sequence never goes backwards between renders.
func (s *Service) LivePlaylist(sessionID string) (string, error) {
	info, err := s.sessions.Snapshot(sessionID)
	if err != nil {
		return "", err
	}
	segs, ended, _ := s.repo.Snapshot(info.ID)
	window := s.clampWindow(info.ID, visibleWindow(segs, s.cfg.WindowSize))
	if len(window) == 0 {
		return "", ErrSegmentNotReady
	}
	if j, err := s.jobs.ForSession(info.ID); err == nil && j.State == job.StateCompleted {
		ended = true
	}
	return buildLivePlaylist(window, ended, func(seg Segment) string {
		return segmentURI(info.Key.MediaID, info.Key.VariantID, seg.Sequence)
	})
}

// clampWindow drops segments below the last media sequence served for the
// session and records the new one.
func (s *Service) clampWindow(sessionID string, window []Segment) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.sequences[sessionID]
	for seen && len(window) > 0 && window[0].Sequence < last {
		window = window[1:]
	}
	if len(window) > 0 {
		s.sequences[sessionID] = window[0].Sequence
	}
	return window
}

func (s *Service) Sessions() []session.SessionInfo {
	return s.sessions.List()
}

func (s *Service) Session(id string) (session.SessionInfo, error) {
	return s.sessions.Snapshot(id)
}

func (s *Service) ActiveSessions() int {
	return s.sessions.Count()
}

// ProducingSessions is the number of sessions whose encode has not ended.
func (s *Service) ProducingSessions() int {
	return s.repo.ActiveCount()
}

// Heartbeat records a player's position without fetching a segment.
func (s *Service) Heartbeat(sessionID, userID string, n int64, client *session.ClientInfo) (session.SessionInfo, error) {
	return s.sessions.RecordHeartbeat(sessionID, userID, n, client)
}

func (s *Service) Pause(sessionID string, paused bool) (session.SessionInfo, error) {
	return s.sessions.MarkPaused(sessionID, paused)
}

// Seek moves a viewer to segment n. Outside the running encode's reach this
// either replaces the session or, while it is restart-blocked, asks the
// transcoder to skip the running encode.
func (s *Service) Seek(ctx context.Context, sessionID, userID string, n int64) (session.Resolution, error) {
	cur, err := s.sessions.Snapshot(sessionID)
	if err != nil {
		return session.Resolution{}, err
	}
	media, v, err := s.lookupVariant(ctx, cur.Key.MediaID, cur.Key.VariantID)
	if err != nil {
		return session.Resolution{}, err
	}
	res, err := s.sessions.ResolveOrCreate(session.Request{
		MediaID:   media.ID,
		VariantID: v.ID,
		Format:    cur.Key.Format,
		Segment:   n,
		UserID:    userID,
		Height:    v.Height,
	})
	if err != nil {
		return session.Resolution{}, err
	}
	switch {
	case res.Created:
		return res, s.startEncode(ctx, media, v, res)
	case res.Skipped:
		return res, s.skipEncode(ctx, res.Session.ID, n)
	}
	return res, nil
}

// Restart replaces the session's encode. Inside the cooldown it fails with
// *session.RestartBlockedError.
func (s *Service) Restart(ctx context.Context, sessionID string) (session.Resolution, error) {
	res, err := s.sessions.RequestRestart(sessionID)
	if err != nil {
		return session.Resolution{}, err
	}
	media, v, err := s.lookupVariant(ctx, res.Session.Key.MediaID, res.Session.Key.VariantID)
	if err != nil {
		return res, err
	}
	return res, s.startEncode(ctx, media, v, res)
}

// Stop ends a session and its encode. Duplicate stops report false.
func (s *Service) Stop(ctx context.Context, sessionID string) (bool, error) {
	stopped, err := s.sessions.Stop(sessionID)
	if err != nil || !stopped {
		return false, err
	}
	s.retire(ctx, sessionID, "stopped")
	return true, nil
}

func (s *Service) Job(jobID string) (job.Job, error) {
	return s.jobs.Get(jobID)
}

// UpdateJobProgress applies a transcoder progress callback. A job that
// reaches completion ends its session's playlist.
func (s *Service) UpdateJobProgress(jobID string, u job.Update) (job.Job, error) {
	j, err := s.jobs.UpdateProgress(jobID, u)
	if err != nil {
		return j, err
	}
	if j.State == job.StateCompleted {
		s.repo.End(j.SessionID)
	}
	return j, nil
}

func (s *Service) CompleteJob(jobID string) (job.Job, error) {
	j, err := s.jobs.Complete(jobID)
	if err != nil {
		return j, err
	}
	s.repo.End(j.SessionID)
	return j, nil
}

// FailJob records an encode failure and drops its session so viewers get a
// fresh encode on their next request.
func (s *Service) FailJob(ctx context.Context, jobID, reason string) (job.Job, error) {
	j, err := s.jobs.Fail(jobID, reason)
	if err != nil {
		return j, err
	}
	if stopped, _ := s.sessions.Stop(j.SessionID); stopped {
		s.retire(ctx, j.SessionID, reason)
	}
	return j, nil
}

// SweepStale evicts idle sessions, stops their encodes and forgets old jobs.
func (s *Service) SweepStale(ctx context.Context) []string {
	evicted := s.sessions.SweepStale(0)
	for _, id := range evicted {
		s.retire(ctx, id, "evicted")
	}
	if n := s.jobs.Prune(s.cfg.JobRetention); n > 0 {
		s.log.Debug("finished jobs pruned", slog.Int("count", n))
	}
	return evicted
}

// IsNotFound reports whether err means the addressed resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound) ||
		errors.Is(err, job.ErrJobNotFound) ||
		errors.Is(err, catalog.ErrMediaNotFound) ||
		errors.Is(err, ErrVariantNotFound) ||
		errors.Is(err, ErrPlaylistNotFound)
}

func segmentURI(mediaID, variantID string, n int64) string {
	return "/media/" + url.PathEscape(mediaID) + "/variants/" + url.PathEscape(variantID) + "/segments/" + strconv.FormatInt(n, 10) + ".ts"
}

func resolution(v catalog.Variant) string {
	if v.Width <= 0 || v.Height <= 0 {
		return ""
	}
	return strconv.Itoa(v.Width) + "x" + strconv.Itoa(v.Height)
}
