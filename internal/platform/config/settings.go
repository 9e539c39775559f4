package config

import "time"

// Settings is the full runtime configuration of the engine, assembled from
// the environment by FromEnv.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	WindowSize      int
	SegmentDuration int
	PlaylistBaseURI string

	IdleTimeout        time.Duration
	RestartCooldown    time.Duration
	BacktrackTolerance int
	ForwardTolerance   int
	PauseGrace         time.Duration
	MaxSessionLifetime time.Duration
	MaxTrackedSegments int
	SweepSchedule      string

	FFprobePath         string
	ProbeTimeout        time.Duration
	MaxConcurrentProbes int
	RedisURL            string
	// RedisRequired makes an unreachable Redis fatal instead of falling
	// back to the in-process probe cache.
	RedisRequired       bool

	TranscoderSocket string
	TranscoderURL    string
	TranscodeDir     string
	CatalogFile      string
}

// FromEnv reads Settings from the process environment, applying defaults for
// anything unset. Call Load first to pick up a .env file.
func FromEnv() Settings {
	return Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		WindowSize:      GetEnvInt("SLIDING_WINDOW_SIZE", 6),
		SegmentDuration: GetEnvInt("SEGMENT_DURATION", 4),
		PlaylistBaseURI: GetEnv("PLAYLIST_BASE_URI", ""),

		IdleTimeout:        GetEnvDuration("IDLE_TIMEOUT", 2*time.Minute),
		RestartCooldown:    GetEnvDuration("RESTART_COOLDOWN", 10*time.Second),
		BacktrackTolerance: GetEnvInt("BACKTRACK_TOLERANCE", 3),
		ForwardTolerance:   GetEnvInt("FORWARD_TOLERANCE", 5),
		PauseGrace:         GetEnvDuration("PAUSE_GRACE", 10*time.Minute),
		MaxSessionLifetime: GetEnvDuration("MAX_SESSION_LIFETIME", 6*time.Hour),
		MaxTrackedSegments: GetEnvInt("MAX_TRACKED_SEGMENTS", 64),
		SweepSchedule:      GetEnv("SWEEP_SCHEDULE", "@every 30s"),

		FFprobePath:         GetEnv("FFPROBE_PATH", "ffprobe"),
		ProbeTimeout:        GetEnvDuration("PROBE_TIMEOUT", 30*time.Second),
		MaxConcurrentProbes: GetEnvInt("MAX_CONCURRENT_PROBES", 4),
		RedisURL:            GetEnv("REDIS_URL", ""),
		RedisRequired:       GetEnvBool("REDIS_REQUIRED", false),

		TranscoderSocket: GetEnv("TRANSCODER_SOCKET", "/tmp/transcoder.sock"),
		TranscoderURL:    GetEnv("TRANSCODER_URL", ""),
		TranscodeDir:     GetEnv("TRANSCODE_DIR", "/tmp/transcodes"),
		CatalogFile:      GetEnv("CATALOG_FILE", "catalog.yaml"),
	}
}
