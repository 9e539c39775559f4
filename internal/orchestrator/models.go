package orchestrator

import (
	"time"

	"hls-transcode-engine/internal/session"
)

// Segment is one media segment produced by the transcoder application for a
// session. It also matches the JSON body of the segment callback.
type Segment struct {
	Sequence int64   `json:"sequence"`
	Duration float64 `json:"duration"`
	Path     string  `json:"path"`

	ReceivedAt time.Time `json:"-"`
}

// SessionSegments is everything produced so far for one session.
type SessionSegments struct {
	SessionID string
	Segments  map[int64]Segment
	// Ended is set once the encode finishes; later segments are rejected.
	Ended bool
}

// SegmentRequest is a viewer asking for segment N of a variant.
type SegmentRequest struct {
	MediaID   string
	VariantID string
	Segment   int64
	UserID    string
	Client    *session.ClientInfo
}

// SegmentResult tells the caller which session serves the segment and where
// the produced file lives.
type SegmentResult struct {
	SessionID string
	Created   bool
	Path      string
}
