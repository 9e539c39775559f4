package session

import (
	"maps"
	"time"
)

// Format is the streaming protocol a session is encoding for.
type Format string

const (
	FormatHLS  Format = "hls"
	FormatDASH Format = "dash"
)

// Key identifies the one session that may exist per media rendition.
type Key struct {
	MediaID   string `json:"media_id"`
	VariantID string `json:"variant_id"`
	Format    Format `json:"format"`
}

func (k Key) String() string {
	return k.MediaID + "/" + k.VariantID + "/" + string(k.Format)
}

// ClientInfo is optional viewer metadata. Identity fields are redacted in logs.
type ClientInfo struct {
	UserAgent     string            `json:"user_agent,omitempty" masq:"secret"`
	IPAddress     string            `json:"ip_address,omitempty" masq:"secret"`
	TargetBitrate int64             `json:"target_bitrate,omitempty"`
	PlayerName    string            `json:"player_name,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

func (c *ClientInfo) clone() *ClientInfo {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Extra = maps.Clone(c.Extra)
	return &cp
}

// UserRequest is one viewer's latest known position within a session.
type UserRequest struct {
	UserID       string      `json:"user_id"`
	Segment      int64       `json:"segment"`
	Timestamp    time.Time   `json:"timestamp"`
	RequestCount int64       `json:"request_count"`
	ClientInfo   *ClientInfo `json:"client_info,omitempty"`
}

// Session is the registry's record of one live encode. Its fields are only
// mutated by the Registry while it holds the key's stripe lock; everything
// outside this package sees SessionInfo copies.
type Session struct {
	ID                    string
	Key                   Key
	StartSegment          int64
	Height                int
	LastUsed              time.Time
	IsPaused              bool
	PausedAt              time.Time
	MaxSegment            int64
	LastRequestedSegments map[int64]time.Time
	ActiveUsers           map[string]*UserRequest
	CreatedAt             time.Time
	RestartBlockedUntil   time.Time
}

func newSession(id string, key Key, start int64, height int, now time.Time) *Session {
	return &Session{
		ID:                    id,
		Key:                   key,
		StartSegment:          start,
		Height:                height,
		LastUsed:              now,
		MaxSegment:            start - 1,
		LastRequestedSegments: make(map[int64]time.Time),
		ActiveUsers:           make(map[string]*UserRequest),
		CreatedAt:             now,
	}
}

// SessionInfo is a read-only copy of a Session.
type SessionInfo struct {
	ID                    string                 `json:"id"`
	Key                   Key                    `json:"key"`
	StartSegment          int64                  `json:"start_segment"`
	Height                int                    `json:"height,omitempty"`
	LastUsed              time.Time              `json:"last_used"`
	IsPaused              bool                   `json:"is_paused"`
	PausedAt              time.Time              `json:"paused_at,omitzero"`
	MaxSegment            int64                  `json:"max_segment"`
	LastRequestedSegments map[int64]time.Time    `json:"last_requested_segments"`
	ActiveUsers           map[string]UserRequest `json:"active_users"`
	CreatedAt             time.Time              `json:"created_at"`
	RestartBlockedUntil   time.Time              `json:"restart_blocked_until,omitzero"`
}

func (s *Session) info() SessionInfo {
	users := make(map[string]UserRequest, len(s.ActiveUsers))
	for id, u := range s.ActiveUsers {
		cp := *u
		cp.ClientInfo = u.ClientInfo.clone()
		users[id] = cp
	}
	return SessionInfo{
		ID:                    s.ID,
		Key:                   s.Key,
		StartSegment:          s.StartSegment,
		Height:                s.Height,
		LastUsed:              s.LastUsed,
		IsPaused:              s.IsPaused,
		PausedAt:              s.PausedAt,
		MaxSegment:            s.MaxSegment,
		LastRequestedSegments: maps.Clone(s.LastRequestedSegments),
		ActiveUsers:           users,
		CreatedAt:             s.CreatedAt,
		RestartBlockedUntil:   s.RestartBlockedUntil,
	}
}

// LowestViewerSegment returns the smallest segment any active viewer last
// requested.
func (i SessionInfo) LowestViewerSegment() (int64, bool) {
	var low int64
	found := false
	for _, u := range i.ActiveUsers {
		if !found || u.Segment < low {
			low, found = u.Segment, true
		}
	}
	return low, found
}
