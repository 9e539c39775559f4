// Package playlist models HLS media and multivariant (master) playlists and
// renders them deterministically, including the low-latency extensions.
package playlist

import "time"

// Tag is the closed set of entities a playlist is assembled from. Rendering
// is done by the aggregate serializers, not by the tags themselves.
type Tag interface {
	tag()
}

// ByteRange is a sub-range of a resource. Offset is omitted when nil.
type ByteRange struct {
	Length int64
	Offset *int64
}

// Segment is one media segment (#EXTINF plus its URI).
type Segment struct {
	Duration        float64
	URI             string
	Title           string
	ByteRange       *ByteRange
	Discontinuity   bool
	ProgramDateTime time.Time
	Key             *Key
	Gap             bool
	Map             *Map
}

// Part is a partial segment for low-latency playback (#EXT-X-PART).
type Part struct {
	URI         string
	Duration    float64
	Independent bool
	ByteRange   *ByteRange
	Gap         bool
}

// Map points at a media initialization section (#EXT-X-MAP).
type Map struct {
	URI       string
	ByteRange *ByteRange
}

// Key is #EXT-X-KEY on a segment, or #EXT-X-SESSION-KEY in a master playlist.
type Key struct {
	Method            string // NONE, AES-128, SAMPLE-AES
	URI               string
	IV                string // hex, with 0x prefix
	KeyFormat         string
	KeyFormatVersions string
}

// ServerControl is #EXT-X-SERVER-CONTROL. Zero values are omitted.
type ServerControl struct {
	CanSkipUntil      float64
	CanSkipDateRanges bool
	HoldBack          float64
	PartHoldBack      float64
	CanBlockReload    bool
}

// Start is #EXT-X-START.
type Start struct {
	TimeOffset float64
	Precise    bool
}

// Skip is #EXT-X-SKIP, used in playlist delta updates.
type Skip struct {
	SkippedSegments           int64
	RecentlyRemovedDateRanges []string
}

// SessionData is #EXT-X-SESSION-DATA. Exactly one of Value or URI is set.
type SessionData struct {
	DataID   string
	Value    string
	URI      string
	Language string
}

// RenditionReport is #EXT-X-RENDITION-REPORT.
type RenditionReport struct {
	URI      string
	LastMSN  int64
	LastPart int64
}

// PreloadHint is #EXT-X-PRELOAD-HINT.
type PreloadHint struct {
	Type            string // PART or MAP
	URI             string
	ByteRangeStart  int64
	ByteRangeLength int64
}

// Media is an alternative rendition (#EXT-X-MEDIA).
type Media struct {
	Type            string // AUDIO, VIDEO, SUBTITLES, CLOSED-CAPTIONS
	GroupID         string
	Name            string
	Language        string
	AssocLanguage   string
	URI             string
	Default         bool
	AutoSelect      bool
	Forced          bool
	InstreamID      string
	Characteristics string
	Channels        string
}

// Stream is a variant stream (#EXT-X-STREAM-INF followed by its URI).
type Stream struct {
	Bandwidth        int64
	AverageBandwidth int64
	Resolution       string // WIDTHxHEIGHT
	Codecs           string
	FrameRate        float64
	Audio            string
	Video            string
	Subtitles        string
	// ClosedCaptions is a group ID, or NONE.
	ClosedCaptions string
	URI            string
}

// VideoStream is a shortcut for a video variant described by its dimensions.
type VideoStream struct {
	Bandwidth int64
	Width     int
	Height    int
	Codecs    string
	FrameRate float64
	Audio     string
	URI       string
}

// AudioStream is a shortcut for an audio-only variant.
type AudioStream struct {
	Bandwidth int64
	Codecs    string
	Audio     string
	URI       string
}

func (Segment) tag()         {}
func (Part) tag()            {}
func (Map) tag()             {}
func (Key) tag()             {}
func (ServerControl) tag()   {}
func (Start) tag()           {}
func (Skip) tag()            {}
func (SessionData) tag()     {}
func (RenditionReport) tag() {}
func (PreloadHint) tag()     {}
func (Media) tag()           {}
func (Stream) tag()          {}
func (VideoStream) tag()     {}
func (AudioStream) tag()     {}
