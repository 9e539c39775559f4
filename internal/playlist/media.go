package playlist

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultVersion is written when a playlist leaves Version unset.
const DefaultVersion = 7

type PlaylistType string

const (
	PlaylistVOD   PlaylistType = "VOD"
	PlaylistEvent PlaylistType = "EVENT"
)

// MediaPlaylist is the segment timeline of one variant.
type MediaPlaylist struct {
	Version               int
	TargetDuration        int64
	MediaSequence         int64
	DiscontinuitySequence int64
	PlaylistType          PlaylistType
	IndependentSegments   bool
	ServerControl         *ServerControl
	// PartTarget, when positive, is written as #EXT-X-PART-INF.
	PartTarget       float64
	Start            *Start
	Skip             *Skip
	Segments         []Segment
	Parts            []Part
	PreloadHints     []PreloadHint
	RenditionReports []RenditionReport
	EndList          bool
}

// Validate reports the first reason the playlist could not be rendered.
func (p *MediaPlaylist) Validate() error {
	if p.TargetDuration <= 0 {
		return invalid("target duration must be greater than 0")
	}
	if len(p.Segments) == 0 && len(p.Parts) == 0 {
		return invalid("playlist must contain at least one segment or part")
	}
	switch p.PlaylistType {
	case "", PlaylistVOD, PlaylistEvent:
	default:
		return invalid(fmt.Sprintf("playlist type %q is not VOD or EVENT", p.PlaylistType))
	}
	if p.MediaSequence < 0 || p.DiscontinuitySequence < 0 {
		return invalid("sequence numbers must not be negative")
	}
	for i, s := range p.Segments {
		if s.Duration <= 0 {
			return invalid(fmt.Sprintf("segment %d has non-positive duration", i))
		}
		if s.URI == "" {
			return invalid(fmt.Sprintf("segment %d has no URI", i))
		}
		if hasLineBreak(s.URI) || hasLineBreak(s.Title) {
			return invalid(fmt.Sprintf("segment %d URI or title contains a line break", i))
		}
		if int64(math.Round(s.Duration)) > p.TargetDuration {
			return invalid(fmt.Sprintf("segment %d duration %.3f exceeds target duration %d", i, s.Duration, p.TargetDuration))
		}
	}
	for i, part := range p.Parts {
		if part.Duration <= 0 || part.URI == "" {
			return invalid(fmt.Sprintf("part %d needs a URI and a positive duration", i))
		}
	}
	return nil
}

// Render validates the playlist and returns its text. Output is a pure
// function of the playlist's fields, so equal playlists render byte-identical.
func (p *MediaPlaylist) Render() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	version := p.Version
	if version <= 0 {
		version = DefaultVersion
	}

	var w writer
	w.line("#EXTM3U")
	w.line("#EXT-X-VERSION:" + strconv.Itoa(version))
	w.line("#EXT-X-TARGETDURATION:" + strconv.FormatInt(p.TargetDuration, 10))
	w.line("#EXT-X-MEDIA-SEQUENCE:" + strconv.FormatInt(p.MediaSequence, 10))
	if p.DiscontinuitySequence > 0 {
		w.line("#EXT-X-DISCONTINUITY-SEQUENCE:" + strconv.FormatInt(p.DiscontinuitySequence, 10))
	}
	if p.PlaylistType != "" {
		w.line("#EXT-X-PLAYLIST-TYPE:" + string(p.PlaylistType))
	}
	if p.IndependentSegments {
		w.line("#EXT-X-INDEPENDENT-SEGMENTS")
	}
	if p.ServerControl != nil {
		w.writeTag(*p.ServerControl)
	}
	if p.PartTarget > 0 {
		w.attrTag("#EXT-X-PART-INF", (&AttributeBuilder{}).Float("PART-TARGET", p.PartTarget))
	}
	if p.Start != nil {
		w.writeTag(*p.Start)
	}
	if p.Skip != nil {
		w.writeTag(*p.Skip)
	}
	for _, s := range p.Segments {
		w.writeTag(s)
	}
	for _, part := range p.Parts {
		w.writeTag(part)
	}
	for _, h := range p.PreloadHints {
		w.writeTag(h)
	}
	for _, r := range p.RenditionReports {
		w.writeTag(r)
	}
	if p.EndList {
		w.line("#EXT-X-ENDLIST")
	}
	return w.String(), nil
}

// TargetDurationFor returns the smallest whole-second target duration that
// every segment duration, rounded up, fits within. Never less than 1.
func TargetDurationFor(durations []float64) int64 {
	var target int64 = 1
	for _, d := range durations {
		if t := int64(math.Ceil(d)); t > target {
			target = t
		}
	}
	return target
}

// hasLineBreak reports whether v would spill onto a second playlist line.
func hasLineBreak(v string) bool {
	return strings.ContainsAny(v, "\r\n")
}
