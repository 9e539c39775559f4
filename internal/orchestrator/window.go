package orchestrator

import (
	"hls-transcode-engine/internal/playlist"
)

// visibleWindow implements "slide then filter": take the last windowSize
// segments, then keep only the contiguous run from the front of that window.
// A missing segment therefore hides everything after it until it either
// arrives or falls off the back. segs must be sorted by Sequence.
func visibleWindow(segs []Segment, windowSize int) []Segment {
	if len(segs) == 0 || windowSize <= 0 {
		return nil
	}
	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i, seg := range windowed {
		if i > 0 && seg.Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, seg)
	}
	return visible
}

// buildLivePlaylist renders window as a live media playlist whose media
// sequence is the first segment's number. uri maps a segment to its URI.
func buildLivePlaylist(window []Segment, ended bool, uri func(Segment) string) (string, error) {
	p := &playlist.MediaPlaylist{
		Version: playlist.DefaultVersion,
		EndList: ended,
	}
	durations := make([]float64, len(window))
	for i, seg := range window {
		durations[i] = seg.Duration
		p.Segments = append(p.Segments, playlist.Segment{Duration: seg.Duration, URI: uri(seg)})
	}
	if len(window) > 0 {
		p.MediaSequence = window[0].Sequence
	}
	p.TargetDuration = playlist.TargetDurationFor(durations)
	return p.Render()
}
