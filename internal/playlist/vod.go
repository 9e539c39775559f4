package playlist

import "math"

// minSegment is the shortest remainder worth its own segment; #EXTINF is
// written with millisecond precision.
const minSegment = 0.001

// PlanSegments splits a media duration into segment durations of segLen
// seconds, the last one holding the remainder. A remainder shorter than a
// millisecond is dropped.
func PlanSegments(total, segLen float64) []float64 {
	if total < minSegment || segLen <= 0 {
		return nil
	}
	n := int(math.Ceil(total / segLen))
	if n > 1 && total-float64(n-1)*segLen < minSegment {
		n--
	}
	out := make([]float64, n)
	for i := 0; i < n-1; i++ {
		out[i] = segLen
	}
	out[n-1] = math.Min(total-float64(n-1)*segLen, segLen)
	return out
}

// BuildVOD returns a finalized VOD playlist over durations; uri maps a
// segment index to its URI.
func BuildVOD(durations []float64, uri func(i int) string) *MediaPlaylist {
	p := &MediaPlaylist{
		Version:             DefaultVersion,
		TargetDuration:      TargetDurationFor(durations),
		PlaylistType:        PlaylistVOD,
		IndependentSegments: true,
		EndList:             true,
		Segments:            make([]Segment, len(durations)),
	}
	for i, d := range durations {
		p.Segments[i] = Segment{Duration: d, URI: uri(i)}
	}
	return p
}
