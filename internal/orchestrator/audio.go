package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"hls-transcode-engine/internal/catalog"
	"hls-transcode-engine/internal/playlist"
	"hls-transcode-engine/internal/probe"
)

const (
	audioGroupID       = "audio"
	audioVariantPrefix = "audio-"
	audioCodecs        = "mp4a.40.2"
	audioBitrate       = 128_000
)

func audioVariantID(streamIndex int) string {
	return audioVariantPrefix + strconv.Itoa(streamIndex)
}

func parseAudioVariantID(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, audioVariantPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// addAudioRenditions lists every source audio track in one AUDIO group. The
// default track is muxed into the video variants and has no URI; every other
// track gets its own audio-only VOD playlist, cached in rendered by name.
func addAudioRenditions(master *playlist.MasterPlaylist, mediaID string, tracks []probe.Stream, durations []float64, rendered map[string]string) error {
	if len(tracks) == 0 {
		return nil
	}
	def := 0
	for i, st := range tracks {
		if st.Default {
			def = i
			break
		}
	}

	names := make(map[string]bool, len(tracks))
	for i, st := range tracks {
		name := st.Language
		if name == "" {
			name = "Track " + strconv.Itoa(i+1)
		}
		if names[name] {
			name = fmt.Sprintf("%s %d", name, i+1)
		}
		names[name] = true

		md := playlist.Media{
			Type:       "AUDIO",
			GroupID:    audioGroupID,
			Name:       name,
			Language:   st.Language,
			Default:    i == def,
			AutoSelect: true,
		}
		if st.Channels > 0 {
			md.Channels = strconv.Itoa(st.Channels)
		}
		if i == def {
			master.Media = append(master.Media, md)
			continue
		}

		id := audioVariantID(st.Index)
		vod := playlist.BuildVOD(durations, func(n int) string { return segmentURI(mediaID, id, int64(n)) })
		uri, text, err := master.AddMediaWithPlaylist(md, vod)
		if err != nil {
			return err
		}
		rendered[path.Base(uri)] = text
	}

	for i := range master.Streams {
		master.Streams[i].Audio = audioGroupID
	}
	return nil
}

// audioVariant describes the audio-only rendition of one source audio stream.
func (s *Service) audioVariant(ctx context.Context, media catalog.Media, id string, streamIndex int) (catalog.Variant, error) {
	meta, err := s.prober.Analyze(ctx, media.SourcePath, nil)
	if err != nil {
		return catalog.Variant{}, fmt.Errorf("probe %s: %w", media.ID, err)
	}
	for _, st := range meta.AudioStreams() {
		if st.Index != streamIndex {
			continue
		}
		bitrate := st.BitRate
		if bitrate <= 0 {
			bitrate = audioBitrate
		}
		idx := st.Index
		return catalog.Variant{ID: id, AudioBitrate: bitrate, Codecs: audioCodecs, AudioTrack: &idx}, nil
	}
	return catalog.Variant{}, fmt.Errorf("%w: %s/%s", ErrVariantNotFound, media.ID, id)
}
