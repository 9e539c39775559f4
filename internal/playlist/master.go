package playlist

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// MasterPlaylist is the multivariant index pointing at media playlists.
type MasterPlaylist struct {
	Version             int
	IndependentSegments bool
	Start               *Start
	SessionData         []SessionData
	SessionKeys         []Key
	Media               []Media
	Streams             []Stream
	VideoStreams        []VideoStream
	AudioStreams        []AudioStream
	// BaseURI prefixes generated media playlist URIs. Empty keeps them
	// relative to the master playlist.
	BaseURI string
}

// ContentURI is the URI of a media playlist with the given rendered text:
// baseURI + "playlist-" + sha256(text) + ".m3u8".
func ContentURI(baseURI, text string) string {
	sum := sha256.Sum256([]byte(text))
	name := "playlist-" + hex.EncodeToString(sum[:]) + ".m3u8"
	if baseURI == "" {
		return name
	}
	return strings.TrimRight(baseURI, "/") + "/" + name
}

// AddStreamWithMedia renders media and adds a variant stream pointing at it
// by content hash. The URI and rendered text are returned so the caller can
// serve the text under that URI.
func (m *MasterPlaylist) AddStreamWithMedia(media *MediaPlaylist, bandwidth int64, resolution, codecs string) (uri, text string, err error) {
	text, err = media.Render()
	if err != nil {
		return "", "", err
	}
	uri = ContentURI(m.BaseURI, text)
	m.Streams = append(m.Streams, Stream{
		Bandwidth:  bandwidth,
		Resolution: resolution,
		Codecs:     codecs,
		URI:        uri,
	})
	return uri, text, nil
}

// AddMediaWithPlaylist renders media and adds md as an alternate rendition
// pointing at it by content hash.
func (m *MasterPlaylist) AddMediaWithPlaylist(md Media, media *MediaPlaylist) (uri, text string, err error) {
	text, err = media.Render()
	if err != nil {
		return "", "", err
	}
	uri = ContentURI(m.BaseURI, text)
	md.URI = uri
	m.Media = append(m.Media, md)
	return uri, text, nil
}

func (m *MasterPlaylist) Validate() error {
	if len(m.Streams) == 0 && len(m.Media) == 0 && len(m.VideoStreams) == 0 && len(m.AudioStreams) == 0 {
		return invalid("master playlist must contain at least one stream or media entry")
	}
	for _, s := range m.Streams {
		if s.URI == "" || s.Bandwidth <= 0 {
			return invalid("variant stream needs a URI and a positive bandwidth")
		}
		if hasLineBreak(s.URI) {
			return invalid("variant stream URI contains a line break")
		}
	}
	for _, s := range m.VideoStreams {
		if s.URI == "" || s.Bandwidth <= 0 {
			return invalid("video stream needs a URI and a positive bandwidth")
		}
		if hasLineBreak(s.URI) {
			return invalid("video stream URI contains a line break")
		}
	}
	for _, s := range m.AudioStreams {
		if s.URI == "" || s.Bandwidth <= 0 {
			return invalid("audio stream needs a URI and a positive bandwidth")
		}
		if hasLineBreak(s.URI) {
			return invalid("audio stream URI contains a line break")
		}
	}
	for _, md := range m.Media {
		if md.Type == "" || md.GroupID == "" || md.Name == "" {
			return invalid("media entry needs TYPE, GROUP-ID and NAME")
		}
	}
	return nil
}

func (m *MasterPlaylist) Render() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	version := m.Version
	if version <= 0 {
		version = DefaultVersion
	}

	var w writer
	w.line("#EXTM3U")
	w.line("#EXT-X-VERSION:" + strconv.Itoa(version))
	if m.IndependentSegments {
		w.line("#EXT-X-INDEPENDENT-SEGMENTS")
	}
	if m.Start != nil {
		w.writeTag(*m.Start)
	}
	for _, d := range m.SessionData {
		w.writeTag(d)
	}
	for _, k := range m.SessionKeys {
		w.writeTag(sessionKey(k))
	}
	for _, md := range m.Media {
		w.writeTag(md)
	}
	for _, s := range m.Streams {
		w.writeTag(s)
	}
	for _, s := range m.VideoStreams {
		w.writeTag(s)
	}
	for _, s := range m.AudioStreams {
		w.writeTag(s)
	}
	return w.String(), nil
}
