package playlist

import (
	"fmt"
	"strconv"
	"strings"
)

// writer accumulates playlist lines, each terminated by "\n".
type writer struct {
	b strings.Builder
}

func (w *writer) line(s string) {
	w.b.WriteString(s)
	w.b.WriteByte('\n')
}

func (w *writer) attrTag(name string, a *AttributeBuilder) {
	w.line(name + ":" + a.String())
}

func (w *writer) String() string { return w.b.String() }

// sessionKey renders a Key as #EXT-X-SESSION-KEY.
type sessionKey Key

func (sessionKey) tag() {}

// writeTag is the single serializer for every entity in the tag set.
func (w *writer) writeTag(t Tag) {
	switch v := t.(type) {
	case Segment:
		if v.Discontinuity {
			w.line("#EXT-X-DISCONTINUITY")
		}
		if !v.ProgramDateTime.IsZero() {
			w.line("#EXT-X-PROGRAM-DATE-TIME:" + v.ProgramDateTime.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		}
		if v.Key != nil {
			w.attrTag("#EXT-X-KEY", keyAttrs(*v.Key))
		}
		if v.Gap {
			w.line("#EXT-X-GAP")
		}
		if v.ByteRange != nil {
			w.line("#EXT-X-BYTERANGE:" + formatByteRange(*v.ByteRange))
		}
		if v.Map != nil {
			w.writeTag(*v.Map)
		}
		w.line(fmt.Sprintf("#EXTINF:%.3f,%s", v.Duration, v.Title))
		w.line(v.URI)

	case Part:
		a := (&AttributeBuilder{}).Quoted("URI", v.URI).Float("DURATION", v.Duration).Flag("INDEPENDENT", v.Independent)
		if v.ByteRange != nil {
			a.Quoted("BYTERANGE", formatByteRange(*v.ByteRange))
		}
		a.Flag("GAP", v.Gap)
		w.attrTag("#EXT-X-PART", a)

	case Map:
		a := (&AttributeBuilder{}).Quoted("URI", v.URI)
		if v.ByteRange != nil {
			a.Quoted("BYTERANGE", formatByteRange(*v.ByteRange))
		}
		w.attrTag("#EXT-X-MAP", a)

	case Key:
		w.attrTag("#EXT-X-KEY", keyAttrs(v))

	case sessionKey:
		w.attrTag("#EXT-X-SESSION-KEY", keyAttrs(Key(v)))

	case ServerControl:
		a := &AttributeBuilder{}
		if v.CanSkipUntil > 0 {
			a.Float("CAN-SKIP-UNTIL", v.CanSkipUntil)
			a.Flag("CAN-SKIP-DATERANGES", v.CanSkipDateRanges)
		}
		if v.HoldBack > 0 {
			a.Float("HOLD-BACK", v.HoldBack)
		}
		if v.PartHoldBack > 0 {
			a.Float("PART-HOLD-BACK", v.PartHoldBack)
		}
		a.Flag("CAN-BLOCK-RELOAD", v.CanBlockReload)
		w.attrTag("#EXT-X-SERVER-CONTROL", a)

	case Start:
		w.attrTag("#EXT-X-START", (&AttributeBuilder{}).Float("TIME-OFFSET", v.TimeOffset).Flag("PRECISE", v.Precise))

	case Skip:
		a := (&AttributeBuilder{}).Int("SKIPPED-SEGMENTS", v.SkippedSegments)
		a.Quoted("RECENTLY-REMOVED-DATERANGES", strings.Join(v.RecentlyRemovedDateRanges, "\t"))
		w.attrTag("#EXT-X-SKIP", a)

	case SessionData:
		a := (&AttributeBuilder{}).Quoted("DATA-ID", v.DataID).Quoted("VALUE", v.Value).Quoted("URI", v.URI).Quoted("LANGUAGE", v.Language)
		w.attrTag("#EXT-X-SESSION-DATA", a)

	case RenditionReport:
		a := (&AttributeBuilder{}).Quoted("URI", v.URI).Int("LAST-MSN", v.LastMSN).Int("LAST-PART", v.LastPart)
		w.attrTag("#EXT-X-RENDITION-REPORT", a)

	case PreloadHint:
		a := (&AttributeBuilder{}).Enum("TYPE", v.Type).Quoted("URI", v.URI)
		if v.ByteRangeStart > 0 {
			a.Int("BYTERANGE-START", v.ByteRangeStart)
		}
		if v.ByteRangeLength > 0 {
			a.Int("BYTERANGE-LENGTH", v.ByteRangeLength)
		}
		w.attrTag("#EXT-X-PRELOAD-HINT", a)

	case Media:
		a := (&AttributeBuilder{}).
			Enum("TYPE", v.Type).
			Quoted("GROUP-ID", v.GroupID).
			Quoted("NAME", v.Name).
			Quoted("LANGUAGE", v.Language).
			Quoted("ASSOC-LANGUAGE", v.AssocLanguage).
			Flag("DEFAULT", v.Default).
			Flag("AUTOSELECT", v.AutoSelect).
			Flag("FORCED", v.Forced).
			Quoted("INSTREAM-ID", v.InstreamID).
			Quoted("CHARACTERISTICS", v.Characteristics).
			Quoted("CHANNELS", v.Channels).
			Quoted("URI", v.URI)
		w.attrTag("#EXT-X-MEDIA", a)

	case Stream:
		a := (&AttributeBuilder{}).Int("BANDWIDTH", v.Bandwidth)
		if v.AverageBandwidth > 0 {
			a.Int("AVERAGE-BANDWIDTH", v.AverageBandwidth)
		}
		a.Quoted("CODECS", v.Codecs).Enum("RESOLUTION", v.Resolution)
		if v.FrameRate > 0 {
			a.Enum("FRAME-RATE", strconv.FormatFloat(v.FrameRate, 'f', 3, 64))
		}
		a.Quoted("AUDIO", v.Audio).Quoted("VIDEO", v.Video).Quoted("SUBTITLES", v.Subtitles)
		if v.ClosedCaptions == "NONE" {
			a.Enum("CLOSED-CAPTIONS", v.ClosedCaptions)
		} else {
			a.Quoted("CLOSED-CAPTIONS", v.ClosedCaptions)
		}
		w.attrTag("#EXT-X-STREAM-INF", a)
		w.line(v.URI)

	case VideoStream:
		s := Stream{Bandwidth: v.Bandwidth, Codecs: v.Codecs, FrameRate: v.FrameRate, Audio: v.Audio, URI: v.URI}
		if v.Width > 0 && v.Height > 0 {
			s.Resolution = fmt.Sprintf("%dx%d", v.Width, v.Height)
		}
		w.writeTag(s)

	case AudioStream:
		w.writeTag(Stream{Bandwidth: v.Bandwidth, Codecs: v.Codecs, Audio: v.Audio, URI: v.URI})
	}
}

func keyAttrs(k Key) *AttributeBuilder {
	return (&AttributeBuilder{}).
		Enum("METHOD", k.Method).
		Quoted("URI", k.URI).
		Enum("IV", k.IV).
		Quoted("KEYFORMAT", k.KeyFormat).
		Quoted("KEYFORMATVERSIONS", k.KeyFormatVersions)
}

func formatByteRange(br ByteRange) string {
	if br.Offset == nil {
		return strconv.FormatInt(br.Length, 10)
	}
	return strconv.FormatInt(br.Length, 10) + "@" + strconv.FormatInt(*br.Offset, 10)
}
