package probe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Result is the technical metadata of one media file.
type Result struct {
	Path           string   `json:"path"`
	Format         string   `json:"format"`
	FormatLongName string   `json:"format_long_name,omitempty"`
	Title          string   `json:"title,omitempty"`
	Duration       float64  `json:"duration"` // seconds, 0 when unknown
	Size           int64    `json:"size,omitempty"`
	BitRate        int64    `json:"bit_rate,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	FPS            float64  `json:"fps,omitempty"`
	VideoCodec     string   `json:"video_codec,omitempty"`
	AudioCodec     string   `json:"audio_codec,omitempty"`
	Streams        []Stream `json:"streams"`
}

// Stream describes one elementary stream in the container.
type Stream struct {
	Index      int     `json:"index"`
	Type       string  `json:"type"` // video, audio, subtitle, data
	Codec      string  `json:"codec"`
	Profile    string  `json:"profile,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	BitRate    int64   `json:"bit_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Language   string  `json:"language,omitempty"`
	Default    bool    `json:"default"`
	// AttachedPic marks cover art stored as a video stream.
	AttachedPic bool `json:"attached_pic,omitempty"`
}

// VideoStreams returns the real video streams, excluding cover art.
func (r Result) VideoStreams() []Stream {
	var out []Stream
	for _, s := range r.Streams {
		if s.Type == "video" && !s.AttachedPic {
			out = append(out, s)
		}
	}
	return out
}

func (r Result) AudioStreams() []Stream {
	var out []Stream
	for _, s := range r.Streams {
		if s.Type == "audio" {
			out = append(out, s)
		}
	}
	return out
}

func (r Result) HasVideo() bool {
	return len(r.VideoStreams()) > 0
}

// ffprobeOutput is the subset of `ffprobe -print_format json -show_format
// -show_streams` that we read.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  *ffprobeFormat  `json:"format"`
}

type ffprobeFormat struct {
	Filename       string            `json:"filename"`
	FormatName     string            `json:"format_name"`
	FormatLongName string            `json:"format_long_name"`
	Duration       string            `json:"duration"`
	Size           string            `json:"size"`
	BitRate        string            `json:"bit_rate"`
	Tags           map[string]string `json:"tags"`
}

type ffprobeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"`
	Profile      string            `json:"profile"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	SampleRate   string            `json:"sample_rate"`
	Channels     int               `json:"channels"`
	RFrameRate   string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	BitRate      string            `json:"bit_rate"`
	Tags         map[string]string `json:"tags"`
	Disposition  struct {
		Default     int `json:"default"`
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

// parseOutput maps ffprobe JSON into a Result. Output that decodes but
// carries neither streams nor a format section has no usable metadata and
// is rejected the same way as malformed JSON.
func parseOutput(path string, data []byte) (Result, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	if len(out.Streams) == 0 && out.Format == nil {
		return Result{}, fmt.Errorf("%w: no streams or format in output", ErrParseFailed)
	}

	res := Result{Path: path, Streams: make([]Stream, 0, len(out.Streams))}
	if f := out.Format; f != nil {
		res.Format = f.FormatName
		res.FormatLongName = f.FormatLongName
		res.Duration = parseFloat(f.Duration)
		res.Size = parseInt(f.Size)
		res.BitRate = parseInt(f.BitRate)
		res.Title = tag(f.Tags, "title")
	}

	for _, s := range out.Streams {
		st := Stream{
			Index:       s.Index,
			Type:        s.CodecType,
			Codec:       s.CodecName,
			Profile:     s.Profile,
			Width:       s.Width,
			Height:      s.Height,
			BitRate:     parseInt(s.BitRate),
			Channels:    s.Channels,
			SampleRate:  int(parseInt(s.SampleRate)),
			Language:    tag(s.Tags, "language"),
			Default:     s.Disposition.Default == 1,
			AttachedPic: s.Disposition.AttachedPic == 1,
		}
		if s.CodecType == "video" {
			st.FPS = parseFramerate(s.AvgFrameRate)
			if st.FPS == 0 {
				st.FPS = parseFramerate(s.RFrameRate)
			}
		}
		res.Streams = append(res.Streams, st)
	}

	if v, ok := primary(res.VideoStreams()); ok {
		res.Width, res.Height, res.FPS, res.VideoCodec = v.Width, v.Height, v.FPS, v.Codec
	}
	if a, ok := primary(res.AudioStreams()); ok {
		res.AudioCodec = a.Codec
	}
	return res, nil
}

// primary picks the stream flagged default, else the first one.
func primary(streams []Stream) (Stream, bool) {
	if len(streams) == 0 {
		return Stream{}, false
	}
	for _, s := range streams {
		if s.Default {
			return s, true
		}
	}
	return streams[0], true
}

// parseFramerate parses ffprobe rationals like "30000/1001".
func parseFramerate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseFloat(s)
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func tag(tags map[string]string, key string) string {
	if v, ok := tags[key]; ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(tags[strings.ToUpper(key)])
}
