// Package catalog is the read-only view of what media exists, where its
// source file lives and which quality variants it is offered in.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrMediaNotFound = errors.New("media not found")

// Variant is one quality rendition of a media item.
type Variant struct {
	ID           string `yaml:"id" json:"id"`
	Width        int    `yaml:"width" json:"width"`
	Height       int    `yaml:"height" json:"height"`
	VideoBitrate int64  `yaml:"video_bitrate" json:"video_bitrate"`
	AudioBitrate int64  `yaml:"audio_bitrate" json:"audio_bitrate"`
	Codecs       string `yaml:"codecs" json:"codecs,omitempty"`
	// AudioTrack is set on audio-only renditions built from a source audio
	// stream; it holds that stream's index.
	AudioTrack *int `yaml:"-" json:"audio_track,omitempty"`
}

// Bandwidth is the peak bitrate advertised for the variant.
func (v Variant) Bandwidth() int64 {
	return v.VideoBitrate + v.AudioBitrate
}

type Media struct {
	ID         string    `yaml:"id" json:"id"`
	Title      string    `yaml:"title" json:"title"`
	SourcePath string    `yaml:"source_path" json:"source_path"`
	Variants   []Variant `yaml:"variants" json:"variants"`
}

func (m Media) Variant(id string) (Variant, bool) {
	for _, v := range m.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Catalog looks up media by ID.
type Catalog interface {
	Lookup(ctx context.Context, mediaID string) (Media, error)
}

// Static is an immutable in-memory Catalog.
type Static struct {
	media map[string]Media
}

func NewStatic(items ...Media) *Static {
	s := &Static{media: make(map[string]Media, len(items))}
	for _, m := range items {
		s.media[m.ID] = m
	}
	return s
}

func (s *Static) Lookup(_ context.Context, mediaID string) (Media, error) {
	m, ok := s.media[mediaID]
	if !ok {
		return Media{}, fmt.Errorf("%w: %s", ErrMediaNotFound, mediaID)
	}
	return m, nil
}

// IDs returns every media ID, sorted.
func (s *Static) IDs() []string {
	ids := make([]string, 0, len(s.media))
	for id := range s.media {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type file struct {
	Media []Media `yaml:"media"`
}

// LoadFile reads a YAML catalog of the form
//
//	media:
//	  - id: big-buck-bunny
//	    title: Big Buck Bunny
//	    source_path: /srv/media/bbb.mp4
//	    variants:
//	      - {id: 720p, width: 1280, height: 720, video_bitrate: 2800000, audio_bitrate: 128000}
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	seen := make(map[string]bool, len(f.Media))
	for i, m := range f.Media {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: entry %d has no id", i)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("catalog: duplicate media id %q", m.ID)
		}
		seen[m.ID] = true
		if m.SourcePath == "" {
			return nil, fmt.Errorf("catalog: media %q has no source_path", m.ID)
		}
		for _, v := range m.Variants {
			if v.ID == "" || v.Height <= 0 {
				return nil, fmt.Errorf("catalog: media %q has a variant without id or height", m.ID)
			}
		}
	}
	return NewStatic(f.Media...), nil
}
