// Package transcoder is a client for the transcoder application's control
// API. The application runs the actual encodes and is reached over a unix
// socket or a plain HTTP base URL.
package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second

	// socketHost is the placeholder authority used when dialing a unix socket.
	socketHost      = "transcoder"
	maxErrorExcerpt = 1000
)

// ErrUnavailable wraps transport failures reaching the application.
var ErrUnavailable = errors.New("transcoder unavailable")

// ResponseError is a non-2xx reply from the control API.
type ResponseError struct {
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("transcoder returned %d", e.StatusCode)
	}
	return fmt.Sprintf("transcoder returned %d: %s", e.StatusCode, e.Body)
}

// StartRequest asks the application to encode one rendition of a source,
// beginning at StartSegment, writing segments under OutputDir.
type StartRequest struct {
	SessionID       string  `json:"sessionId"`
	JobID           string  `json:"jobId"`
	VideoID         string  `json:"videoId"`
	SourcePath      string  `json:"sourcePath"`
	Quality         string  `json:"quality"`
	Format          string  `json:"format"`
	Width           int     `json:"width,omitempty"`
	Height          int     `json:"height,omitempty"`
	VideoBitrate    int64   `json:"videoBitrate,omitempty"`
	AudioBitrate    int64   `json:"audioBitrate,omitempty"`
	AudioTrack      *int    `json:"audioTrack,omitempty"`
	StartSegment    int64   `json:"startSegment"`
	StartTime       float64 `json:"startTime"`
	SegmentDuration int     `json:"segmentDuration"`
	OutputDir       string  `json:"outputDir"`
}

// Accepted is the application's reply to a start request.
type Accepted struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Config selects how the control API is reached. BaseURL wins over Socket.
type Config struct {
	Socket  string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{log: log.With("component", "transcoder")}

	switch {
	case cfg.BaseURL != "":
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("transcoder: invalid base url %q", cfg.BaseURL)
		}
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
		c.http = &http.Client{Timeout: cfg.Timeout}
	case cfg.Socket != "":
		socket := cfg.Socket
		var dialer net.Dialer
		transport := &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
			MaxIdleConns:    10,
			IdleConnTimeout: 60 * time.Second,
		}
		c.baseURL = "http://" + socketHost
		c.http = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	default:
		return nil, errors.New("transcoder: socket or base url is required")
	}
	return c, nil
}

// Start launches an encode.
func (c *Client) Start(ctx context.Context, req StartRequest) (Accepted, error) {
	var out Accepted
	if err := c.do(ctx, http.MethodPost, "/api/transcode/start", req, &out); err != nil {
		return Accepted{}, err
	}
	c.log.Info("transcode started",
		slog.String("session_id", req.SessionID),
		slog.String("job_id", out.JobID),
		slog.Int64("start_segment", req.StartSegment),
	)
	return out, nil
}

// Stop ends the encode for sessionID. A 404 means it is already gone and is
// not an error.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodPost, "/api/transcode/"+url.PathEscape(sessionID)+"/stop", nil, nil)
	var re *ResponseError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Seek moves a running encode to seconds into the source.
func (c *Client) Seek(ctx context.Context, sessionID string, seconds float64) error {
	body := map[string]int64{"time": int64(seconds)}
	return c.do(ctx, http.MethodPost, "/api/transcode/"+url.PathEscape(sessionID)+"/skip", body, nil)
}

// Health checks the application is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("transcoder: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("transcoder: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		c.log.Error("transcoder request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)
		return &ResponseError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("transcoder: decode %s response: %w", path, err)
	}
	return nil
}
