// Package remote provides a vad.Engine that classifies frames on a VAD
// microservice over HTTP.
//
// Every frame is POSTed as the raw request body (16-bit little-endian mono
// PCM). The service answers with
//
//	{"is_speech": true, "confidence": 0.93}
//
// "score" is accepted in place of "confidence". When the session has a
// non-zero SpeechThreshold the verdict is derived from the score; otherwise
// the service's is_speech decision is used as-is.
//
// Usage:
//
//	eng, err := remote.New("http://vad:8000/detect_speech")
//	sess, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 30})
//	v, err := sess.ProcessFrame(ctx, frame)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

const defaultTimeout = 2 * time.Second

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 10

var _ vad.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHTTPClient replaces the HTTP client used for classification requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithTimeout sets the per-frame request timeout. Defaults to 2 s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Engine implements vad.Engine against a remote VAD endpoint.
type Engine struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// New creates an Engine that POSTs frames to url. url must be non-empty.
func New(url string, opts ...Option) (*Engine, error) {
	if url == "" {
		return nil, errors.New("vad remote: url must not be empty")
	}
	e := &Engine{
		url:     url,
		client:  http.DefaultClient,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// URL returns the classification endpoint.
func (e *Engine) URL() string { return e.url }

// NewSession validates cfg and returns a session bound to it.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{engine: e, cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

// response is the VAD service reply.
type response struct {
	IsSpeech   bool     `json:"is_speech"`
	Confidence *float64 `json:"confidence"`
	Score      *float64 `json:"score"`
}

type session struct {
	engine     *Engine
	cfg        vad.Config
	frameBytes int
	closed     atomic.Bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(ctx context.Context, frame []byte) (vad.Verdict, error) {
	if s.closed.Load() {
		return vad.Verdict{}, errors.New("vad remote: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Verdict{}, fmt.Errorf("%w: got %d bytes, want %d", vad.ErrFrameSize, len(frame), s.frameBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engine.url, bytes.NewReader(frame))
	if err != nil {
		return vad.Verdict{}, fmt.Errorf("vad remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.engine.client.Do(req)
	if err != nil {
		return vad.Verdict{}, fmt.Errorf("vad remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return vad.Verdict{}, fmt.Errorf("vad remote: server returned HTTP %d", resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&r); err != nil {
		return vad.Verdict{}, fmt.Errorf("vad remote: parse JSON response: %w", err)
	}
	return s.verdict(r), nil
}

func (s *session) verdict(r response) vad.Verdict {
	score, hasScore := 0.0, false
	switch {
	case r.Score != nil:
		score, hasScore = *r.Score, true
	case r.Confidence != nil:
		score, hasScore = *r.Confidence, true
	}
	if hasScore && s.cfg.SpeechThreshold > 0 {
		return vad.Verdict{Speech: score >= s.cfg.SpeechThreshold, Score: score}
	}
	if !hasScore && r.IsSpeech {
		score = 1
	}
	return vad.Verdict{Speech: r.IsSpeech, Score: score}
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}
