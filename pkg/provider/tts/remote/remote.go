// Package remote provides a tts.Provider backed by a synthesis microservice.
//
// Synthesis is a JSON POST of {"text": "...", "lang": "bn"}; the service
// answers with the encoded audio as the response body (audio/mpeg for the
// gTTS service, audio/wav for WAV-producing servers).
//
// Usage:
//
//	p, err := remote.New("http://tts:8002/synthesize", remote.WithLanguage("bn"))
//	a, err := p.Synthesize(ctx, tts.Request{Text: "নমস্কার"})
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const (
	defaultLanguage = "bn"

	// maxAudioBytes bounds the accepted response size (about 10 minutes of
	// 128 kbit/s MP3).
	maxAudioBytes = 10 << 20
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code used when a request carries none.
// Defaults to "bn".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient replaces the HTTP client. Timeouts are expected to come from
// the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider implements tts.Provider against a remote synthesis endpoint.
type Provider struct {
	url      string
	language string
	client   *http.Client
}

// New creates a Provider that POSTs to url. url must be non-empty.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("tts remote: url must not be empty")
	}
	p := &Provider{url: url, language: defaultLanguage, client: http.DefaultClient}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// URL returns the synthesis endpoint.
func (p *Provider) URL() string { return p.url }

type synthesizeRequest struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return tts.Audio{}, errors.New("tts remote: text must not be empty")
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	body, err := json.Marshal(synthesizeRequest{Text: req.Text, Lang: lang})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("tts remote: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("tts remote: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg, audio/wav")
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("tts remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return tts.Audio{}, fmt.Errorf("tts remote: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("tts remote: read audio: %w", err)
	}
	if len(data) > maxAudioBytes {
		return tts.Audio{}, fmt.Errorf("tts remote: audio exceeds %d bytes", maxAudioBytes)
	}
	if len(data) == 0 {
		return tts.Audio{}, errors.New("tts remote: empty audio response")
	}
	return tts.Audio{Data: data, ContentType: resp.Header.Get("Content-Type"), Text: req.Text}, nil
}
