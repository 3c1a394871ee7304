// Package remote provides an stt.Provider that uploads utterances to a
// transcription microservice.
//
// Each request is a multipart/form-data POST carrying the utterance as a WAV
// file in the "file" field plus an optional "language" hint. The service
// answers with {"transcription": "..."}; {"text": "..."} is accepted as well
// so whisper.cpp style servers work unchanged.
//
// Usage:
//
//	p, err := remote.New("http://stt:8001/transcribe", remote.WithLanguage("bn"))
//	t, err := p.Transcribe(ctx, stt.Request{PCM: pcm, Format: audio.Format{SampleRate: 16000, Channels: 1}})
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default language hint used when a request carries
// none.
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

// Provider implements stt.Provider against a remote transcription endpoint.
type Provider struct {
	url      string
	language string
	client   *http.Client
}

// New creates a Provider that POSTs to url. url must be non-empty.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("stt remote: url must not be empty")
	}
	p := &Provider{url: url, client: http.DefaultClient}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// URL returns the transcription endpoint.
func (p *Provider) URL() string { return p.url }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if len(req.PCM) == 0 {
		return stt.Transcript{}, errors.New("stt remote: empty audio")
	}
	format := req.Format
	if format.Channels != 1 {
		mono := audio.Format{SampleRate: format.SampleRate, Channels: 1}
		req.PCM = audio.ConvertPCM(req.PCM, format, mono)
		format = mono
	}
	wav := audio.EncodeWAV(req.PCM, format)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	h.Set("Content-Type", "audio/wav")
	fw, err := mw.CreatePart(h)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("stt remote: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Transcript{}, fmt.Errorf("stt remote: write wav data: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return stt.Transcript{}, fmt.Errorf("stt remote: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("stt remote: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("stt remote: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if req.ID != "" {
		httpReq.Header.Set("X-Request-ID", req.ID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("stt remote: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return stt.Transcript{}, fmt.Errorf("stt remote: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result struct {
		Transcription *string `json:"transcription"`
		Text          *string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return stt.Transcript{}, fmt.Errorf("stt remote: parse JSON response: %w", err)
	}
	switch {
	case result.Transcription != nil:
		return stt.Transcript{Text: strings.TrimSpace(*result.Transcription)}, nil
	case result.Text != nil:
		return stt.Transcript{Text: strings.TrimSpace(*result.Text)}, nil
	default:
		return stt.Transcript{}, errors.New("stt remote: response carries no transcription")
	}
}
