// Package govtchat provides an answer.Provider for the government services
// chat API.
//
// A question is POSTed as {"user_id": "...", "query": "..."}; the answer is
// streamed back as newline-delimited JSON events:
//
//	{"type": "answer_chunk", "content": "..."}
//	{"type": "final_data",   "content": {"sources": ["..."]}}
//	{"type": "error",        "content": "..."}
//
// Lines that are not valid JSON, and events of unknown type, are skipped.
// Per-user conversation state is dropped with a POST of {"user_id": "..."} to
// the clear endpoint.
package govtchat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MrWong99/voxbridge/pkg/provider/answer"
)

const (
	chunkBuffer = 32

	// maxLineBytes bounds a single NDJSON event.
	maxLineBytes = 1 << 20
)

// Compile-time interface assertions.
var (
	_ answer.Provider       = (*Provider)(nil)
	_ answer.SessionClearer = (*Provider)(nil)
)

// ErrService is wrapped by errors reported through an "error" event.
var ErrService = errors.New("govtchat: service reported an error")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithClearURL sets the session clearing endpoint. When unset it is derived
// from the stream URL by replacing a trailing "/stream" with "/clear_session".
func WithClearURL(url string) Option {
	return func(p *Provider) {
		p.clearURL = url
	}
}

// WithHTTPClient replaces the HTTP client. Timeouts are expected to come from
// the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// Provider implements answer.Provider and answer.SessionClearer.
type Provider struct {
	streamURL string
	clearURL  string
	client    *http.Client
}

// New creates a Provider that streams answers from streamURL.
func New(streamURL string, opts ...Option) (*Provider, error) {
	if streamURL == "" {
		return nil, errors.New("govtchat: stream url must not be empty")
	}
	p := &Provider{streamURL: streamURL, client: http.DefaultClient}
	for _, o := range opts {
		o(p)
	}
	if p.clearURL == "" {
		if base, ok := strings.CutSuffix(strings.TrimRight(streamURL, "/"), "/stream"); ok {
			p.clearURL = base + "/clear_session"
		}
	}
	return p, nil
}

// URL returns the stream endpoint.
func (p *Provider) URL() string { return p.streamURL }

type queryRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

type event struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type finalData struct {
	Sources []string `json:"sources"`
}

// Stream implements answer.Provider.
func (p *Provider) Stream(ctx context.Context, q answer.Query) (<-chan answer.Chunk, error) {
	resp, err := p.post(ctx, p.streamURL, queryRequest{UserID: q.UserID, Query: q.Text})
	if err != nil {
		return nil, err
	}

	ch := make(chan answer.Chunk, chunkBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(c answer.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev event
			if err := json.Unmarshal(line, &ev); err != nil {
				slog.Debug("govtchat: skipping malformed line", "err", err)
				continue
			}

			switch ev.Type {
			case "answer_chunk":
				var text string
				if err := json.Unmarshal(ev.Content, &text); err != nil {
					continue
				}
				if !send(answer.Chunk{Text: text}) {
					return
				}
			case "final_data":
				var fd finalData
				_ = json.Unmarshal(ev.Content, &fd)
				if !send(answer.Chunk{Final: true, Sources: fd.Sources}) {
					return
				}
			case "error":
				send(answer.Chunk{Err: fmt.Errorf("%w: %s", ErrService, contentString(ev.Content))})
				return
			}
		}
		if err := sc.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(answer.Chunk{Err: fmt.Errorf("govtchat: read stream: %w", err)})
		}
	}()
	return ch, nil
}

// ClearSession implements answer.SessionClearer.
func (p *Provider) ClearSession(ctx context.Context, userID string) error {
	if p.clearURL == "" {
		return nil
	}
	resp, err := p.post(ctx, p.clearURL, struct {
		UserID string `json:"user_id"`
	}{UserID: userID})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.Body.Close()
}

func (p *Provider) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("govtchat: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("govtchat: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("govtchat: http request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("govtchat: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// contentString renders an event content that is usually a JSON string but
// may be any JSON value.
func contentString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
