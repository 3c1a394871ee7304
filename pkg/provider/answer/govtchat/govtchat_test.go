package govtchat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider/answer"
	"github.com/MrWong99/voxbridge/pkg/provider/answer/govtchat"
)

// collect drains ch and returns all chunks.
func collect(t *testing.T, ch <-chan answer.Chunk) []answer.Chunk {
	t.Helper()
	var out []answer.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_FoldsEvents(t *testing.T) {
	t.Parallel()

	srv := ndjsonServer(t,
		`{"type":"answer_chunk","content":"জন্ম "}`,
		`not json at all`,
		``,
		`{"type":"heartbeat"}`,
		`{"type":"answer_chunk","content":"নিবন্ধন"}`,
		`{"type":"final_data","content":{"sources":["bdris.gov.bd"]}}`,
	)
	p, err := govtchat.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.Stream(context.Background(), answer.Query{UserID: "u1", Text: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)

	var text strings.Builder
	var sources []string
	for _, c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected error chunk: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.Final {
			sources = c.Sources
		}
	}
	if got := text.String(); got != "জন্ম নিবন্ধন" {
		t.Errorf("text = %q", got)
	}
	if len(sources) != 1 || sources[0] != "bdris.gov.bd" {
		t.Errorf("sources = %v", sources)
	}
}

func TestStream_SendsQuery(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b map[string]string
		_ = json.NewDecoder(r.Body).Decode(&b)
		bodies <- b
	}))
	defer srv.Close()

	p, _ := govtchat.New(srv.URL)
	ch, err := p.Stream(context.Background(), answer.Query{UserID: "alice", Text: "কি?"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if chunks := collect(t, ch); len(chunks) != 0 {
		t.Errorf("chunks = %v, want none", chunks)
	}
	b := <-bodies
	if b["user_id"] != "alice" || b["query"] != "কি?" {
		t.Errorf("body = %v", b)
	}
}

func TestStream_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := ndjsonServer(t,
		`{"type":"answer_chunk","content":"partial"}`,
		`{"type":"error","content":"upstream model unavailable"}`,
		`{"type":"answer_chunk","content":"never delivered"}`,
	)
	p, _ := govtchat.New(srv.URL)
	ch, err := p.Stream(context.Background(), answer.Query{UserID: "u", Text: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !errors.Is(last.Err, govtchat.ErrService) {
		t.Errorf("last chunk err = %v, want ErrService", last.Err)
	}
	if !strings.Contains(last.Err.Error(), "upstream model unavailable") {
		t.Errorf("err = %q, want service message", last.Err)
	}
}

func TestStream_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := govtchat.New(srv.URL)
	if _, err := p.Stream(context.Background(), answer.Query{UserID: "u", Text: "q"}); err == nil {
		t.Fatal("expected error for HTTP 503")
	}
}

func TestStream_CancelMidStream(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"type":"answer_chunk","content":"a"}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := govtchat.New(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, answer.Query{UserID: "u", Text: "q"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if c := <-ch; c.Text != "a" {
		t.Fatalf("first chunk = %+v", c)
	}
	cancel()
	for c := range ch {
		if c.Text != "" {
			t.Errorf("unexpected chunk after cancel: %+v", c)
		}
	}
}

func TestClearSession(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 1)
	users := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b map[string]string
		_ = json.NewDecoder(r.Body).Decode(&b)
		paths <- r.URL.Path
		users <- b["user_id"]
		_, _ = io.WriteString(w, `{"status":"cleared"}`)
	}))
	defer srv.Close()

	p, _ := govtchat.New(srv.URL + "/govtchat/chat/stream")
	if err := p.ClearSession(context.Background(), "alice"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if got := <-paths; got != "/govtchat/chat/clear_session" {
		t.Errorf("path = %q, want derived clear_session path", got)
	}
	if got := <-users; got != "alice" {
		t.Errorf("user_id = %q, want alice", got)
	}

	noClear, _ := govtchat.New(srv.URL + "/ask")
	if err := noClear.ClearSession(context.Background(), "alice"); err != nil {
		t.Errorf("ClearSession without clear url: %v", err)
	}
}
