package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/answer"
)

// DefaultFallback is spoken when the answer service returns an empty answer.
const DefaultFallback = "দুঃখিত, আমি এই প্রশ্নের উত্তর খুঁজে পাইনি।"

// DefaultMaxRunes caps the answer length unless [WithMaxRunes] says otherwise.
const DefaultMaxRunes = 2000

// Answer is the folded result of one answer stream.
type Answer struct {
	// Text is the concatenation of all fragments in arrival order, or the
	// fallback phrase when Fallback is set.
	Text string

	// Sources are the references reported by the closing metadata event.
	Sources []string

	// Truncated is true when the stream was cut at the length cap.
	Truncated bool

	// Fallback is true when the service answered with no text.
	Fallback bool
}

// Retriever asks the answer service a question and folds the streamed
// fragments into one [Answer].
type Retriever struct {
	provider answer.Provider
	timeout  time.Duration
	maxRunes int
	fallback string
}

// RetrieverOption configures a [Retriever].
type RetrieverOption func(*Retriever)

// WithMaxRunes caps the answer length. Fragments past the cap are dropped and
// the stream is abandoned. Zero or a negative n disables the cap. Defaults to
// [DefaultMaxRunes].
func WithMaxRunes(n int) RetrieverOption {
	return func(r *Retriever) { r.maxRunes = n }
}

// WithFallback sets the phrase used for an empty answer.
func WithFallback(phrase string) RetrieverOption {
	return func(r *Retriever) {
		if strings.TrimSpace(phrase) != "" {
			r.fallback = phrase
		}
	}
}

// NewRetriever creates a Retriever whose whole stream, from request to last
// fragment, must finish within timeout. A zero timeout leaves the stream bound
// only by ctx.
func NewRetriever(p answer.Provider, timeout time.Duration, opts ...RetrieverOption) *Retriever {
	r := &Retriever{provider: p, timeout: timeout, maxRunes: DefaultMaxRunes, fallback: DefaultFallback}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve streams the answer for question on behalf of userID. Timeout,
// transport errors and error events are failures. An empty answer is not: it
// is replaced by the fallback phrase.
func (r *Retriever) Retrieve(ctx context.Context, userID, question string) (Answer, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	ch, err := r.provider.Stream(ctx, answer.Query{UserID: userID, Text: question})
	if err != nil {
		cancel()
		return Answer{}, err
	}
	defer func() {
		cancel()
		audio.Drain(ch)
	}()

	acc := newAssembler(r.maxRunes)
	var sources []string
	for {
		select {
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		case c, ok := <-ch:
			if !ok {
				// Providers close the stream on cancellation without an
				// error chunk.
				if err := ctx.Err(); err != nil {
					return Answer{}, err
				}
				return r.finish(acc, sources), nil
			}
			switch {
			case c.Err != nil:
				return Answer{}, c.Err
			case c.Final:
				sources = c.Sources
			default:
				if !acc.add(c.Text) {
					slog.Warn("pipeline: answer truncated", "user_id", userID, "max_runes", r.maxRunes)
					return r.finish(acc, sources), nil
				}
			}
		}
	}
}

func (r *Retriever) finish(acc *assembler, sources []string) Answer {
	if strings.TrimSpace(acc.String()) == "" {
		return Answer{Text: r.fallback, Sources: sources, Fallback: true}
	}
	return Answer{Text: acc.String(), Sources: sources, Truncated: acc.full}
}

// assembler folds fragments in order into a string of at most max runes.
type assembler struct {
	b     strings.Builder
	max   int
	runes int
	full  bool
}

func newAssembler(max int) *assembler {
	return &assembler{max: max}
}

// add appends s and reports whether more text is accepted. Once the cap is
// hit, s is cut at a rune boundary and later calls are no-ops.
func (a *assembler) add(s string) bool {
	if a.full {
		return false
	}
	if a.max <= 0 {
		a.b.WriteString(s)
		return true
	}
	n := utf8.RuneCountInString(s)
	if a.runes+n <= a.max {
		a.b.WriteString(s)
		a.runes += n
		return true
	}
	keep := a.max - a.runes
	for i := range s {
		if keep == 0 {
			s = s[:i]
			break
		}
		keep--
	}
	a.b.WriteString(s)
	a.runes = a.max
	a.full = true
	return false
}

func (a *assembler) String() string { return a.b.String() }
