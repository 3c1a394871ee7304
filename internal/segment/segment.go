// Package segment turns a stream of VAD-classified audio frames into complete
// utterances.
//
// The [Segmenter] is a three-state machine:
//
//	Idle ──speech──▶ Accumulating ──silence──▶ Trailing ──silence ≥ EndSilence──▶ Idle (emit)
//	                      ▲                        │
//	                      └─────────speech─────────┘
//
// While Idle every frame is kept in a short pre-roll ring so the onset of the
// next utterance is not clipped. When an utterance closes, trailing silence
// beyond TailMargin is cut off and handed back to the pre-roll ring, which
// keeps frames contiguous across utterance boundaries.
//
// All durations are measured in audio time (the sum of frame durations), not
// wall clock time, so segmentation is deterministic for a given input.
package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

// State is the segmenter's state.
type State int

const (
	// StateIdle means no utterance is open.
	StateIdle State = iota

	// StateAccumulating means an utterance is open and the last frame was speech.
	StateAccumulating

	// StateTrailing means an utterance is open and silence is being counted
	// towards its end.
	StateTrailing
)

// String returns a human-readable name for s.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateTrailing:
		return "trailing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the segmentation thresholds.
type Config struct {
	// PreRoll is how much audio seen just before speech starts is prepended to
	// the utterance.
	PreRoll time.Duration

	// EndSilence is the amount of continuous silence that closes an utterance.
	EndSilence time.Duration

	// TailMargin is how much of the closing silence is kept at the end of the
	// utterance.
	TailMargin time.Duration

	// MinSpeech is the shortest voiced span (first to last speech frame) worth
	// transcribing. Shorter utterances are discarded as noise.
	MinSpeech time.Duration

	// MaxDuration force-closes an utterance once its audio, excluding
	// pre-roll, reaches this length. Zero disables the limit.
	MaxDuration time.Duration
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PreRoll:     300 * time.Millisecond,
		EndSilence:  700 * time.Millisecond,
		TailMargin:  150 * time.Millisecond,
		MinSpeech:   300 * time.Millisecond,
		MaxDuration: 20 * time.Second,
	}
}

// Classified pairs a frame with its VAD verdict.
type Classified struct {
	Frame   audio.AudioFrame
	Verdict vad.Verdict
}

// Utterance is the audio of one detected utterance. It is owned by the
// Segmenter while open and handed to the caller once closed; the Segmenter
// never touches it again.
type Utterance struct {
	// ID uniquely identifies the utterance in logs and downstream requests.
	ID string

	// Frames holds the utterance audio in arrival order, pre-roll included.
	Frames []audio.AudioFrame

	// PreRoll is the number of leading frames that came from the pre-roll ring.
	PreRoll int

	// Speech is the voiced span: from the first to the end of the last speech
	// frame.
	Speech time.Duration

	// Forced is true when the utterance was closed by MaxDuration.
	Forced bool

	closed bool
}

// Closed reports whether the utterance has been closed.
func (u *Utterance) Closed() bool { return u.closed }

// Format returns the audio format of the utterance, taken from its first frame.
func (u *Utterance) Format() audio.Format {
	if len(u.Frames) == 0 {
		return audio.Format{}
	}
	return u.Frames[0].Format()
}

// Duration returns the total audio duration of the utterance.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// PCM returns the concatenated audio of all frames.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Data)
	}
	pcm := make([]byte, 0, n)
	for _, f := range u.Frames {
		pcm = append(pcm, f.Data...)
	}
	return pcm
}

// Stats counts segmentation outcomes since the Segmenter was created.
type Stats struct {
	Emitted   int
	Forced    int
	Discarded int
}

// Segmenter is the utterance state machine for one audio stream. It is not
// safe for concurrent use; one goroutine drives it.
type Segmenter struct {
	cfg   Config
	state State

	ring    []audio.AudioFrame
	ringDur time.Duration

	cur       *Utterance
	body      time.Duration // audio since speech start
	speechEnd time.Duration // body offset at the end of the last speech frame
	silence   time.Duration // trailing silence
	tail      int           // number of trailing silence frames

	stats Stats
}

// New creates a Segmenter in the Idle state.
func New(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg}
}

// State returns the current state.
func (s *Segmenter) State() State { return s.state }

// Stats returns the outcome counters.
func (s *Segmenter) Stats() Stats { return s.stats }

// Push feeds one classified frame into the state machine. It returns the
// utterance closed by this frame, or nil.
func (s *Segmenter) Push(frame audio.AudioFrame, v vad.Verdict) *Utterance {
	d := frame.Duration()

	switch s.state {
	case StateIdle:
		if !v.Speech {
			s.addPreRoll(frame)
			return nil
		}
		s.open(frame)
	case StateAccumulating, StateTrailing:
		s.cur.Frames = append(s.cur.Frames, frame)
		s.body += d
		if v.Speech {
			s.speechEnd = s.body
			s.silence = 0
			s.tail = 0
			s.state = StateAccumulating
		} else {
			s.silence += d
			s.tail++
			s.state = StateTrailing
			if s.silence >= s.cfg.EndSilence {
				return s.close(false)
			}
		}
	}

	if s.cfg.MaxDuration > 0 && s.body >= s.cfg.MaxDuration {
		return s.close(true)
	}
	return nil
}

// Observe adds frame to the pre-roll ring without classifying it. It is used
// while the caller is not segmenting (for example while a response is being
// produced) so the next utterance still gets its pre-roll. Observe has no
// effect while an utterance is open.
func (s *Segmenter) Observe(frame audio.AudioFrame) {
	if s.state != StateIdle {
		return
	}
	s.addPreRoll(frame)
}

// Reset drops any open utterance and the pre-roll ring and returns to Idle.
func (s *Segmenter) Reset() {
	s.state = StateIdle
	s.cur = nil
	s.ring = nil
	s.ringDur = 0
	s.body, s.speechEnd, s.silence, s.tail = 0, 0, 0, 0
}

// Segment drives the Segmenter from in and emits closed utterances on the
// returned channel. The channel is closed when in is closed or ctx is done;
// an utterance still open at that point is dropped.
func (s *Segmenter) Segment(ctx context.Context, in <-chan Classified) <-chan *Utterance {
	out := make(chan *Utterance)
	go func() {
		defer close(out)
		defer s.Reset()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-in:
				if !ok {
					return
				}
				u := s.Push(c.Frame, c.Verdict)
				if u == nil {
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *Segmenter) open(frame audio.AudioFrame) {
	frames := make([]audio.AudioFrame, 0, len(s.ring)+64)
	frames = append(frames, s.ring...)
	frames = append(frames, frame)
	s.cur = &Utterance{
		ID:      xid.New().String(),
		Frames:  frames,
		PreRoll: len(s.ring),
	}
	s.ring = nil
	s.ringDur = 0
	s.body = frame.Duration()
	s.speechEnd = s.body
	s.silence = 0
	s.tail = 0
	s.state = StateAccumulating
}

// close ends the open utterance. Trailing silence beyond TailMargin is moved
// to the pre-roll ring. It returns nil when the voiced span is too short.
func (s *Segmenter) close(forced bool) *Utterance {
	u := s.cur
	keep := len(u.Frames) - s.tail
	var kept time.Duration
	for keep < len(u.Frames) {
		d := u.Frames[keep].Duration()
		if kept+d > s.cfg.TailMargin {
			break
		}
		kept += d
		keep++
	}
	dropped := u.Frames[keep:]
	u.Frames = u.Frames[:keep:keep]

	speech := s.speechEnd
	s.Reset()
	for _, f := range dropped {
		s.addPreRoll(f)
	}

	if speech < s.cfg.MinSpeech {
		s.stats.Discarded++
		return nil
	}
	u.Speech = speech
	u.Forced = forced
	u.closed = true
	s.stats.Emitted++
	if forced {
		s.stats.Forced++
	}
	return u
}

func (s *Segmenter) addPreRoll(frame audio.AudioFrame) {
	if s.cfg.PreRoll <= 0 {
		return
	}
	s.ring = append(s.ring, frame)
	s.ringDur += frame.Duration()
	for len(s.ring) > 0 && s.ringDur > s.cfg.PreRoll {
		s.ringDur -= s.ring[0].Duration()
		s.ring = s.ring[1:]
	}
}
