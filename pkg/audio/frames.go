package audio

import "time"

// Rechunker regroups a PCM stream of arbitrary frame sizes into frames of one
// fixed duration. The VAD model classifies fixed windows (30 ms by default)
// while transport frames are typically 20 ms, so the ingestion path feeds every
// converted frame through a Rechunker before classification.
//
// A Rechunker is not safe for concurrent use.
type Rechunker struct {
	format    Format
	size      int
	buf       []byte
	seq       uint64
	emitted   time.Duration
	frameTime time.Duration
}

// NewRechunker creates a Rechunker emitting frames of frameDur in format f.
func NewRechunker(f Format, frameDur time.Duration) *Rechunker {
	size := f.BytesFor(frameDur)
	return &Rechunker{
		format:    f,
		size:      size,
		buf:       make([]byte, 0, size*2),
		frameTime: f.DurationOf(size),
	}
}

// FrameSize is the byte length of every emitted frame.
func (r *Rechunker) FrameSize() int { return r.size }

// Push appends frame's PCM to the internal buffer and returns every complete
// fixed-size frame now available. frame must already be in the Rechunker's
// format. Emitted frames own their Data.
func (r *Rechunker) Push(frame AudioFrame) []AudioFrame {
	if r.size <= 0 {
		return nil
	}
	r.buf = append(r.buf, frame.Data...)
	var out []AudioFrame
	for len(r.buf) >= r.size {
		data := make([]byte, r.size)
		copy(data, r.buf[:r.size])
		r.buf = r.buf[r.size:]
		out = append(out, AudioFrame{
			Data:       data,
			SampleRate: r.format.SampleRate,
			Channels:   r.format.Channels,
			Seq:        r.seq,
			Timestamp:  r.emitted,
		})
		r.seq++
		r.emitted += r.frameTime
	}
	// Compact so the backing array does not grow without bound.
	if len(r.buf) == 0 {
		r.buf = r.buf[:0]
	} else if cap(r.buf) > r.size*4 {
		r.buf = append(make([]byte, 0, r.size*2), r.buf...)
	}
	return out
}

// Pending is the number of buffered bytes not yet emitted.
func (r *Rechunker) Pending() int { return len(r.buf) }

// Reset drops any buffered partial frame.
func (r *Rechunker) Reset() { r.buf = r.buf[:0] }

// SplitFrames cuts pcm into consecutive frames of frameDur in format f. The
// last frame is zero-padded to full length. Returns nil for empty input or a
// frame duration shorter than one sample.
func SplitFrames(pcm []byte, f Format, frameDur time.Duration) []AudioFrame {
	size := f.BytesFor(frameDur)
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + size - 1) / size
	step := f.DurationOf(size)
	frames := make([]AudioFrame, 0, n)
	for i := range n {
		data := make([]byte, size)
		copy(data, pcm[i*size:min((i+1)*size, len(pcm))])
		frames = append(frames, AudioFrame{
			Data:       data,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Seq:        uint64(i),
			Timestamp:  time.Duration(i) * step,
		})
	}
	return frames
}
