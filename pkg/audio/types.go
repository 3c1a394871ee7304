package audio

import "time"

// bytesPerSample is fixed: every frame in the pipeline carries signed 16-bit
// little-endian PCM.
const bytesPerSample = 2

// AudioFrame is a fixed-duration slice of PCM audio. Frames are produced by a
// [Connection] input stream, classified by the voice activity gate, collected
// into utterances and, on the way back, written to a [FrameWriter].
//
// A frame is immutable once produced; consumers must copy Data before
// modifying it.
type AudioFrame struct {
	// Data is signed 16-bit little-endian PCM, channels interleaved.
	Data []byte

	// SampleRate in Hz (48000 on the transport, 16000 for VAD and STT).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Seq increases by one for every frame of a stream.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the sample rate and channel layout of f.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration is the playback length of the frame derived from its PCM length.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().DurationOf(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond is the PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// DurationOf converts a PCM byte count into playback time. Returns 0 for an
// invalid format.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the PCM byte count covering d, rounded down to a whole
// sample frame.
func (f Format) BytesFor(d time.Duration) int {
	samples := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(samples) * f.Channels * bytesPerSample
}

// String renders the format as e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
