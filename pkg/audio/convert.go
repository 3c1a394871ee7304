package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter converts the frames of one stream to a target [Format]. It
// logs once on the first format mismatch and once on the first misaligned
// frame.
//
// Resampling is continuous across frames: the fractional read position and
// the last source sample carry over to the next frame, so a non-integer rate
// ratio (44.1 kHz to 16 kHz) does not drift. Output frames may therefore
// differ by a sample in length. Create one per stream; it is not safe for
// concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once

	rs *streamResampler
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Frames with an odd byte count are dropped (the
// returned frame has no Data). Resampling happens in the source channel
// layout, before channel conversion.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%bytesPerSample != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM frame, dropping",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Seq:        frame.Seq,
			Timestamp:  frame.Timestamp,
		}
	}
	src := frame.Format()
	if src == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting stream format",
			"from", src.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if src.SampleRate != c.Target.SampleRate {
		if c.rs == nil || c.rs.src != src || c.rs.dstRate != c.Target.SampleRate {
			c.rs = newStreamResampler(src, c.Target.SampleRate)
		}
		pcm = c.rs.process(pcm)
	}
	pcm = convertChannels(pcm, src.Channels, c.Target.Channels)

	out := frame
	out.Data = pcm
	out.SampleRate = c.Target.SampleRate
	out.Channels = c.Target.Channels
	return out
}

// streamResampler is a linear interpolator that keeps its phase between
// buffers. pos is the read position in source frames relative to the start of
// the next buffer; -1 addresses the last frame of the previous buffer.
type streamResampler struct {
	src     Format
	dstRate int
	step    float64
	pos     float64
	last    []int16
}

func newStreamResampler(src Format, dstRate int) *streamResampler {
	return &streamResampler{
		src:     src,
		dstRate: dstRate,
		step:    float64(src.SampleRate) / float64(dstRate),
		last:    make([]int16, max(src.Channels, 1)),
	}
}

func (r *streamResampler) process(pcm []byte) []byte {
	channels := max(r.src.Channels, 1)
	n := len(pcm) / (channels * bytesPerSample)
	if n == 0 || r.src.SampleRate <= 0 || r.dstRate <= 0 {
		return pcm
	}
	at := func(i, ch int) float64 {
		if i < 0 {
			return float64(r.last[ch])
		}
		return float64(sampleAt(pcm, i*channels+ch))
	}

	out := make([]byte, 0, (int(float64(n)/r.step)+2)*channels*bytesPerSample)
	var buf [2]byte
	for ; r.pos < float64(n-1); r.pos += r.step {
		idx := int(math.Floor(r.pos))
		frac := r.pos - float64(idx)
		for ch := range channels {
			v := at(idx, ch)*(1-frac) + at(idx+1, ch)*frac
			putSample(buf[:], 0, int16(v))
			out = append(out, buf[:]...)
		}
	}
	for ch := range channels {
		r.last[ch] = sampleAt(pcm, (n-1)*channels+ch)
	}
	r.pos -= float64(n)
	return out
}

// ConvertPCM converts a complete PCM buffer, such as a decoded clip, between
// formats. It keeps no state between calls; use a [FormatConverter] for a
// stream of frames. Only mono and stereo layouts are supported; other channel
// counts are left untouched.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from.SampleRate != to.SampleRate {
		if from.Channels == 2 {
			pcm = ResampleStereo16(pcm, from.SampleRate, to.SampleRate)
		} else {
			pcm = ResampleMono16(pcm, from.SampleRate, to.SampleRate)
		}
	}
	return convertChannels(pcm, from.Channels, to.Channels)
}

func convertChannels(pcm []byte, from, to int) []byte {
	switch {
	case from == 1 && to == 2:
		return MonoToStereo(pcm)
	case from == 2 && to == 1:
		return StereoToMono(pcm)
	}
	return pcm
}

// sampleAt reads the i-th int16 sample of pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// putSample writes s as the i-th int16 sample of pcm.
func putSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// clamp16 saturates v to the int16 range.
func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	n := len(pcm) / bytesPerSample
	out := make([]byte, n*2*bytesPerSample)
	for i := range n {
		s := sampleAt(pcm, i)
		putSample(out, i*2, s)
		putSample(out, i*2+1, s)
	}
	return out
}

// StereoToMono averages each L+R pair into one mono sample.
func StereoToMono(pcm []byte) []byte {
	n := len(pcm) / (2 * bytesPerSample)
	out := make([]byte, n*bytesPerSample)
	for i := range n {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples mono PCM from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved stereo PCM from srcRate to dstRate
// by linear interpolation on each channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// formatString renders a sample rate and channel count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
