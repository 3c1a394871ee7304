package audio_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func TestRechunker(t *testing.T) {
	t.Parallel()

	r := audio.NewRechunker(mono16k, 30*time.Millisecond)
	if r.FrameSize() != 960 {
		t.Fatalf("FrameSize = %d, want 960", r.FrameSize())
	}

	// 20 ms input frames: 640 bytes each. Three of them make two 30 ms frames.
	var out []audio.AudioFrame
	for i := range 3 {
		data := bytes.Repeat([]byte{byte(i + 1)}, 640)
		out = append(out, r.Push(audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1})...)
	}
	if len(out) != 2 {
		t.Fatalf("frames = %d, want 2", len(out))
	}
	if r.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", r.Pending())
	}
	for i, f := range out {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: Seq = %d", i, f.Seq)
		}
		if f.Timestamp != time.Duration(i)*30*time.Millisecond {
			t.Errorf("frame %d: Timestamp = %v", i, f.Timestamp)
		}
		if f.Duration() != 30*time.Millisecond {
			t.Errorf("frame %d: Duration = %v", i, f.Duration())
		}
	}
	// Second frame straddles input frames 2 and 3.
	if out[1].Data[0] != 2 || out[1].Data[959] != 3 {
		t.Errorf("second frame boundaries = %d..%d, want 2..3", out[1].Data[0], out[1].Data[959])
	}

	r.Push(audio.AudioFrame{Data: make([]byte, 100), SampleRate: 16000, Channels: 1})
	r.Reset()
	if r.Pending() != 0 {
		t.Errorf("Pending after Reset = %d, want 0", r.Pending())
	}
}

func TestSplitFrames(t *testing.T) {
	t.Parallel()

	f := audio.Format{SampleRate: 48000, Channels: 1}
	pcm := bytes.Repeat([]byte{1}, 1920*2+10)
	frames := audio.SplitFrames(pcm, f, 20*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	last := frames[2]
	if len(last.Data) != 1920 {
		t.Fatalf("last frame bytes = %d, want 1920 (padded)", len(last.Data))
	}
	if last.Data[9] != 1 || last.Data[10] != 0 || last.Data[1919] != 0 {
		t.Error("last frame should keep 10 data bytes followed by zero padding")
	}
	if last.Timestamp != 40*time.Millisecond {
		t.Errorf("last Timestamp = %v, want 40ms", last.Timestamp)
	}

	if got := audio.SplitFrames(nil, f, 20*time.Millisecond); got != nil {
		t.Errorf("empty input: got %d frames, want nil", len(got))
	}
}

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, -1, 300, -300})
	wav := audio.EncodeWAV(pcm, mono16k)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if !audio.IsWAV(wav) {
		t.Fatal("IsWAV = false for encoded file")
	}

	got, f, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != mono16k {
		t.Errorf("format = %v, want %v", f, mono16k)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_Rejects(t *testing.T) {
	t.Parallel()

	float32WAV := audio.EncodeWAV(make([]byte, 8), mono16k)
	float32WAV[20] = 3 // IEEE float

	tests := []struct {
		name string
		data []byte
	}{
		{"not riff", []byte("ID3\x03 mp3 data here")},
		{"no data chunk", audio.EncodeWAV(nil, mono16k)[:36]},
		{"float encoding", float32WAV},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := audio.DecodeWAV(tc.data); !errors.Is(err, audio.ErrInvalidWAV) {
				t.Errorf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}
