package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// ErrNoAudio is returned when a clip decodes to zero samples.
var ErrNoAudio = errors.New("playback: clip contains no audio")

// maxDecodedBytes bounds the PCM a single clip may expand to (about ten
// minutes of 44.1 kHz stereo).
const maxDecodedBytes = 100 << 20

// Decode turns an encoded clip into 16-bit PCM. WAV is recognised by its RIFF
// header; anything else is decoded as MP3. go-mp3 always yields stereo.
func Decode(data []byte) ([]byte, audio.Format, error) {
	if len(data) == 0 {
		return nil, audio.Format{}, ErrNoAudio
	}
	if audio.IsWAV(data) {
		pcm, f, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("playback: decode wav: %w", err)
		}
		if len(pcm) == 0 {
			return nil, audio.Format{}, ErrNoAudio
		}
		return pcm, f, nil
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("playback: decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(io.LimitReader(dec, maxDecodedBytes))
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("playback: decode mp3: %w", err)
	}
	if len(pcm) == 0 {
		return nil, audio.Format{}, ErrNoAudio
	}
	// Drop a trailing partial sample frame.
	pcm = pcm[:len(pcm)-len(pcm)%4]
	return pcm, audio.Format{SampleRate: dec.SampleRate(), Channels: 2}, nil
}
