package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the size of the canonical 44-byte PCM WAV header.
const wavHeaderSize = 44

// ErrInvalidWAV is returned by [DecodeWAV] for data that is not a 16-bit PCM
// RIFF/WAVE container.
var ErrInvalidWAV = errors.New("audio: invalid wav data")

// EncodeWAV wraps 16-bit little-endian PCM in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) []byte {
	blockAlign := f.Channels * bytesPerSample
	buf := make([]byte, wavHeaderSize+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 8*bytesPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// IsWAV reports whether data starts with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV extracts the PCM payload and format from a 16-bit PCM WAV file.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if !IsWAV(data) {
		return nil, Format{}, ErrInvalidWAV
	}
	var (
		f       Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(data) {
			// Some encoders write a bogus data size when streaming; take the rest.
			if id == "data" && haveFmt {
				size = len(data) - body
			} else {
				return nil, Format{}, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, id)
			}
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			audioFormat := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if audioFormat != 1 || bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: unsupported encoding (format %d, %d bits)", ErrInvalidWAV, audioFormat, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			if f.Channels <= 0 || f.SampleRate <= 0 {
				return nil, Format{}, fmt.Errorf("%w: bad format %d channels at %d Hz", ErrInvalidWAV, f.Channels, f.SampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data before fmt chunk", ErrInvalidWAV)
			}
			pcm := data[body : body+size]
			return pcm[:len(pcm)-len(pcm)%(f.Channels*bytesPerSample)], f, nil
		}
		pos = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}
