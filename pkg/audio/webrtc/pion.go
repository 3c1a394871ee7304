package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"layeh.com/gopus"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

const (
	// opusSampleRate is the only clock rate WebRTC negotiates for Opus.
	opusSampleRate = 48000

	// maxOpusFrameSamples is the largest Opus frame (120 ms) per channel.
	maxOpusFrameSamples = opusSampleRate * 120 / 1000

	// maxOpusPacket bounds the encoder output buffer.
	maxOpusPacket = 4000

	inputBuffer = 64
)

// errMediaFailed is reported by [pionTransport.Err] when ICE/DTLS fails.
var errMediaFailed = errors.New("webrtc: peer connection failed")

// pionTransport is the production [PeerTransport]. Inbound Opus RTP is decoded
// to PCM with gopus; outbound PCM frames are Opus-encoded and written as media
// samples to a local static track.
type pionTransport struct {
	pc     *pion.PeerConnection
	track  *pion.TrackLocalStaticSample
	format audio.Format

	encMu sync.Mutex
	enc   *gopus.Encoder

	audioIn     chan audio.AudioFrame
	readStarted atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

var _ PeerTransport = (*pionTransport)(nil)

// newPionTransport creates a peer connection with one send/receive audio
// track. The PCM format is fixed to 48 kHz; cfg.format.Channels selects mono
// or stereo.
func newPionTransport(cfg transportConfig) (PeerTransport, error) {
	channels := cfg.format.Channels
	if channels != 2 {
		channels = 1
	}

	var ice []pion.ICEServer
	if len(cfg.stunServers) > 0 {
		ice = append(ice, pion.ICEServer{URLs: cfg.stunServers})
	}
	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: opusSampleRate, Channels: 2},
		"audio", cfg.identity,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: create local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: add local track: %w", err)
	}

	enc, err := gopus.NewEncoder(opusSampleRate, channels, gopus.Voip)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}

	t := &pionTransport{
		pc:      pc,
		track:   track,
		format:  audio.Format{SampleRate: opusSampleRate, Channels: channels},
		enc:     enc,
		audioIn: make(chan audio.AudioFrame, inputBuffer),
		done:    make(chan struct{}),
	}

	// RTCP must be read for interceptors (NACK, reports) to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		if remote.Kind() != pion.RTPCodecTypeAudio {
			return
		}
		if !t.readStarted.CompareAndSwap(false, true) {
			slog.Debug("webrtc: ignoring additional audio track", "track", remote.ID())
			return
		}
		go t.readTrack(remote)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		slog.Debug("webrtc: peer connection state", "state", state.String())
		switch state {
		case pion.PeerConnectionStateFailed:
			t.finish(errMediaFailed)
		case pion.PeerConnectionStateClosed:
			t.finish(nil)
		}
	})

	return t, nil
}

// Answer implements [PeerTransport].
func (t *pionTransport) Answer(ctx context.Context, sdpOffer string) (string, error) {
	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdpOffer}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := pion.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return t.pc.LocalDescription().SDP, nil
}

// AddICECandidate implements [PeerTransport].
func (t *pionTransport) AddICECandidate(candidate string) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("webrtc: parse ICE candidate: %w", err)
	}
	return t.pc.AddICECandidate(init)
}

// AudioInput implements [PeerTransport].
func (t *pionTransport) AudioInput() <-chan audio.AudioFrame { return t.audioIn }

// SendAudio implements [PeerTransport]. frame is converted to 48 kHz in the
// track's channel layout if needed and must cover a valid Opus frame duration
// (2.5, 5, 10, 20, 40 or 60 ms).
func (t *pionTransport) SendAudio(frame audio.AudioFrame) error {
	select {
	case <-t.done:
		return audio.ErrClosed
	default:
	}

	pcm := frame.Data
	if frame.Format() != t.format {
		pcm = audio.ConvertPCM(pcm, frame.Format(), t.format)
	}
	samples := bytesToInt16s(pcm)
	frameSize := len(samples) / t.format.Channels

	t.encMu.Lock()
	packet, err := t.enc.Encode(samples, frameSize, maxOpusPacket)
	t.encMu.Unlock()
	if err != nil {
		return fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return t.track.WriteSample(media.Sample{Data: packet, Duration: t.format.DurationOf(len(pcm))})
}

// Done implements [PeerTransport].
func (t *pionTransport) Done() <-chan struct{} { return t.done }

// Err implements [PeerTransport].
func (t *pionTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close implements [PeerTransport].
func (t *pionTransport) Close() error {
	t.finish(nil)
	return t.pc.Close()
}

func (t *pionTransport) finish(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()
		close(t.done)
	})
}

// readTrack decodes inbound Opus RTP into PCM frames until the track ends.
func (t *pionTransport) readTrack(remote *pion.TrackRemote) {
	defer close(t.audioIn)

	dec, err := gopus.NewDecoder(opusSampleRate, t.format.Channels)
	if err != nil {
		slog.Error("webrtc: create opus decoder", "err", err)
		return
	}

	var (
		seq uint64
		ts  time.Duration
	)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload, maxOpusFrameSamples, false)
		if err != nil {
			slog.Debug("webrtc: dropping undecodable opus packet", "err", err)
			continue
		}
		frame := audio.AudioFrame{
			Data:       int16sToBytes(pcm),
			SampleRate: t.format.SampleRate,
			Channels:   t.format.Channels,
			Seq:        seq,
			Timestamp:  ts,
		}
		seq++
		ts += frame.Duration()

		select {
		case t.audioIn <- frame:
		case <-t.done:
			return
		}
	}
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
