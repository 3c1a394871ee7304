// Package config provides the configuration schema, loader, and file watcher
// for the voxbridge orchestrator.
package config

import (
	"time"

	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/segment"
	"github.com/MrWong99/voxbridge/pkg/provider/vad"
)

// LogLevel controls log verbosity for the voxbridge server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	VAD        VADConfig        `yaml:"vad"`
	Segment    SegmentConfig    `yaml:"segment"`
	STT        STTConfig        `yaml:"stt"`
	Answer     AnswerConfig     `yaml:"answer"`
	TTS        TTSConfig        `yaml:"tts"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (health, metrics and
	// signaling), e.g. ":8080".
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`

	// AllowedOrigins lists the origin patterns accepted by the WebSocket
	// signaling endpoint.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// TransportConfig describes the room the bot joins.
type TransportConfig struct {
	// Room is the name of the room to join.
	Room string `yaml:"room" env:"ROOM_NAME"`

	// Identity is the bot's own participant identity. Participants with this
	// identity never get a session.
	Identity string `yaml:"identity" env:"BOT_IDENTITY"`

	// STUNServers are the ICE servers offered to peers.
	STUNServers []string `yaml:"stun_servers" env:"STUN_SERVERS" envSeparator:","`

	// Channels is 1 (mono) or 2 (stereo) on the application side.
	Channels int `yaml:"channels"`

	// FrameMs is the duration of one published audio frame.
	FrameMs int `yaml:"frame_ms"`

	// PublishTimeout bounds the playback of one reply. Zero means unbounded.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// VADConfig configures the remote voice activity detector.
type VADConfig struct {
	URL        string        `yaml:"url" env:"VAD_URL"`
	SampleRate int           `yaml:"sample_rate"`
	FrameMs    int           `yaml:"frame_ms"`
	Threshold  float64       `yaml:"threshold"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SegmentConfig holds the utterance segmentation thresholds.
type SegmentConfig struct {
	PreRoll     time.Duration `yaml:"pre_roll"`
	EndSilence  time.Duration `yaml:"end_silence"`
	TailMargin  time.Duration `yaml:"tail_margin"`
	MinSpeech   time.Duration `yaml:"min_speech"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// STTConfig configures the speech-to-text service.
type STTConfig struct {
	URL string `yaml:"url" env:"STT_URL"`

	// FallbackURLs are tried in order when URL's breaker is open or the call
	// fails.
	FallbackURLs []string      `yaml:"fallback_urls"`
	Language     string        `yaml:"language" env:"STT_LANG"`
	Timeout      time.Duration `yaml:"timeout"`
}

// AnswerConfig configures the answer service.
type AnswerConfig struct {
	// URL is the NDJSON streaming endpoint.
	URL string `yaml:"url" env:"GOVT_API_URL"`

	// ClearURL is the endpoint that resets a user's conversation history.
	// Empty derives it from URL by replacing a trailing "/stream" with
	// "/clear_session".
	ClearURL     string   `yaml:"clear_url" env:"GOVT_CLEAR_URL"`
	FallbackURLs []string `yaml:"fallback_urls"`

	// Timeout bounds the whole streamed answer.
	Timeout time.Duration `yaml:"timeout"`

	// MaxChars caps the answer length in characters. Unset uses
	// pipeline.DefaultMaxRunes; a negative value disables the cap.
	MaxChars int `yaml:"max_chars"`

	// Fallback is spoken when the service produced no text.
	Fallback string `yaml:"fallback"`
}

// TTSConfig configures the text-to-speech service.
type TTSConfig struct {
	URL          string        `yaml:"url" env:"TTS_URL"`
	FallbackURLs []string      `yaml:"fallback_urls"`
	Language     string        `yaml:"language" env:"TTS_LANG"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ResilienceConfig tunes the circuit breakers placed in front of every
// collaborator service.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// VADSession converts the VAD section into session parameters.
func (c *Config) VADSession() vad.Config {
	return vad.Config{
		SampleRate:      c.VAD.SampleRate,
		FrameSizeMs:     c.VAD.FrameMs,
		SpeechThreshold: c.VAD.Threshold,
	}
}

// Segmentation converts the segment section into segmenter thresholds.
func (c *Config) Segmentation() segment.Config {
	return segment.Config{
		PreRoll:     c.Segment.PreRoll,
		EndSilence:  c.Segment.EndSilence,
		TailMargin:  c.Segment.TailMargin,
		MinSpeech:   c.Segment.MinSpeech,
		MaxDuration: c.Segment.MaxDuration,
	}
}

// Breaker returns the circuit breaker settings for the collaborator name.
func (c *Config) Breaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  c.Resilience.MaxFailures,
		ResetTimeout: c.Resilience.ResetTimeout,
	}
}
