package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbridge/internal/pipeline"
	"github.com/MrWong99/voxbridge/internal/segment"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, nil)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment variables are not consulted, which keeps tests
// hermetic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// LoadWithEnv is like [LoadFromReader] but applies overrides from environ
// (variable name to value) before defaults. A nil environ reads the process
// environment.
func LoadWithEnv(r io.Reader, environ map[string]string) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	return finish(cfg)
}

// ApplyEnv overrides cfg fields that carry an env tag with the matching
// variable from environ. Unset variables leave the field untouched. A nil
// environ reads the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

func parse(data []byte, environ map[string]string) (*Config, error) {
	return LoadWithEnv(bytes.NewReader(data), environ)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default. Service URLs have
// no defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Transport.Room, "bangla-voice-agent")
	setDefault(&cfg.Transport.Identity, "bangla-bot")
	if len(cfg.Transport.STUNServers) == 0 {
		cfg.Transport.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	setDefault(&cfg.Transport.Channels, 1)
	setDefault(&cfg.Transport.FrameMs, 20)

	setDefault(&cfg.VAD.SampleRate, 16000)
	setDefault(&cfg.VAD.FrameMs, 30)
	setDefault(&cfg.VAD.Timeout, 2*time.Second)

	seg := segment.DefaultConfig()
	setDefault(&cfg.Segment.PreRoll, seg.PreRoll)
	setDefault(&cfg.Segment.EndSilence, seg.EndSilence)
	setDefault(&cfg.Segment.TailMargin, seg.TailMargin)
	setDefault(&cfg.Segment.MinSpeech, seg.MinSpeech)
	setDefault(&cfg.Segment.MaxDuration, seg.MaxDuration)

	setDefault(&cfg.STT.Language, "bn")
	setDefault(&cfg.STT.Timeout, 30*time.Second)

	setDefault(&cfg.Answer.Timeout, 60*time.Second)
	setDefault(&cfg.Answer.MaxChars, pipeline.DefaultMaxRunes)
	setDefault(&cfg.Answer.Fallback, pipeline.DefaultFallback)

	setDefault(&cfg.TTS.Language, "bn")
	setDefault(&cfg.TTS.Timeout, 30*time.Second)

	setDefault(&cfg.Resilience.MaxFailures, 5)
	setDefault(&cfg.Resilience.ResetTimeout, 30*time.Second)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.Room == "" {
		errs = append(errs, errors.New("transport.room is required"))
	}
	if cfg.Transport.Channels != 1 && cfg.Transport.Channels != 2 {
		errs = append(errs, fmt.Errorf("transport.channels must be 1 or 2, got %d", cfg.Transport.Channels))
	}
	if cfg.Transport.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("transport.frame_ms must be positive, got %d", cfg.Transport.FrameMs))
	}
	if cfg.Transport.PublishTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.publish_timeout must not be negative, got %s", cfg.Transport.PublishTimeout))
	}

	// Services
	errs = append(errs, validateURL("vad.url", cfg.VAD.URL, true))
	errs = append(errs, validateURL("stt.url", cfg.STT.URL, true))
	errs = append(errs, validateURL("answer.url", cfg.Answer.URL, true))
	errs = append(errs, validateURL("answer.clear_url", cfg.Answer.ClearURL, false))
	errs = append(errs, validateURL("tts.url", cfg.TTS.URL, true))
	for i, u := range cfg.STT.FallbackURLs {
		errs = append(errs, validateURL(fmt.Sprintf("stt.fallback_urls[%d]", i), u, true))
	}
	for i, u := range cfg.Answer.FallbackURLs {
		errs = append(errs, validateURL(fmt.Sprintf("answer.fallback_urls[%d]", i), u, true))
	}
	for i, u := range cfg.TTS.FallbackURLs {
		errs = append(errs, validateURL(fmt.Sprintf("tts.fallback_urls[%d]", i), u, true))
	}

	// VAD
	if err := cfg.VADSession().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.VAD.Timeout < 0 {
		errs = append(errs, fmt.Errorf("vad.timeout must not be negative, got %s", cfg.VAD.Timeout))
	}
	if cfg.VAD.Threshold == 0 {
		slog.Debug("vad.threshold is 0; the VAD service's own speech decision is used")
	}

	// Segment
	s := cfg.Segment
	for name, d := range map[string]time.Duration{
		"segment.pre_roll":     s.PreRoll,
		"segment.end_silence":  s.EndSilence,
		"segment.tail_margin":  s.TailMargin,
		"segment.min_speech":   s.MinSpeech,
		"segment.max_duration": s.MaxDuration,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	if s.TailMargin > s.EndSilence {
		errs = append(errs, fmt.Errorf("segment.tail_margin (%s) must not exceed segment.end_silence (%s)", s.TailMargin, s.EndSilence))
	}
	if s.MaxDuration > 0 && s.MinSpeech > s.MaxDuration {
		errs = append(errs, fmt.Errorf("segment.min_speech (%s) must not exceed segment.max_duration (%s)", s.MinSpeech, s.MaxDuration))
	}

	// Answer
	if cfg.Answer.MaxChars < 0 {
		slog.Warn("answer.max_chars is negative; answers are not length-capped")
	}
	for name, d := range map[string]time.Duration{
		"stt.timeout":    cfg.STT.Timeout,
		"answer.timeout": cfg.Answer.Timeout,
		"tts.timeout":    cfg.TTS.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures must not be negative, got %d", cfg.Resilience.MaxFailures))
	}

	return errors.Join(errs...)
}

// validateURL returns nil for a well-formed absolute http(s) URL. An empty
// value is an error only when required is set.
func validateURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute http(s) URL", field, raw)
	}
	return nil
}
