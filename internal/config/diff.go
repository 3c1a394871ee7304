package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Segmentation, pipeline and VAD settings are applied to sessions created
// after the change; sessions already running keep the config they started
// with. Transport and server address changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VADChanged        bool
	SegmentChanged    bool
	PipelineChanged   bool // stt, answer, tts or publish settings
	ResilienceChanged bool

	// RestartRequired lists the sections whose changes only take effect after
	// a restart, e.g. "server.listen_addr".
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || d.SegmentChanged ||
		d.PipelineChanged || d.ResilienceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.VADChanged = old.VAD != new.VAD
	d.SegmentChanged = old.Segment != new.Segment
	d.PipelineChanged = !sttEqual(old.STT, new.STT) ||
		!answerEqual(old.Answer, new.Answer) ||
		!ttsEqual(old.TTS, new.TTS) ||
		old.Transport.PublishTimeout != new.Transport.PublishTimeout ||
		old.Transport.FrameMs != new.Transport.FrameMs
	d.ResilienceChanged = old.Resilience != new.Resilience

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Transport.Room != new.Transport.Room || old.Transport.Identity != new.Transport.Identity {
		d.RestartRequired = append(d.RestartRequired, "transport.room")
	}
	if !slices.Equal(old.Transport.STUNServers, new.Transport.STUNServers) || old.Transport.Channels != new.Transport.Channels {
		d.RestartRequired = append(d.RestartRequired, "transport.media")
	}

	return d
}

func sttEqual(a, b STTConfig) bool {
	return a.URL == b.URL && a.Language == b.Language && a.Timeout == b.Timeout &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs)
}

func answerEqual(a, b AnswerConfig) bool {
	return a.URL == b.URL && a.ClearURL == b.ClearURL && a.Timeout == b.Timeout &&
		a.MaxChars == b.MaxChars && a.Fallback == b.Fallback &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs)
}

func ttsEqual(a, b TTSConfig) bool {
	return a.URL == b.URL && a.Language == b.Language && a.Timeout == b.Timeout &&
		slices.Equal(a.FallbackURLs, b.FallbackURLs)
}
