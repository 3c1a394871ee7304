package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/config"
)

func loadMinimal(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := loadMinimal(t)
	d := config.Diff(cfg, loadMinimal(t))
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if !d.Changed() {
		t.Error("Changed() should be true")
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{
			name:   "segment",
			mutate: func(c *config.Config) { c.Segment.EndSilence = time.Second },
			check:  func(d config.ConfigDiff) bool { return d.SegmentChanged && !d.PipelineChanged },
		},
		{
			name:   "vad",
			mutate: func(c *config.Config) { c.VAD.Threshold = 0.7 },
			check:  func(d config.ConfigDiff) bool { return d.VADChanged && !d.SegmentChanged },
		},
		{
			name:   "answer max chars",
			mutate: func(c *config.Config) { c.Answer.MaxChars = 100 },
			check:  func(d config.ConfigDiff) bool { return d.PipelineChanged },
		},
		{
			name:   "tts fallback urls",
			mutate: func(c *config.Config) { c.TTS.FallbackURLs = []string{"http://tts2/x"} },
			check:  func(d config.ConfigDiff) bool { return d.PipelineChanged },
		},
		{
			name:   "publish timeout",
			mutate: func(c *config.Config) { c.Transport.PublishTimeout = time.Minute },
			check:  func(d config.ConfigDiff) bool { return d.PipelineChanged && len(d.RestartRequired) == 0 },
		},
		{
			name:   "resilience",
			mutate: func(c *config.Config) { c.Resilience.MaxFailures = 9 },
			check:  func(d config.ConfigDiff) bool { return d.ResilienceChanged },
		},
		{
			name:   "listen addr",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":1" },
			check: func(d config.ConfigDiff) bool {
				return slices.Equal(d.RestartRequired, []string{"server.listen_addr"})
			},
		},
		{
			name:   "room",
			mutate: func(c *config.Config) { c.Transport.Room = "other" },
			check: func(d config.ConfigDiff) bool {
				return slices.Equal(d.RestartRequired, []string{"transport.room"})
			},
		},
		{
			name:   "stun servers",
			mutate: func(c *config.Config) { c.Transport.STUNServers = []string{"stun:x:1"} },
			check: func(d config.ConfigDiff) bool {
				return slices.Equal(d.RestartRequired, []string{"transport.media"})
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old := loadMinimal(t)
			new := loadMinimal(t)
			tc.mutate(new)
			d := config.Diff(old, new)
			if !d.Changed() {
				t.Fatal("Changed() should be true")
			}
			if !tc.check(d) {
				t.Errorf("unexpected diff %+v", d)
			}
		})
	}
}
