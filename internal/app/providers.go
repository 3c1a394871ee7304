package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider/answer"
	"github.com/MrWong99/voxbridge/pkg/provider/answer/govtchat"
	"github.com/MrWong99/voxbridge/pkg/provider/stt"
	sttremote "github.com/MrWong99/voxbridge/pkg/provider/stt/remote"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
	ttsremote "github.com/MrWong99/voxbridge/pkg/provider/tts/remote"
	"github.com/MrWong99/voxbridge/pkg/provider/vad"
	vadremote "github.com/MrWong99/voxbridge/pkg/provider/vad/remote"
)

// Providers holds one client per collaborator service plus the audio
// transport. Populated by [NewProviders] in production and by mocks in tests.
type Providers struct {
	VAD    vad.Engine
	STT    stt.Provider
	Answer answer.Provider
	TTS    tts.Provider
	Audio  audio.Platform
}

// validate reports every missing provider.
func (p *Providers) validate() error {
	if p == nil {
		return errors.New("providers must not be nil")
	}
	var errs []error
	if p.VAD == nil {
		errs = append(errs, errors.New("VAD provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("STT provider is required"))
	}
	if p.Answer == nil {
		errs = append(errs, errors.New("answer provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("TTS provider is required"))
	}
	if p.Audio == nil {
		errs = append(errs, errors.New("audio platform is required"))
	}
	return errors.Join(errs...)
}

// NewProviders builds the HTTP clients for every service in cfg. STT, answer
// and TTS each sit behind a [resilience] group holding the primary URL and
// the configured fallback URLs; breaker transitions are recorded in m.
func NewProviders(cfg *config.Config, platform audio.Platform, m *observe.Metrics) (*Providers, error) {
	client := &http.Client{}

	vadEngine, err := vadremote.New(cfg.VAD.URL,
		vadremote.WithHTTPClient(client),
		vadremote.WithTimeout(cfg.VAD.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: vad: %w", err)
	}

	newSTT := func(url string) (stt.Provider, error) {
		return sttremote.New(url, sttremote.WithLanguage(cfg.STT.Language), sttremote.WithHTTPClient(client))
	}
	sttPrimary, err := newSTT(cfg.STT.URL)
	if err != nil {
		return nil, fmt.Errorf("app: stt: %w", err)
	}
	sttGroup := resilience.NewSTT("stt", sttPrimary, breakerConfig(cfg, "stt", m))
	for i, url := range cfg.STT.FallbackURLs {
		p, err := newSTT(url)
		if err != nil {
			return nil, fmt.Errorf("app: stt fallback %d: %w", i, err)
		}
		sttGroup.Add(fmt.Sprintf("stt-fallback-%d", i), p)
	}

	newAnswer := func(url, clearURL string) (answer.Provider, error) {
		return govtchat.New(url, govtchat.WithClearURL(clearURL), govtchat.WithHTTPClient(client))
	}
	answerPrimary, err := newAnswer(cfg.Answer.URL, cfg.Answer.ClearURL)
	if err != nil {
		return nil, fmt.Errorf("app: answer: %w", err)
	}
	answerGroup := resilience.NewAnswer("answer", answerPrimary, breakerConfig(cfg, "answer", m))
	for i, url := range cfg.Answer.FallbackURLs {
		p, err := newAnswer(url, "")
		if err != nil {
			return nil, fmt.Errorf("app: answer fallback %d: %w", i, err)
		}
		answerGroup.Add(fmt.Sprintf("answer-fallback-%d", i), p)
	}

	newTTS := func(url string) (tts.Provider, error) {
		return ttsremote.New(url, ttsremote.WithLanguage(cfg.TTS.Language), ttsremote.WithHTTPClient(client))
	}
	ttsPrimary, err := newTTS(cfg.TTS.URL)
	if err != nil {
		return nil, fmt.Errorf("app: tts: %w", err)
	}
	ttsGroup := resilience.NewTTS("tts", ttsPrimary, breakerConfig(cfg, "tts", m))
	for i, url := range cfg.TTS.FallbackURLs {
		p, err := newTTS(url)
		if err != nil {
			return nil, fmt.Errorf("app: tts fallback %d: %w", i, err)
		}
		ttsGroup.Add(fmt.Sprintf("tts-fallback-%d", i), p)
	}

	return &Providers{
		VAD:    vadEngine,
		STT:    sttGroup,
		Answer: answerGroup,
		TTS:    ttsGroup,
		Audio:  platform,
	}, nil
}

// Checkers returns one readiness probe per collaborator service in cfg.
func Checkers(cfg *config.Config) ([]health.Checker, error) {
	endpoints := []struct{ name, url string }{
		{"vad", cfg.VAD.URL},
		{"stt", cfg.STT.URL},
		{"answer", cfg.Answer.URL},
		{"tts", cfg.TTS.URL},
	}
	checkers := make([]health.Checker, 0, len(endpoints))
	var errs []error
	for _, e := range endpoints {
		c, err := health.HTTPProbe(e.name, e.url, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		checkers = append(checkers, c)
	}
	return checkers, errors.Join(errs...)
}

// breakerConfig returns the breaker template for the collaborator name with
// state changes counted in m.
func breakerConfig(cfg *config.Config, name string, m *observe.Metrics) resilience.CircuitBreakerConfig {
	bc := cfg.Breaker(name)
	if m != nil {
		bc.OnStateChange = func(breaker string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), breaker, to.String())
		}
	}
	return bc
}
