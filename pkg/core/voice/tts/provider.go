// Package tts provides the text-to-speech playback collaborator: provider
// synthesizers and a playback pipeline with stop and fade controls.
package tts

import (
	"context"
	"strings"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core"
)

// Supported providers.
const (
	ProviderCartesia   = "cartesia"
	ProviderElevenLabs = "elevenlabs"
)

// Config selects and authenticates the TTS provider.
type Config struct {
	Provider   string `json:"provider"`    // "cartesia" or "elevenlabs"
	APIKey     string `json:"-"`           // Provider API key
	VoiceID    string `json:"voice_id"`    // Provider voice identifier
	ModelID    string `json:"model_id"`    // Optional model override
	SampleRate int    `json:"sample_rate"` // Output PCM rate. Default: 24000
}

// Validate checks required fields before any I/O.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case ProviderCartesia, ProviderElevenLabs:
	case "":
		return core.NewConfigurationError("tts provider is required")
	default:
		return core.NewConfigurationError("unsupported tts provider " + c.Provider)
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return core.NewConfigurationError("tts api key is required")
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		return core.NewConfigurationError("tts voice id is required")
	}
	if c.SampleRate < 0 {
		return core.NewConfigurationError("tts sample rate must be >= 0")
	}
	return nil
}

// SampleRateOrDefault returns the configured output rate.
func (c Config) SampleRateOrDefault() int {
	if c.SampleRate > 0 {
		return c.SampleRate
	}
	return 24000
}

// Synthesizer converts text to streamed raw PCM (s16le, mono).
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// SynthesizeStream starts synthesis; chunks arrive on the stream until it
	// finishes or ctx is cancelled.
	SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier
	ModelID    string  // Provider model, empty for the provider default
	Language   string  // Language code
	SampleRate int     // PCM sample rate
	Speed      float64 // Speed multiplier, 0 for provider default
}

// NewSynthesizer builds the synthesizer named by cfg.
func NewSynthesizer(cfg Config) (Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderElevenLabs:
		return NewElevenLabs(cfg.APIKey), nil
	default:
		return NewCartesia(cfg.APIKey), nil
	}
}

// SynthesisStream provides streaming audio output.
type SynthesisStream struct {
	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewSynthesisStream creates a new synthesis stream.
func NewSynthesisStream() *SynthesisStream {
	return &SynthesisStream{
		chunks: make(chan []byte, 32),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of audio chunks. It is closed when synthesis ends.
func (s *SynthesisStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the error that ended synthesis, if any.
func (s *SynthesisStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close stops delivery. Producers observe it through Send.
func (s *SynthesisStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// SetError records the first error.
func (s *SynthesisStream) SetError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Send delivers a chunk. Returns false if the stream is closed.
func (s *SynthesisStream) Send(chunk []byte) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// FinishSending closes the chunks channel to signal completion.
func (s *SynthesisStream) FinishSending() {
	close(s.chunks)
}
