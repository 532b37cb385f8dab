package connection

import (
	"context"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
)

// SessionConfig is the caller-facing configuration of one voice session.
type SessionConfig struct {
	// Default: "en"
	Language string `json:"language"`
	// Default: "enhanced"
	OperatingPoint string `json:"operating_point"`
	// Default: 16000
	SampleRate int `json:"sample_rate"`
	// Default: true
	EnablePartials bool `json:"enable_partials"`

	// SpeakerFiltering locks transcription to one speaker.
	// Default: false
	SpeakerFiltering bool `json:"speaker_filtering"`
	// SpeakerID is the speaker to lock to; empty locks to the first labelled
	// speaker heard.
	SpeakerID string `json:"speaker_id,omitempty"`

	// MicSensitivity scales the barge-in voice threshold.
	// Default: 1.0
	MicSensitivity float64 `json:"mic_sensitivity"`
	// Default: true
	AdaptiveNoiseFloor bool `json:"adaptive_noise_floor"`
	// Default: true
	TurnDetection bool `json:"turn_detection"`

	// DisableTTS skips playback setup.
	DisableTTS bool       `json:"disable_tts"`
	TTS        tts.Config `json:"tts"`

	// MaxDelay is the provider finalization latency in seconds, 0 for the
	// provider default.
	MaxDelay float64 `json:"max_delay,omitempty"`
	// EndOfUtteranceSilence is the silence in seconds that ends an utterance.
	// Default: 0.7
	EndOfUtteranceSilence float64 `json:"end_of_utterance_silence"`
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Language:              "en",
		OperatingPoint:        "enhanced",
		SampleRate:            16000,
		EnablePartials:        true,
		MicSensitivity:        1.0,
		AdaptiveNoiseFloor:    true,
		TurnDetection:         true,
		EndOfUtteranceSilence: 0.7,
	}
}

func (c SessionConfig) startOptions() stt.StartOptions {
	lang := c.Language
	if lang == "" {
		lang = "en"
	}
	rate := c.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return stt.StartOptions{
		Language:              lang,
		OperatingPoint:        c.OperatingPoint,
		SampleRate:            rate,
		EnablePartials:        c.EnablePartials,
		Diarization:           c.SpeakerFiltering,
		MaxDelay:              c.MaxDelay,
		EndOfUtteranceSilence: c.EndOfUtteranceSilence,
	}
}

// applyTo overlays the session's policy on resolved tuning.
func (c SessionConfig) applyTo(t live.Tuning) live.Tuning {
	t.Transcription.SpeakerFiltering = c.SpeakerFiltering
	t.Transcription.SpeakerID = c.SpeakerID
	t.Turn.Enabled = t.Turn.Enabled && c.TurnDetection
	if c.MicSensitivity > 0 {
		t.BargeIn.Sensitivity = c.MicSensitivity
	}
	t.BargeIn.Adaptive = c.AdaptiveNoiseFloor
	if c.SampleRate > 0 {
		t.BargeIn.SampleRate = c.SampleRate
	}
	return t
}

// AudioCapture is the microphone feeding Send. The caller starts it; the
// lifecycle only quiesces it on disconnect.
type AudioCapture interface {
	Mute()
	Stop(ctx context.Context) error
}

// DeviceEnumerator refreshes the audio device list after a session ends.
type DeviceEnumerator interface {
	Reenumerate(ctx context.Context) error
}

// Playback is the TTS output a session speaks through and barge-in controls.
type Playback interface {
	live.PlaybackControl
	Speak(ctx context.Context, text string) error
	Close() error
}

// PlaybackFactory builds playback for a validated TTS configuration.
type PlaybackFactory func(cfg tts.Config) (Playback, error)

// PendingDisconnect lets the next connect wait for a teardown in progress.
// A nil *PendingDisconnect is already complete.
type PendingDisconnect struct {
	done chan struct{}
	once sync.Once
}

func newPendingDisconnect() *PendingDisconnect {
	return &PendingDisconnect{done: make(chan struct{})}
}

// Done is closed when the teardown finished.
func (p *PendingDisconnect) Done() <-chan struct{} {
	if p == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.done
}

// Wait blocks until the teardown finished or ctx ends.
func (p *PendingDisconnect) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PendingDisconnect) complete() {
	p.once.Do(func() { close(p.done) })
}
