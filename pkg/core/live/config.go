package live

import "time"

// Tuning groups every knob of the audio and turn-taking layer. It is
// re-resolved on each connect so environment changes take effect without a
// restart.
type Tuning struct {
	Dedupe        DedupeConfig        `json:"dedupe"`
	Turn          TurnConfig          `json:"turn"`
	Transcription TranscriptionConfig `json:"transcription"`
	BargeIn       BargeInConfig       `json:"barge_in"`
}

// DefaultTuning returns a Tuning with sensible defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Dedupe:        DefaultDedupeConfig(),
		Turn:          DefaultTurnConfig(),
		Transcription: DefaultTranscriptionConfig(),
		BargeIn:       DefaultBargeInConfig(),
	}
}

// DedupeConfig configures the outbound audio fingerprint cache.
type DedupeConfig struct {
	// Bucket is the coarse time bucket mixed into each fingerprint.
	// Default: 2s
	Bucket time.Duration `json:"bucket"`

	// Capacity is the number of fingerprints retained; oldest are evicted first.
	// Default: 256
	Capacity int `json:"capacity"`
}

// DefaultDedupeConfig returns a DedupeConfig with sensible defaults.
func DefaultDedupeConfig() DedupeConfig {
	return DedupeConfig{
		Bucket:   2 * time.Second,
		Capacity: 256,
	}
}

// TurnConfig configures end-of-turn scoring.
type TurnConfig struct {
	// Enabled turns probability scoring on. When false, end-of-utterance
	// signals alone finalize a turn.
	// Default: true
	Enabled bool `json:"enabled"`

	// Threshold is the probability at or above which the turn is considered done.
	// Default: 0.7
	Threshold float64 `json:"threshold"`

	// Grace is how long the speaker may keep talking after the threshold is
	// crossed before the turn is finalized. Extended while scores stay high.
	// Default: 600ms
	Grace time.Duration `json:"grace"`

	// MaxHold finalizes the turn regardless of probability, measured from the
	// first end-of-utterance signal or threshold crossing.
	// Default: 4s
	MaxHold time.Duration `json:"max_hold"`

	// ModelTimeout bounds one model call. On timeout the punctuation
	// heuristic is used instead.
	// Default: 1200ms
	ModelTimeout time.Duration `json:"model_timeout"`

	// MinWords is the minimum word count before the model is asked.
	// Default: 1
	MinWords int `json:"min_words"`

	// HistorySize is how many finalized turns are passed to the model as context.
	// Default: 6
	HistorySize int `json:"history_size"`
}

// DefaultTurnConfig returns a TurnConfig with sensible defaults.
func DefaultTurnConfig() TurnConfig {
	return TurnConfig{
		Enabled:      true,
		Threshold:    0.7,
		Grace:        600 * time.Millisecond,
		MaxHold:      4 * time.Second,
		ModelTimeout: 1200 * time.Millisecond,
		MinWords:     1,
		HistorySize:  6,
	}
}

// TranscriptionConfig configures turn finalization.
type TranscriptionConfig struct {
	// FinalizeDebounce is the delay between an end-of-utterance signal and
	// finalization, absorbing late partials.
	// Default: 250ms
	FinalizeDebounce time.Duration `json:"finalize_debounce"`

	// FallbackTimeout force-finalizes a turn this long after its first
	// transcript if no end-of-utterance signal arrives.
	// Default: 10s
	FallbackTimeout time.Duration `json:"fallback_timeout"`

	// DuplicateWindow drops an identical finalized turn repeated within it.
	// Default: 2s
	DuplicateWindow time.Duration `json:"duplicate_window"`

	// SpeakerFiltering keeps only one diarized speaker's speech.
	// Default: false
	SpeakerFiltering bool `json:"speaker_filtering"`

	// SpeakerID is the speaker to keep. When empty, the first labelled
	// speaker heard is locked in.
	SpeakerID string `json:"speaker_id,omitempty"`
}

// DefaultTranscriptionConfig returns a TranscriptionConfig with sensible defaults.
func DefaultTranscriptionConfig() TranscriptionConfig {
	return TranscriptionConfig{
		FinalizeDebounce: 250 * time.Millisecond,
		FallbackTimeout:  10 * time.Second,
		DuplicateWindow:  2 * time.Second,
	}
}

// BargeInConfig configures interruption of assistant playback.
type BargeInConfig struct {
	// Enabled turns barge-in detection on.
	// Default: true
	Enabled bool `json:"enabled"`

	// Adaptive tracks the noise floor from recent non-voice chunks. When
	// false, FixedThreshold is used.
	// Default: true
	Adaptive bool `json:"adaptive"`

	// FixedThreshold is the RMS energy threshold when Adaptive is false.
	// Range: 0.0 to 1.0. Default: 0.05
	FixedThreshold float64 `json:"fixed_threshold"`

	// NoiseHistory is the number of non-voice chunks averaged into the floor.
	// Default: 50
	NoiseHistory int `json:"noise_history"`

	// NoiseFloorMin and NoiseFloorMax clamp the adaptive floor.
	// Default: 0.005 and 0.05
	NoiseFloorMin float64 `json:"noise_floor_min"`
	NoiseFloorMax float64 `json:"noise_floor_max"`

	// NoiseMultiplier is how far above the floor energy must rise to count as voice.
	// Default: 3.0
	NoiseMultiplier float64 `json:"noise_multiplier"`

	// Sensitivity scales the threshold down; 2.0 triggers on half the energy.
	// Default: 1.0
	Sensitivity float64 `json:"sensitivity"`

	// SpectralCheck requires the voice band to dominate the chunk's spectrum.
	// Default: true
	SpectralCheck bool `json:"spectral_check"`

	// MinVoiceBandRatio is the share of probed energy that must fall in 300-3400Hz.
	// Default: 0.5
	MinVoiceBandRatio float64 `json:"min_voice_band_ratio"`

	// SampleRate of the microphone PCM, used by the spectral check.
	// Default: 16000
	SampleRate int `json:"sample_rate"`

	// WindowSize is the number of recent chunk decisions kept.
	// Default: 10
	WindowSize int `json:"window_size"`

	// ActivationSlots is how many voiced slots in the window trigger a candidate.
	// Default: 6
	ActivationSlots int `json:"activation_slots"`

	// ValidationDelay is how long a candidate waits for transcript content.
	// Default: 400ms
	ValidationDelay time.Duration `json:"validation_delay"`

	// MinWords is the transcript word count needed to confirm a barge-in.
	// Default: 2
	MinWords int `json:"min_words"`

	// Cooldown suppresses triggers after a confirmed barge-in.
	// Default: 1500ms
	Cooldown time.Duration `json:"cooldown"`

	// PostPlaybackGrace ignores activity right after playback ends (echo tail).
	// Default: 600ms
	PostPlaybackGrace time.Duration `json:"post_playback_grace"`

	// FadeDuration is the playback fade-out on confirmation. Zero stops at once.
	// Default: 120ms
	FadeDuration time.Duration `json:"fade_duration"`
}

// DefaultBargeInConfig returns a BargeInConfig with sensible defaults.
func DefaultBargeInConfig() BargeInConfig {
	return BargeInConfig{
		Enabled:           true,
		Adaptive:          true,
		FixedThreshold:    0.05,
		NoiseHistory:      50,
		NoiseFloorMin:     0.005,
		NoiseFloorMax:     0.05,
		NoiseMultiplier:   3.0,
		Sensitivity:       1.0,
		SpectralCheck:     true,
		MinVoiceBandRatio: 0.5,
		SampleRate:        16000,
		WindowSize:        10,
		ActivationSlots:   6,
		ValidationDelay:   400 * time.Millisecond,
		MinWords:          2,
		Cooldown:          1500 * time.Millisecond,
		PostPlaybackGrace: 600 * time.Millisecond,
		FadeDuration:      120 * time.Millisecond,
	}
}

// AudioConfig describes a PCM stream. Capture, playback and the provider
// socket all use 16-bit mono.
type AudioConfig struct {
	// Default: 16000
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func DefaultAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs converts a byte count to milliseconds of audio.
func (c AudioConfig) DurationMs(bytes int) int {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return int(int64(bytes) * 1000 / int64(bps))
}

// BytesForDurationMs is the byte count of ms milliseconds, rounded down to
// a whole sample frame.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	frame := c.Channels * (c.BitsPerSample / 8)
	if frame == 0 {
		return 0
	}
	n := int(int64(c.BytesPerSecond()) * int64(ms) / 1000)
	return n - n%frame
}
