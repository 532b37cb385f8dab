package live

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// PlaybackControl is the slice of the TTS playback pipeline barge-in drives.
type PlaybackControl interface {
	IsPlaying() bool
	Fade(d time.Duration)
	Stop()
}

// BargeInEvent describes a confirmed interruption.
type BargeInEvent struct {
	Transcript  string
	DetectedAt  time.Time
	ConfirmedAt time.Time
}

// BargeInDeps are the collaborators of a BargeIn coordinator.
type BargeInDeps struct {
	Playback PlaybackControl
	// CancelGeneration aborts the in-flight assistant response.
	CancelGeneration func()
	// OnBargeIn fires after playback was stopped.
	OnBargeIn func(BargeInEvent)
	// OnRejected fires when a candidate fails validation.
	OnRejected func(reason string)
	Logger     *slog.Logger
	Now        func() time.Time
}

// Rejection reasons passed to OnRejected.
const (
	RejectTooFewWords = "too_few_words"
	RejectBackchannel = "backchannel"
	RejectNotPlaying  = "not_playing"
)

// BargeIn detects the user talking over assistant playback. Each microphone
// chunk is classified as voice or not against an adaptive noise floor and a
// spectral check; sustained voice while playback is active becomes a
// candidate, which is confirmed after a validation delay only if the
// transcript carries real content.
type BargeIn struct {
	cfg  BargeInConfig
	deps BargeInDeps

	mu          sync.Mutex
	noise       []float64
	noiseNext   int
	noiseCount  int
	floor       float64
	window      []bool
	windowNext  int
	voiced      int
	playing     bool
	playbackEnd time.Time
	lastBargeIn time.Time
	candidate   bool
	candidateID uint64
	detectedAt  time.Time
	transcript  string // latest running utterance
	baseWords   int    // words of transcript spoken before the candidate
	carried     string // candidate words from utterances already finalized
	heard       string
	validation  *time.Timer
	stopped     bool
}

// NewBargeIn creates a coordinator.
func NewBargeIn(cfg BargeInConfig, deps BargeInDeps) *BargeIn {
	def := DefaultBargeInConfig()
	if cfg.NoiseHistory <= 0 {
		cfg.NoiseHistory = def.NoiseHistory
	}
	if cfg.NoiseFloorMin <= 0 {
		cfg.NoiseFloorMin = def.NoiseFloorMin
	}
	if cfg.NoiseFloorMax < cfg.NoiseFloorMin {
		cfg.NoiseFloorMax = cfg.NoiseFloorMin
	}
	if cfg.NoiseMultiplier <= 0 {
		cfg.NoiseMultiplier = def.NoiseMultiplier
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ActivationSlots <= 0 || cfg.ActivationSlots > cfg.WindowSize {
		cfg.ActivationSlots = cfg.WindowSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &BargeIn{
		cfg:    cfg,
		deps:   deps,
		noise:  make([]float64, cfg.NoiseHistory),
		floor:  cfg.NoiseFloorMin,
		window: make([]bool, cfg.WindowSize),
	}
}

// NoiseFloor returns the current adaptive floor.
func (b *BargeIn) NoiseFloor() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.floor
}

// Threshold returns the energy a chunk must exceed to count as voice.
func (b *BargeIn) Threshold() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thresholdLocked()
}

func (b *BargeIn) thresholdLocked() float64 {
	if !b.cfg.Adaptive {
		return b.cfg.FixedThreshold / b.cfg.Sensitivity
	}
	return b.floor * b.cfg.NoiseMultiplier / b.cfg.Sensitivity
}

// ProcessChunk classifies one microphone chunk and advances the detector.
// It reports whether the chunk was classified as voice.
func (b *BargeIn) ProcessChunk(pcm []byte) bool {
	if len(pcm) < 2 {
		return false
	}
	energy := CalculateRMSEnergy(pcm)
	playing := b.deps.Playback != nil && b.deps.Playback.IsPlaying()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || !b.cfg.Enabled {
		return false
	}

	now := b.deps.Now()
	if b.playing && !playing {
		b.playbackEnd = now
		b.clearWindowLocked()
	}
	b.playing = playing

	voice := energy > b.thresholdLocked()
	if voice && b.cfg.SpectralCheck {
		voice = VoiceBandRatio(pcm, b.cfg.SampleRate) >= b.cfg.MinVoiceBandRatio
	}
	if !voice && b.cfg.Adaptive {
		b.observeNoiseLocked(energy)
	}

	if b.suppressedLocked(now) {
		return voice
	}
	b.pushLocked(voice)

	if !playing || b.candidate || b.voiced < b.cfg.ActivationSlots {
		return voice
	}

	b.candidate = true
	b.detectedAt = now
	b.baseWords = len(strings.Fields(b.transcript))
	b.carried = ""
	b.heard = ""
	b.deps.Logger.Debug("barge-in candidate", "voiced_slots", b.voiced, "energy", energy)
	b.candidateID++
	id := b.candidateID
	b.validation = time.AfterFunc(b.cfg.ValidationDelay, func() { b.validate(id) })
	return voice
}

// suppressedLocked reports whether activity is ignored as echo or cooldown.
func (b *BargeIn) suppressedLocked(now time.Time) bool {
	if !b.lastBargeIn.IsZero() && now.Sub(b.lastBargeIn) < b.cfg.Cooldown {
		return true
	}
	return !b.playbackEnd.IsZero() && now.Sub(b.playbackEnd) < b.cfg.PostPlaybackGrace
}

func (b *BargeIn) observeNoiseLocked(energy float64) {
	b.noise[b.noiseNext] = energy
	b.noiseNext = (b.noiseNext + 1) % len(b.noise)
	if b.noiseCount < len(b.noise) {
		b.noiseCount++
	}
	var sum float64
	for i := 0; i < b.noiseCount; i++ {
		sum += b.noise[i]
	}
	floor := sum / float64(b.noiseCount)
	b.floor = min(max(floor, b.cfg.NoiseFloorMin), b.cfg.NoiseFloorMax)
}

func (b *BargeIn) pushLocked(voice bool) {
	if b.window[b.windowNext] {
		b.voiced--
	}
	b.window[b.windowNext] = voice
	if voice {
		b.voiced++
	}
	b.windowNext = (b.windowNext + 1) % len(b.window)
}

func (b *BargeIn) clearWindowLocked() {
	clear(b.window)
	b.windowNext = 0
	b.voiced = 0
}

// ObserveTranscript records the running utterance. While a candidate is
// pending, only the words spoken after it began are validated.
func (b *BargeIn) ObserveTranscript(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeLocked(text)
}

// FinishUtterance records a finalized turn. The next transcript starts a new
// utterance with no words before a pending candidate.
func (b *BargeIn) FinishUtterance(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeLocked(text)
	b.transcript = ""
	if b.candidate {
		b.carried = b.heard
		b.baseWords = 0
	}
}

func (b *BargeIn) observeLocked(text string) {
	b.transcript = strings.TrimSpace(text)
	if !b.candidate {
		return
	}
	// A revision shorter than the baseline adds nothing new.
	var fresh []string
	if words := strings.Fields(b.transcript); len(words) > b.baseWords {
		fresh = words[b.baseWords:]
	}
	b.heard = strings.TrimSpace(b.carried + " " + strings.Join(fresh, " "))
}

// ResetVoiceActivity clears the window and any pending candidate. Called when
// a filtered speaker's speech would otherwise read as the user talking.
func (b *BargeIn) ResetVoiceActivity() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearWindowLocked()
	b.cancelCandidateLocked()
}

// Stop disables the coordinator and cancels a pending validation.
func (b *BargeIn) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.cancelCandidateLocked()
}

func (b *BargeIn) cancelCandidateLocked() {
	if b.validation != nil {
		b.validation.Stop()
		b.validation = nil
	}
	b.candidate = false
	b.baseWords = 0
	b.carried = ""
	b.heard = ""
}

func (b *BargeIn) validate(id uint64) {
	b.mu.Lock()
	if b.stopped || !b.candidate || id != b.candidateID {
		b.mu.Unlock()
		return
	}
	heard := b.heard
	detectedAt := b.detectedAt
	b.cancelCandidateLocked()
	b.clearWindowLocked()

	reason := ""
	switch {
	case len(strings.Fields(heard)) < b.cfg.MinWords:
		reason = RejectTooFewWords
	case isBackchannel(heard):
		reason = RejectBackchannel
	case b.deps.Playback == nil || !b.deps.Playback.IsPlaying():
		reason = RejectNotPlaying
	}
	if reason != "" {
		b.mu.Unlock()
		b.deps.Logger.Debug("barge-in rejected", "reason", reason)
		if b.deps.OnRejected != nil {
			b.deps.OnRejected(reason)
		}
		return
	}

	now := b.deps.Now()
	b.lastBargeIn = now
	b.mu.Unlock()

	if b.cfg.FadeDuration > 0 {
		b.deps.Playback.Fade(b.cfg.FadeDuration)
	} else {
		b.deps.Playback.Stop()
	}
	if b.deps.CancelGeneration != nil {
		b.deps.CancelGeneration()
	}
	b.deps.Logger.Info("barge-in confirmed", "words", len(strings.Fields(heard)))
	if b.deps.OnBargeIn != nil {
		b.deps.OnBargeIn(BargeInEvent{Transcript: heard, DetectedAt: detectedAt, ConfirmedAt: now})
	}
}

var backchannels = map[string]struct{}{
	"uh huh": {}, "uh-huh": {}, "uhuh": {},
	"mm hmm": {}, "mm-hmm": {}, "mmhmm": {}, "mhm": {},
	"yeah": {}, "yep": {}, "yup": {}, "yeah yeah": {},
	"okay": {}, "ok": {}, "okay okay": {},
	"right": {}, "i see": {}, "got it": {},
	"sure": {}, "alright": {}, "all right": {},
	"hmm": {}, "hm": {}, "ah": {},
	"oh": {}, "oh okay": {}, "oh ok": {}, "oh right": {},
}

// isBackchannel reports whether text is only an acknowledgement.
func isBackchannel(text string) bool {
	_, ok := backchannels[normalizeTurn(text)]
	return ok
}
