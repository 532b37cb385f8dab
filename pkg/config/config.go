package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/connection"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
)

type TurnModelKind string

const (
	TurnModelHeuristic TurnModelKind = "heuristic"
	TurnModelGemini    TurnModelKind = "gemini"
)

type Config struct {
	LogLevel    slog.Level
	MetricsAddr string // Empty disables the /metrics listener.

	// Provider access. When TemporaryKeys is set the long-lived key is
	// exchanged for short-lived ones before each handshake.
	STTAPIKey       string
	STTEndpoint     string
	TemporaryKeys   bool
	TemporaryKeyURL string
	TemporaryKeyTTL time.Duration

	Session connection.SessionConfig

	HandshakeTimeout time.Duration
	QuotaCooldown    time.Duration
	QuotaWindow      time.Duration
	ReconnectSpacing time.Duration
	CloseGrace       time.Duration
	SettleDelay      time.Duration
	ReenumerateDelay time.Duration

	TurnModel    TurnModelKind
	GeminiAPIKey string
	GeminiModel  string

	// Redis shares disconnect and quota history across processes. Empty
	// keeps the history in memory.
	RedisURL     string
	RedisPrefix  string
	RedisTTL     time.Duration
	DatabaseURL  string // Empty reports errors to the log only.
	MigrateOnRun bool

	InputDevice string // Substring match on the capture device name.
	SpeakBack   bool   // Speak each finalized turn back through TTS.
}

func LoadFromEnv() (Config, error) {
	session := connection.DefaultSessionConfig()
	session.Language = envOr("VAI_VOICE_LANGUAGE", session.Language)
	session.OperatingPoint = envOr("VAI_VOICE_OPERATING_POINT", session.OperatingPoint)
	session.SampleRate = envIntOr("VAI_VOICE_SAMPLE_RATE", session.SampleRate)
	session.EnablePartials = envBoolOr("VAI_VOICE_ENABLE_PARTIALS", session.EnablePartials)
	session.SpeakerFiltering = envBoolOr("VAI_VOICE_SPEAKER_FILTERING", session.SpeakerFiltering)
	session.SpeakerID = envOr("VAI_VOICE_SPEAKER_ID", "")
	session.MicSensitivity = envFloat64Or("VAI_VOICE_MIC_SENSITIVITY", session.MicSensitivity)
	session.AdaptiveNoiseFloor = envBoolOr("VAI_VOICE_ADAPTIVE_NOISE_FLOOR", session.AdaptiveNoiseFloor)
	session.TurnDetection = envBoolOr("VAI_VOICE_TURN_DETECTION", session.TurnDetection)
	session.MaxDelay = envFloat64Or("VAI_VOICE_MAX_DELAY", session.MaxDelay)
	session.EndOfUtteranceSilence = envFloat64Or("VAI_VOICE_END_OF_UTTERANCE_SILENCE", session.EndOfUtteranceSilence)
	session.TTS = tts.Config{
		Provider:   strings.ToLower(envOr("VAI_VOICE_TTS_PROVIDER", "")),
		APIKey:     envOr("VAI_VOICE_TTS_API_KEY", ""),
		VoiceID:    envOr("VAI_VOICE_TTS_VOICE_ID", ""),
		ModelID:    envOr("VAI_VOICE_TTS_MODEL_ID", ""),
		SampleRate: envIntOr("VAI_VOICE_TTS_SAMPLE_RATE", 0),
	}
	// Without a provider there is nothing to speak with.
	session.DisableTTS = envBoolOr("VAI_VOICE_DISABLE_TTS", session.TTS.Provider == "")

	mgr := connection.DefaultManagerConfig()
	life := connection.DefaultLifecycleConfig()

	cfg := Config{
		MetricsAddr:      envOr("VAI_VOICE_METRICS_ADDR", ":9464"),
		STTAPIKey:        envOr("VAI_VOICE_STT_API_KEY", ""),
		STTEndpoint:      envOr("VAI_VOICE_STT_ENDPOINT", ""),
		TemporaryKeys:    envBoolOr("VAI_VOICE_TEMPORARY_KEYS", true),
		TemporaryKeyURL:  envOr("VAI_VOICE_TEMPORARY_KEY_URL", stt.DefaultTemporaryKeyURL),
		TemporaryKeyTTL:  envDurationOr("VAI_VOICE_TEMPORARY_KEY_TTL", time.Hour),
		Session:          session,
		HandshakeTimeout: envDurationOr("VAI_VOICE_HANDSHAKE_TIMEOUT", mgr.HandshakeTimeout),
		QuotaCooldown:    envDurationOr("VAI_VOICE_QUOTA_COOLDOWN", mgr.QuotaCooldown),
		QuotaWindow:      envDurationOr("VAI_VOICE_QUOTA_WINDOW", mgr.QuotaWindow),
		ReconnectSpacing: envDurationOr("VAI_VOICE_RECONNECT_SPACING", mgr.ReconnectSpacing),
		CloseGrace:       envDurationOr("VAI_VOICE_CLOSE_GRACE", mgr.CloseGrace),
		SettleDelay:      envDurationOr("VAI_VOICE_SETTLE_DELAY", life.SettleDelay),
		ReenumerateDelay: envDurationOr("VAI_VOICE_REENUMERATE_DELAY", life.ReenumerateDelay),
		TurnModel:        TurnModelKind(strings.ToLower(envOr("VAI_VOICE_TURN_MODEL", string(TurnModelHeuristic)))),
		GeminiAPIKey:     envOr("VAI_VOICE_GEMINI_API_KEY", envOr("GEMINI_API_KEY", "")),
		GeminiModel:      envOr("VAI_VOICE_GEMINI_MODEL", ""),
		RedisURL:         envOr("VAI_VOICE_REDIS_URL", ""),
		RedisPrefix:      envOr("VAI_VOICE_REDIS_PREFIX", "vai-voice"),
		RedisTTL:         envDurationOr("VAI_VOICE_REDIS_TTL", time.Minute),
		DatabaseURL:      envOr("VAI_VOICE_DATABASE_URL", ""),
		MigrateOnRun:     envBoolOr("VAI_VOICE_MIGRATE", true),
		InputDevice:      envOr("VAI_VOICE_INPUT_DEVICE", ""),
		SpeakBack:        envBoolOr("VAI_VOICE_SPEAK_BACK", false),
	}

	level, err := parseLevel(envOr("VAI_VOICE_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if strings.TrimSpace(cfg.STTAPIKey) == "" {
		return Config{}, fmt.Errorf("VAI_VOICE_STT_API_KEY must be set")
	}
	if cfg.Session.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_SAMPLE_RATE must be > 0")
	}
	switch cfg.Session.OperatingPoint {
	case "standard", "enhanced":
	default:
		return Config{}, fmt.Errorf("VAI_VOICE_OPERATING_POINT must be one of standard|enhanced")
	}
	if cfg.Session.MicSensitivity <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_MIC_SENSITIVITY must be > 0")
	}
	if cfg.Session.MaxDelay < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_MAX_DELAY must be >= 0")
	}
	if cfg.Session.EndOfUtteranceSilence < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_END_OF_UTTERANCE_SILENCE must be >= 0")
	}
	if !cfg.Session.DisableTTS {
		if err := cfg.Session.TTS.Validate(); err != nil {
			return Config{}, fmt.Errorf("VAI_VOICE_TTS_*: %w", err)
		}
	}
	if cfg.TemporaryKeys && cfg.TemporaryKeyTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_TEMPORARY_KEY_TTL must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.QuotaCooldown < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_QUOTA_COOLDOWN must be >= 0")
	}
	if cfg.QuotaWindow < cfg.QuotaCooldown {
		return Config{}, fmt.Errorf("VAI_VOICE_QUOTA_WINDOW must be >= VAI_VOICE_QUOTA_COOLDOWN")
	}
	if cfg.ReconnectSpacing < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_RECONNECT_SPACING must be >= 0")
	}
	if cfg.CloseGrace <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_CLOSE_GRACE must be > 0")
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_SETTLE_DELAY must be >= 0")
	}
	if cfg.ReenumerateDelay < 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_REENUMERATE_DELAY must be >= 0")
	}
	switch cfg.TurnModel {
	case TurnModelHeuristic:
	case TurnModelGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return Config{}, fmt.Errorf("VAI_VOICE_GEMINI_API_KEY must be set when VAI_VOICE_TURN_MODEL=gemini")
		}
	default:
		return Config{}, fmt.Errorf("VAI_VOICE_TURN_MODEL must be one of heuristic|gemini")
	}
	if cfg.RedisURL != "" && cfg.RedisTTL <= 0 {
		return Config{}, fmt.Errorf("VAI_VOICE_REDIS_TTL must be > 0")
	}
	if cfg.SpeakBack && cfg.Session.DisableTTS {
		return Config{}, fmt.Errorf("VAI_VOICE_SPEAK_BACK requires a TTS provider")
	}

	return cfg, nil
}

// Manager returns the socket configuration. Start options are filled in per
// connect from the session config.
func (c Config) Manager() connection.ManagerConfig {
	m := connection.DefaultManagerConfig()
	m.Endpoint = c.STTEndpoint
	m.HandshakeTimeout = c.HandshakeTimeout
	m.QuotaCooldown = c.QuotaCooldown
	m.QuotaWindow = c.QuotaWindow
	m.ReconnectSpacing = c.ReconnectSpacing
	m.CloseGrace = c.CloseGrace
	return m
}

func (c Config) Lifecycle() connection.LifecycleConfig {
	l := connection.DefaultLifecycleConfig()
	l.Manager = c.Manager()
	l.SettleDelay = c.SettleDelay
	l.ReenumerateDelay = c.ReenumerateDelay
	return l
}

// Credentials returns the provider credential source.
func (c Config) Credentials() stt.CredentialSource {
	if !c.TemporaryKeys {
		return stt.StaticCredential(c.STTAPIKey)
	}
	return &stt.TemporaryKeySource{
		URL:    c.TemporaryKeyURL,
		APIKey: c.STTAPIKey,
		TTL:    c.TemporaryKeyTTL,
	}
}

// LoadTuning reads the tuning overrides on top of live.DefaultTuning. It is
// called on every connect so edits to the environment apply to the next
// session without a restart.
func LoadTuning() (live.Tuning, error) {
	t := live.DefaultTuning()

	t.Dedupe.Bucket = envDurationOr("VAI_VOICE_TUNING_DEDUPE_BUCKET", t.Dedupe.Bucket)
	t.Dedupe.Capacity = envIntOr("VAI_VOICE_TUNING_DEDUPE_CAPACITY", t.Dedupe.Capacity)

	t.Turn.Enabled = envBoolOr("VAI_VOICE_TUNING_TURN_ENABLED", t.Turn.Enabled)
	t.Turn.Threshold = envFloat64Or("VAI_VOICE_TUNING_TURN_THRESHOLD", t.Turn.Threshold)
	t.Turn.Grace = envDurationOr("VAI_VOICE_TUNING_TURN_GRACE", t.Turn.Grace)
	t.Turn.MaxHold = envDurationOr("VAI_VOICE_TUNING_TURN_MAX_HOLD", t.Turn.MaxHold)
	t.Turn.ModelTimeout = envDurationOr("VAI_VOICE_TUNING_TURN_MODEL_TIMEOUT", t.Turn.ModelTimeout)
	t.Turn.MinWords = envIntOr("VAI_VOICE_TUNING_TURN_MIN_WORDS", t.Turn.MinWords)
	t.Turn.HistorySize = envIntOr("VAI_VOICE_TUNING_TURN_HISTORY", t.Turn.HistorySize)

	t.Transcription.FinalizeDebounce = envDurationOr("VAI_VOICE_TUNING_FINALIZE_DEBOUNCE", t.Transcription.FinalizeDebounce)
	t.Transcription.FallbackTimeout = envDurationOr("VAI_VOICE_TUNING_FALLBACK_TIMEOUT", t.Transcription.FallbackTimeout)
	t.Transcription.DuplicateWindow = envDurationOr("VAI_VOICE_TUNING_DUPLICATE_WINDOW", t.Transcription.DuplicateWindow)

	b := &t.BargeIn
	b.Enabled = envBoolOr("VAI_VOICE_TUNING_BARGE_IN_ENABLED", b.Enabled)
	b.FixedThreshold = envFloat64Or("VAI_VOICE_TUNING_BARGE_IN_FIXED_THRESHOLD", b.FixedThreshold)
	b.NoiseMultiplier = envFloat64Or("VAI_VOICE_TUNING_BARGE_IN_NOISE_MULTIPLIER", b.NoiseMultiplier)
	b.SpectralCheck = envBoolOr("VAI_VOICE_TUNING_BARGE_IN_SPECTRAL_CHECK", b.SpectralCheck)
	b.MinVoiceBandRatio = envFloat64Or("VAI_VOICE_TUNING_BARGE_IN_VOICE_BAND_RATIO", b.MinVoiceBandRatio)
	b.WindowSize = envIntOr("VAI_VOICE_TUNING_BARGE_IN_WINDOW", b.WindowSize)
	b.ActivationSlots = envIntOr("VAI_VOICE_TUNING_BARGE_IN_ACTIVATION_SLOTS", b.ActivationSlots)
	b.ValidationDelay = envDurationOr("VAI_VOICE_TUNING_BARGE_IN_VALIDATION_DELAY", b.ValidationDelay)
	b.MinWords = envIntOr("VAI_VOICE_TUNING_BARGE_IN_MIN_WORDS", b.MinWords)
	b.Cooldown = envDurationOr("VAI_VOICE_TUNING_BARGE_IN_COOLDOWN", b.Cooldown)
	b.PostPlaybackGrace = envDurationOr("VAI_VOICE_TUNING_BARGE_IN_POST_PLAYBACK_GRACE", b.PostPlaybackGrace)
	b.FadeDuration = envDurationOr("VAI_VOICE_TUNING_BARGE_IN_FADE", b.FadeDuration)

	if t.Dedupe.Bucket <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_DEDUPE_BUCKET must be > 0")
	}
	if t.Dedupe.Capacity <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_DEDUPE_CAPACITY must be > 0")
	}
	if t.Turn.Threshold <= 0 || t.Turn.Threshold > 1 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_TURN_THRESHOLD must be in (0, 1]")
	}
	if t.Turn.Grace < 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_TURN_GRACE must be >= 0")
	}
	if t.Turn.MaxHold <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_TURN_MAX_HOLD must be > 0")
	}
	if t.Turn.ModelTimeout <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_TURN_MODEL_TIMEOUT must be > 0")
	}
	if t.Turn.HistorySize < 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_TURN_HISTORY must be >= 0")
	}
	if t.Transcription.FinalizeDebounce < 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_FINALIZE_DEBOUNCE must be >= 0")
	}
	if t.Transcription.FallbackTimeout <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_FALLBACK_TIMEOUT must be > 0")
	}
	if t.Transcription.DuplicateWindow < 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_DUPLICATE_WINDOW must be >= 0")
	}
	if b.WindowSize <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_BARGE_IN_WINDOW must be > 0")
	}
	if b.ActivationSlots <= 0 || b.ActivationSlots > b.WindowSize {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_BARGE_IN_ACTIVATION_SLOTS must be in [1, VAI_VOICE_TUNING_BARGE_IN_WINDOW]")
	}
	if b.MinVoiceBandRatio < 0 || b.MinVoiceBandRatio > 1 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_BARGE_IN_VOICE_BAND_RATIO must be in [0, 1]")
	}
	if b.NoiseMultiplier <= 0 {
		return live.Tuning{}, fmt.Errorf("VAI_VOICE_TUNING_BARGE_IN_NOISE_MULTIPLIER must be > 0")
	}

	return t, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("VAI_VOICE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
