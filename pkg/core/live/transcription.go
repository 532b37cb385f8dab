package live

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
)

// TurnReason records what finalized a turn.
type TurnReason string

const (
	TurnReasonEndOfUtterance TurnReason = "end_of_utterance"
	TurnReasonTurnDetector   TurnReason = "turn_detector"
	TurnReasonMaxHold        TurnReason = "max_hold"
	TurnReasonFallback       TurnReason = "fallback_timeout"
	TurnReasonEndOfStream    TurnReason = "end_of_stream"
)

// Turn is one finalized user utterance.
type Turn struct {
	Text        string
	SpeakerID   string
	StartedAt   time.Time
	FinalizedAt time.Time
	Reason      TurnReason
	Probability float64 // Last end-of-turn score, zero when unscored
}

// TranscriptionCallbacks receive transcription output. Callbacks run on the
// manager's loop goroutine and must not call Close.
type TranscriptionCallbacks struct {
	// OnPartial receives the running utterance text after each accepted transcript.
	OnPartial func(text string)
	// OnTurn fires once per finalized turn.
	OnTurn func(Turn)
	// OnFilteredSpeech fires when another speaker's speech is dropped.
	OnFilteredSpeech func(speakerID string)
	// OnError receives recovered callback panics.
	OnError func(error)
}

// TranscriptionDeps are the collaborators of a TranscriptionManager.
type TranscriptionDeps struct {
	// Detector enables probability scoring. Nil finalizes on end-of-utterance alone.
	Detector  *TurnDetector
	Callbacks TranscriptionCallbacks
	Logger    *slog.Logger
	Now       func() time.Time
}

// TranscriptionManager turns provider transcript messages into finalized
// turns. It applies speaker filtering, end-of-utterance debounce, a fallback
// ceiling, optional turn-detector grace and max-hold, and replay suppression.
type TranscriptionManager struct {
	cfg      TranscriptionConfig
	turn     TurnConfig
	detector *TurnDetector
	cb       TranscriptionCallbacks
	logger   *slog.Logger
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	msgs      chan stt.ServerMessage
	scores    chan scoreResult
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

type scoreResult struct {
	seq   uint64
	score TurnScore
}

// NewTranscriptionManager creates a manager and starts its loop.
func NewTranscriptionManager(cfg TranscriptionConfig, turn TurnConfig, deps TranscriptionDeps) *TranscriptionManager {
	def := DefaultTranscriptionConfig()
	if cfg.FinalizeDebounce <= 0 {
		cfg.FinalizeDebounce = def.FinalizeDebounce
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = def.FallbackTimeout
	}
	if cfg.DuplicateWindow < 0 {
		cfg.DuplicateWindow = 0
	}
	tdef := DefaultTurnConfig()
	if turn.Grace <= 0 {
		turn.Grace = tdef.Grace
	}
	if turn.MaxHold <= 0 {
		turn.MaxHold = tdef.MaxHold
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &TranscriptionManager{
		cfg:      cfg,
		turn:     turn,
		detector: deps.Detector,
		cb:       deps.Callbacks,
		logger:   deps.Logger,
		now:      deps.Now,
		ctx:      ctx,
		cancel:   cancel,
		msgs:     make(chan stt.ServerMessage, 64),
		scores:   make(chan scoreResult, 8),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

// HandleMessage queues a provider message. It is a no-op after Close.
func (m *TranscriptionManager) HandleMessage(msg stt.ServerMessage) {
	if m.closed.Load() {
		return
	}
	switch msg.Kind {
	case stt.KindTranscript, stt.KindEndOfUtterance, stt.KindEndOfTranscript:
	default:
		return
	}
	select {
	case m.msgs <- msg:
	case <-m.ctx.Done():
	}
}

// Close stops the loop and its timers without finalizing the pending utterance.
func (m *TranscriptionManager) Close() {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
	})
	<-m.done
}

// utterance is the in-progress turn. It is reset when a turn finalizes.
type utterance struct {
	finals      []string
	partial     string
	speaker     string
	startedAt   time.Time
	eouSeen     bool
	holdArmed   bool
	above       bool
	crossedAt   time.Time
	probability float64
	appliedSeq  uint64
}

func (u *utterance) text() string {
	parts := u.finals
	if u.partial != "" {
		parts = append(parts[:len(parts):len(parts)], u.partial)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (m *TranscriptionManager) run() {
	defer close(m.done)

	var (
		u        utterance
		seq      uint64
		debounce loopTimer
		fallback loopTimer
		grace    loopTimer
		hold     loopTimer

		locked       = strings.TrimSpace(m.cfg.SpeakerID)
		lastTurnNorm string
		lastTurnAt   time.Time

		// At most one model call runs at a time. Text arriving meanwhile
		// replaces pending and is scored when the call returns.
		scoring     bool
		pending     string
		cancelScore context.CancelFunc = func() {}
	)
	defer func() {
		debounce.stop()
		fallback.stop()
		grace.stop()
		hold.stop()
		cancelScore()
	}()

	resetUtterance := func() {
		debounce.stop()
		fallback.stop()
		grace.stop()
		hold.stop()
		cancelScore()
		pending = ""
		seq++
		u = utterance{appliedSeq: seq}
	}

	armHold := func() {
		if !u.holdArmed {
			u.holdArmed = true
			hold.reset(m.turn.MaxHold)
		}
	}

	finalize := func(reason TurnReason) {
		text := u.text()
		turn := Turn{
			Text:        text,
			SpeakerID:   u.speaker,
			StartedAt:   u.startedAt,
			Reason:      reason,
			Probability: u.probability,
		}
		resetUtterance()
		if text == "" {
			return
		}
		now := m.now()
		turn.FinalizedAt = now

		norm := normalizeTurn(text)
		if norm == lastTurnNorm && !lastTurnAt.IsZero() && now.Sub(lastTurnAt) < m.cfg.DuplicateWindow {
			m.logger.Debug("duplicate turn suppressed", "reason", string(reason))
			return
		}
		lastTurnNorm, lastTurnAt = norm, now

		if m.detector != nil {
			m.detector.Remember(text)
		}
		m.logger.Debug("turn finalized", "reason", string(reason), "words", len(strings.Fields(text)))
		if m.cb.OnTurn != nil {
			m.safeCall(func() { m.cb.OnTurn(turn) })
		}
	}

	startScore := func(text string) {
		seq++
		s := seq
		ctx, cancel := context.WithCancel(m.ctx)
		cancelScore = cancel
		scoring = true
		go func() {
			defer cancel()
			score := m.detector.Assess(ctx, text)
			select {
			case m.scores <- scoreResult{seq: s, score: score}:
			case <-m.ctx.Done():
			}
		}()
	}

	requestScore := func(text string) {
		if scoring {
			pending = text
			return
		}
		startScore(text)
	}

	handleTranscript := func(ev *stt.TranscriptEvent) {
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return
		}
		if m.cfg.SpeakerFiltering && labelledSpeaker(ev.SpeakerID) {
			if locked == "" {
				locked = ev.SpeakerID
				m.logger.Info("speaker locked", "speaker_id", locked)
			}
			if ev.SpeakerID != locked {
				if m.cb.OnFilteredSpeech != nil {
					speaker := ev.SpeakerID
					m.safeCall(func() { m.cb.OnFilteredSpeech(speaker) })
				}
				return
			}
		}

		if u.startedAt.IsZero() {
			u.startedAt = ev.EmittedAt
			if u.startedAt.IsZero() {
				u.startedAt = m.now()
			}
			fallback.reset(m.cfg.FallbackTimeout)
		}
		if u.speaker == "" && labelledSpeaker(ev.SpeakerID) {
			u.speaker = ev.SpeakerID
		}
		if ev.Kind == stt.TranscriptFinal {
			u.finals = append(u.finals, text)
			u.partial = ""
		} else {
			u.partial = text
		}

		running := u.text()
		if m.cb.OnPartial != nil {
			m.safeCall(func() { m.cb.OnPartial(running) })
		}
		if m.detector != nil {
			requestScore(running)
		}
	}

	handleEndOfUtterance := func() {
		if u.text() == "" {
			return
		}
		u.eouSeen = true
		if m.detector == nil {
			debounce.reset(m.cfg.FinalizeDebounce)
			return
		}
		armHold()
		if u.probability >= m.detector.Threshold() {
			debounce.reset(m.cfg.FinalizeDebounce)
		}
	}

	handleScore := func(r scoreResult) {
		if r.seq <= u.appliedSeq || u.text() == "" || r.score.Source == ScoreSkipped {
			return
		}
		u.appliedSeq = r.seq
		u.probability = r.score.Probability

		if u.probability < m.detector.Threshold() {
			if u.above {
				u.above = false
				grace.stop()
			}
			return
		}

		armHold()
		if u.eouSeen {
			if !debounce.active {
				debounce.reset(m.cfg.FinalizeDebounce)
			}
			return
		}
		if !u.above {
			u.above = true
			u.crossedAt = m.now()
		}
		grace.reset(m.turn.Grace)
	}

	resetUtterance()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-m.msgs:
			switch msg.Kind {
			case stt.KindTranscript:
				if msg.Transcript != nil {
					handleTranscript(msg.Transcript)
				}
			case stt.KindEndOfUtterance:
				handleEndOfUtterance()
			case stt.KindEndOfTranscript:
				finalize(TurnReasonEndOfStream)
			}
		case r := <-m.scores:
			scoring = false
			handleScore(r)
			if pending != "" {
				text := pending
				pending = ""
				startScore(text)
			}
		case <-debounce.C():
			debounce.active = false
			finalize(TurnReasonEndOfUtterance)
		case <-fallback.C():
			fallback.active = false
			finalize(TurnReasonFallback)
		case <-grace.C():
			grace.active = false
			finalize(TurnReasonTurnDetector)
		case <-hold.C():
			hold.active = false
			finalize(TurnReasonMaxHold)
		}
	}
}

func (m *TranscriptionManager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := core.NewHandlerError(r)
			m.logger.Error("transcription callback panicked", "error", err)
			if m.cb.OnError != nil {
				m.cb.OnError(err)
			}
		}
	}()
	fn()
}

// labelledSpeaker reports whether id names a diarized speaker.
func labelledSpeaker(id string) bool {
	return id != "" && id != "UU"
}

func normalizeTurn(text string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}), " ")
}

// loopTimer is a timer owned by a single event loop. C returns nil while
// inactive so a select case on it never fires.
type loopTimer struct {
	t      *time.Timer
	active bool
}

func (l *loopTimer) C() <-chan time.Time {
	if !l.active || l.t == nil {
		return nil
	}
	return l.t.C
}

func (l *loopTimer) stop() {
	if l.t == nil {
		return
	}
	if !l.t.Stop() {
		select {
		case <-l.t.C:
		default:
		}
	}
	l.active = false
}

func (l *loopTimer) reset(d time.Duration) {
	if d < 0 {
		return
	}
	if l.t == nil {
		l.t = time.NewTimer(d)
		l.active = true
		return
	}
	l.stop()
	l.t.Reset(d)
	l.active = true
}
