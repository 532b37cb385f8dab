package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/live"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/core/voice/tts"
	"github.com/vango-go/vai-voice/pkg/errorreport"
	"github.com/vango-go/vai-voice/pkg/metrics"
)

// LifecycleConfig configures a Lifecycle.
type LifecycleConfig struct {
	// Manager is the socket configuration. Start options come from the
	// SessionConfig of each connect.
	Manager ManagerConfig
	// SettleDelay follows the capture stop on a graceful disconnect.
	// Default: 150ms
	SettleDelay time.Duration
	// ReenumerateDelay precedes the background device refresh.
	// Default: 500ms
	ReenumerateDelay time.Duration
	Steps            StepTimeouts
}

// DefaultLifecycleConfig returns the default lifecycle configuration.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		Manager:          DefaultManagerConfig(),
		SettleDelay:      150 * time.Millisecond,
		ReenumerateDelay: 500 * time.Millisecond,
		Steps:            DefaultStepTimeouts(),
	}
}

// LifecycleDeps are the collaborators of a Lifecycle. Clock, Dialer and
// Credentials are required; everything else is optional.
type LifecycleDeps struct {
	Clock       *Clock
	Dialer      stt.Dialer
	Credentials stt.CredentialSource

	Capture     AudioCapture
	Devices     DeviceEnumerator
	NewPlayback PlaybackFactory
	TurnModel   live.TurnModel
	// LoadTuning resolves tuning on every connect. Default: live.DefaultTuning.
	LoadTuning   func() (live.Tuning, error)
	Conversation *Conversation

	Logger   *slog.Logger
	Reporter errorreport.Reporter
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time
}

// session is everything one establish builds.
type session struct {
	token     uint64
	attemptID string
	mgr       *Manager
	tm        *live.TranscriptionManager
	playback  Playback
	bargeIn   atomic.Pointer[live.BargeIn]
	open      atomic.Bool
	notified  atomic.Bool
}

// Lifecycle is the caller-facing voice session. It serializes overlapping
// connect and disconnect requests through the clock's epoch, builds the
// transcription and playback pipeline around each socket, and tears it all
// down in order.
type Lifecycle struct {
	cfg          LifecycleConfig
	deps         LifecycleDeps
	logger       *slog.Logger
	conversation *Conversation
	dedupe       *live.ChunkDedupe
	teardown     teardownRunner

	mu                  sync.Mutex
	cur                 *session
	pending             *PendingDisconnect
	disconnectRequested bool
	handler             MessageHandler
	onConnection        func(bool)
	onError             func(error)
	onTurn              func(live.Turn)
	onBargeIn           func(live.BargeInEvent)
}

// NewLifecycle creates an idle lifecycle.
func NewLifecycle(cfg LifecycleConfig, deps LifecycleDeps) (*Lifecycle, error) {
	if deps.Clock == nil {
		return nil, fmt.Errorf("connection clock is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	def := DefaultLifecycleConfig()
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ReenumerateDelay < 0 {
		cfg.ReenumerateDelay = def.ReenumerateDelay
	}
	if cfg.Steps == (StepTimeouts{}) {
		cfg.Steps = def.Steps
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Reporter == nil {
		deps.Reporter = errorreport.Discard
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("vai-voice/connection")
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Now == nil {
		deps.Now = deps.Clock.Now
	}
	if deps.LoadTuning == nil {
		deps.LoadTuning = func() (live.Tuning, error) { return live.DefaultTuning(), nil }
	}
	if deps.Conversation == nil {
		deps.Conversation = NewConversation(deps.Logger)
	}
	return &Lifecycle{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger,
		conversation: deps.Conversation,
		dedupe:       live.NewChunkDedupe(live.DefaultDedupeConfig(), deps.Now),
		teardown: teardownRunner{
			logger:   deps.Logger,
			reporter: deps.Reporter,
			metrics:  deps.Metrics,
		},
	}, nil
}

// Conversation returns the conversation state this lifecycle drives.
func (l *Lifecycle) Conversation() *Conversation {
	return l.conversation
}

// SetCallbacks installs the connection and error callbacks.
// onConnection(true) fires once per established session and
// onConnection(false) once when it ends, whether by Disconnect or by the
// provider dropping it.
func (l *Lifecycle) SetCallbacks(onConnection func(bool), onError func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConnection = onConnection
	l.onError = onError
}

// SetMessageHandler installs a tap that sees every provider message after
// transcription processed it. It persists across reconnects.
func (l *Lifecycle) SetMessageHandler(h MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// OnTurn installs the finalized-turn callback.
func (l *Lifecycle) OnTurn(fn func(live.Turn)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTurn = fn
}

// OnBargeIn installs the confirmed-interruption callback.
func (l *Lifecycle) OnBargeIn(fn func(live.BargeInEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBargeIn = fn
}

// IsConnected reports whether a session is live.
func (l *Lifecycle) IsConnected() bool {
	l.mu.Lock()
	s := l.cur
	l.mu.Unlock()
	return s != nil && s.open.Load() && s.mgr.IsConnected()
}

// Connect establishes a session. An established session is disconnected
// first. A connect superseded by a newer connect or disconnect returns nil
// without wiring anything.
func (l *Lifecycle) Connect(ctx context.Context, cfg SessionConfig) error {
	l.mu.Lock()
	prev := l.cur
	l.mu.Unlock()
	if prev != nil && prev.open.Load() {
		l.logger.Info("replacing live session", "token", prev.token)
		if err := l.Disconnect(ctx, false); err != nil {
			l.logger.Warn("disconnect before connect", "error", err)
		}
	}

	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	err := l.establish(ctx, cfg, pending)
	if core.IsSuperseded(err) {
		l.logger.Debug("connect superseded", "error", err)
		return nil
	}
	return err
}

func (l *Lifecycle) establish(ctx context.Context, cfg SessionConfig, pending *PendingDisconnect) (err error) {
	// 1. claim the epoch
	s := &session{
		token:     l.deps.Clock.NextToken(),
		attemptID: uuid.NewString(),
	}
	log := l.logger.With("token", s.token, "attempt_id", s.attemptID)

	ctx, span := l.deps.Tracer.Start(ctx, "connection.establish", trace.WithAttributes(
		attribute.Int64("token", int64(s.token)),
		attribute.String("attempt_id", s.attemptID),
	))
	defer span.End()

	l.mu.Lock()
	l.disconnectRequested = false
	l.mu.Unlock()
	l.conversation.Transition(ConversationConnecting)

	defer func() {
		if err == nil {
			return
		}
		l.release(s)
		if core.IsSuperseded(err) {
			return
		}
		// Anything older than this failed attempt is garbage now.
		l.deps.Clock.Sockets().Sweep(s.token)
		if l.deps.Clock.IsValid(s.token) {
			l.conversation.Transition(ConversationDisconnected)
		}
		log.Warn("connect failed", "error", err)
		span.RecordError(err)
	}()

	// 2. playback
	if !cfg.DisableTTS && l.deps.NewPlayback != nil {
		if err := cfg.TTS.Validate(); err != nil {
			return err
		}
		pb, err := l.deps.NewPlayback(cfg.TTS)
		if err != nil {
			return core.NewConfigurationError("tts playback: " + err.Error())
		}
		s.playback = pb
	}

	tuning, err := l.deps.LoadTuning()
	if err != nil {
		return core.NewConfigurationError("tuning: " + err.Error())
	}
	tuning = cfg.applyTo(tuning)

	// 3. dedupe
	l.dedupe.Reconfigure(tuning.Dedupe)

	// 4. transcription
	var detector *live.TurnDetector
	if tuning.Turn.Enabled {
		detector = live.NewTurnDetector(tuning.Turn, l.deps.TurnModel, log)
	}
	s.tm = live.NewTranscriptionManager(tuning.Transcription, tuning.Turn, live.TranscriptionDeps{
		Detector:  detector,
		Callbacks: l.transcriptionCallbacks(s),
		Logger:    log,
		Now:       l.deps.Now,
	})

	// 5. socket
	mcfg := l.cfg.Manager
	mcfg.Start = cfg.startOptions()
	mgr, err := NewManager(mcfg, ManagerDeps{
		Clock:       l.deps.Clock,
		Dialer:      l.deps.Dialer,
		Credentials: l.deps.Credentials,
		Handler:     l.messageHandler(s),
		Logger:      log,
		Reporter:    l.deps.Reporter,
		Metrics:     l.deps.Metrics,
		Tracer:      l.deps.Tracer,
		Sleep:       l.deps.Sleep,
	})
	if err != nil {
		return core.NewConfigurationError(err.Error())
	}
	mgr.SetCallbacks(func(up bool) {
		if !up {
			l.sessionLost(s)
		}
	}, l.emitError)
	s.mgr = mgr

	l.mu.Lock()
	l.cur = s
	l.mu.Unlock()

	if err := mgr.Connect(ctx, s.token, pending); err != nil {
		return err
	}

	// 6. re-check
	l.mu.Lock()
	if !l.deps.Clock.IsValid(s.token) || l.disconnectRequested {
		l.mu.Unlock()
		return core.NewSupersededError("establish")
	}

	// 7. wire
	s.bargeIn.Store(live.NewBargeIn(tuning.BargeIn, l.bargeInDeps(s, log)))
	s.open.Store(true)
	onConnection := l.onConnection
	l.mu.Unlock()

	l.conversation.Transition(ConversationConnected)
	l.deps.Clock.Sockets().Sweep(s.token)
	log.Info("voice session connected")
	if onConnection != nil {
		onConnection(true)
	}
	return nil
}

// release drops a session that never went live. Its socket, if one
// opened, stays with the tracker.
func (l *Lifecycle) release(s *session) {
	l.mu.Lock()
	if l.cur == s {
		l.cur = nil
	}
	l.mu.Unlock()
	if s.tm != nil {
		s.tm.Close()
	}
	if s.playback != nil {
		_ = s.playback.Close()
	}
}

func (l *Lifecycle) transcriptionCallbacks(s *session) live.TranscriptionCallbacks {
	return live.TranscriptionCallbacks{
		OnPartial: func(text string) {
			if b := s.bargeIn.Load(); b != nil {
				b.ObserveTranscript(text)
			}
		},
		OnTurn: func(turn live.Turn) {
			l.deps.Metrics.RecordTurn(string(turn.Reason))
			if b := s.bargeIn.Load(); b != nil {
				b.FinishUtterance(turn.Text)
			}
			l.mu.Lock()
			fn := l.onTurn
			l.mu.Unlock()
			if fn != nil && l.deps.Clock.IsValid(s.token) {
				fn(turn)
			}
		},
		OnFilteredSpeech: func(string) {
			if b := s.bargeIn.Load(); b != nil {
				b.ResetVoiceActivity()
			}
		},
		OnError: l.emitError,
	}
}

func (l *Lifecycle) bargeInDeps(s *session, log *slog.Logger) live.BargeInDeps {
	deps := live.BargeInDeps{
		CancelGeneration: func() { l.conversation.AbortGeneration() },
		OnBargeIn: func(ev live.BargeInEvent) {
			l.deps.Metrics.RecordBargeIn("confirmed")
			l.mu.Lock()
			fn := l.onBargeIn
			l.mu.Unlock()
			if fn != nil {
				fn(ev)
			}
		},
		OnRejected: func(reason string) {
			l.deps.Metrics.RecordBargeIn(reason)
		},
		Logger: log,
		Now:    l.deps.Now,
	}
	if s.playback != nil {
		deps.Playback = s.playback
	}
	return deps
}

func (l *Lifecycle) messageHandler(s *session) MessageHandler {
	return func(msg stt.ServerMessage) {
		s.tm.HandleMessage(msg)
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (l *Lifecycle) emitError(err error) {
	l.mu.Lock()
	fn := l.onError
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// sessionLost handles the provider ending a live session on its own.
func (l *Lifecycle) sessionLost(s *session) {
	if !s.open.Load() || !s.notified.CompareAndSwap(false, true) {
		return
	}
	l.logger.Warn("voice session lost", "token", s.token)
	if b := s.bargeIn.Load(); b != nil {
		b.Stop()
	}
	if s.playback != nil {
		s.playback.Stop()
	}
	l.conversation.AbortGeneration()
	l.conversation.Transition(ConversationDisconnected)
	l.mu.Lock()
	fn := l.onConnection
	l.mu.Unlock()
	if fn != nil {
		fn(false)
	}
}

// Send forwards one microphone chunk. Chunks are dropped unless a session
// is live, and exact repeats are dropped by the dedupe.
func (l *Lifecycle) Send(chunk []byte) error {
	l.mu.Lock()
	s := l.cur
	l.mu.Unlock()
	if s == nil || !s.open.Load() || !s.mgr.IsConnected() {
		return nil
	}
	if !l.dedupe.ShouldSend(chunk) {
		l.deps.Metrics.RecordDedupeDrop()
		return nil
	}
	if b := s.bargeIn.Load(); b != nil {
		b.ProcessChunk(chunk)
	}
	return s.mgr.Send(chunk)
}

// speakSegmentWords caps one synthesis request so long responses start
// playing after the first sentence.
const speakSegmentWords = 40

// Speak plays text through the session's TTS as one assistant response,
// sentence by sentence. A barge-in or disconnect cancels it.
func (l *Lifecycle) Speak(ctx context.Context, text string) error {
	l.mu.Lock()
	s := l.cur
	l.mu.Unlock()
	if s == nil || !s.open.Load() {
		return core.NewTransportError("speak", errors.New("no live session"))
	}
	if s.playback == nil {
		return core.NewConfigurationError("tts is disabled for this session")
	}
	genCtx, done := l.conversation.BeginGeneration(ctx)
	defer done()

	seg := tts.NewSegmenter(speakSegmentWords)
	parts := seg.Add(text)
	if rest := seg.Flush(); rest != "" {
		parts = append(parts, rest)
	}
	for _, part := range parts {
		err := s.playback.Speak(genCtx, part)
		if genCtx.Err() != nil && ctx.Err() == nil {
			// Interrupted.
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Disconnect tears the session down. It invalidates every attempt in flight
// before anything else, then runs the teardown steps in order; a failing
// step is reported and the rest still run. forceImmediate skips the capture
// settle delay and the provider close grace. The returned error joins the
// step failures.
func (l *Lifecycle) Disconnect(ctx context.Context, forceImmediate bool) error {
	// 1. invalidate
	token := l.deps.Clock.NextToken()
	pending := newPendingDisconnect()
	l.mu.Lock()
	l.disconnectRequested = true
	l.pending = pending
	s := l.cur
	l.cur = nil
	l.mu.Unlock()

	ctx, span := l.deps.Tracer.Start(ctx, "connection.disconnect", trace.WithAttributes(
		attribute.Int64("token", int64(token)),
		attribute.Bool("force", forceImmediate),
	))
	defer span.End()

	log := l.logger.With("token", token)
	log.Info("disconnecting", "force", forceImmediate)

	results := l.teardown.run(ctx, l.teardownSteps(s, token, forceImmediate))

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	pending.complete()

	if l.deps.Devices != nil {
		go l.reenumerate(token)
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
	}
	log.Info("disconnected", "failed_steps", len(errs))
	return err
}

func (l *Lifecycle) teardownSteps(s *session, token uint64, force bool) []TeardownStep {
	t := l.cfg.Steps
	return []TeardownStep{
		{Name: StepConversation, Timeout: t.Conversation, Run: func(context.Context) error {
			l.conversation.Transition(ConversationDisconnecting)
			l.conversation.AbortGeneration()
			if s != nil && s.playback != nil {
				s.playback.Stop()
			}
			return nil
		}},
		{Name: StepCapture, Timeout: t.Capture, Run: func(ctx context.Context) error {
			if l.deps.Capture == nil {
				return nil
			}
			l.deps.Capture.Mute()
			if err := l.deps.Capture.Stop(ctx); err != nil {
				return err
			}
			if force {
				return nil
			}
			return l.deps.Sleep(ctx, l.cfg.SettleDelay)
		}},
		{Name: StepSocket, Timeout: t.Socket, Run: func(ctx context.Context) error {
			var err error
			if s != nil && s.mgr != nil {
				err = s.mgr.Disconnect(ctx, force)
			}
			l.deps.Clock.Sockets().Sweep(token)
			return err
		}},
		{Name: StepTranscription, Timeout: t.Transcription, Run: func(context.Context) error {
			if s != nil {
				if s.tm != nil {
					s.tm.Close()
				}
				if b := s.bargeIn.Load(); b != nil {
					b.Stop()
				}
				if s.playback != nil {
					if err := s.playback.Close(); err != nil && !errors.Is(err, context.Canceled) {
						l.logger.Debug("close playback", "error", err)
					}
				}
			}
			l.dedupe.Reset()
			return nil
		}},
		{Name: StepNotify, Timeout: t.Notify, Run: func(context.Context) error {
			l.conversation.Transition(ConversationDisconnected)
			if s == nil || !s.open.Load() || !s.notified.CompareAndSwap(false, true) {
				return nil
			}
			l.mu.Lock()
			fn := l.onConnection
			l.mu.Unlock()
			if fn != nil {
				fn(false)
			}
			return nil
		}},
	}
}

// reenumerate refreshes audio devices in the background once the delay
// passes, unless a newer session took over.
func (l *Lifecycle) reenumerate(token uint64) {
	ctx := context.Background()
	if err := l.deps.Sleep(ctx, l.cfg.ReenumerateDelay); err != nil {
		return
	}
	if !l.deps.Clock.IsValid(token) {
		l.logger.Debug("skipping device refresh, session resumed", "token", token)
		return
	}
	l.teardown.run(ctx, []TeardownStep{{
		Name:    StepDevices,
		Timeout: l.cfg.Steps.Devices,
		Run:     l.deps.Devices.Reenumerate,
	}})
}
