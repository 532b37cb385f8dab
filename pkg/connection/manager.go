package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/errorreport"
	"github.com/vango-go/vai-voice/pkg/metrics"
)

// MessageHandler receives provider messages while the session is live.
type MessageHandler func(stt.ServerMessage)

// ManagerConfig configures the provider socket.
type ManagerConfig struct {
	// Endpoint is the provider URL. Default: stt.DefaultEndpoint with the
	// Start language appended.
	Endpoint string
	// Start is sent in the StartRecognition handshake.
	Start stt.StartOptions
	// HandshakeTimeout bounds the wait for RecognitionStarted.
	// Default: 10s
	HandshakeTimeout time.Duration
	// QuotaCooldown is the minimum wait after a quota rejection.
	// Default: 10s
	QuotaCooldown time.Duration
	// QuotaWindow is how long a quota rejection stays relevant. Older ones
	// are discarded.
	// Default: 15s
	QuotaWindow time.Duration
	// ReconnectSpacing is the minimum interval between a disconnect and the
	// next socket, letting the provider release the previous session slot.
	// Default: 1.5s
	ReconnectSpacing time.Duration
	// CloseGrace bounds the wait for EndOfTranscript after EndOfStream.
	// Default: 2s
	CloseGrace time.Duration
}

// DefaultManagerConfig returns the default socket configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Start: stt.StartOptions{
			Language:       "en",
			OperatingPoint: "enhanced",
			SampleRate:     16000,
			EnablePartials: true,
		},
		HandshakeTimeout: 10 * time.Second,
		QuotaCooldown:    10 * time.Second,
		QuotaWindow:      15 * time.Second,
		ReconnectSpacing: 1500 * time.Millisecond,
		CloseGrace:       2 * time.Second,
	}
}

// ManagerDeps are the collaborators of a Manager.
type ManagerDeps struct {
	Clock       *Clock
	Dialer      stt.Dialer
	Credentials stt.CredentialSource
	// Handler is the initial message handler, restored on reconnect when
	// no other handler was set.
	Handler  MessageHandler
	Logger   *slog.Logger
	Reporter errorreport.Reporter
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	// Sleep waits d or until ctx ends. Default: a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager owns one provider socket at a time and drives it through
// authentication, handshake, streaming, and the closing sequence. Each
// socket gets its own event-loop goroutine; the read loop only decodes
// frames and posts them to it.
type Manager struct {
	cfg      ManagerConfig
	clock    *Clock
	dialer   stt.Dialer
	creds    stt.CredentialSource
	logger   *slog.Logger
	reporter errorreport.Reporter
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error

	// sendMu orders audio writes against the Active to Closing transition so
	// no frame follows EndOfStream.
	sendMu sync.Mutex

	mu           sync.Mutex
	state        SessionState
	sock         *socket
	current      MessageHandler
	initial      MessageHandler
	lastSet      MessageHandler
	onConnection func(bool)
	onError      func(error)
}

// NewManager creates a manager in the Idle state.
func NewManager(cfg ManagerConfig, deps ManagerDeps) (*Manager, error) {
	if deps.Clock == nil {
		return nil, fmt.Errorf("connection clock is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	def := DefaultManagerConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.QuotaCooldown <= 0 {
		cfg.QuotaCooldown = def.QuotaCooldown
	}
	if cfg.QuotaWindow <= 0 {
		cfg.QuotaWindow = def.QuotaWindow
	}
	if cfg.ReconnectSpacing < 0 {
		cfg.ReconnectSpacing = 0
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = def.CloseGrace
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = stt.EndpointForLanguage(stt.DefaultEndpoint, cfg.Start.Language)
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
	return &Manager{
		cfg:      cfg,
		clock:    deps.Clock,
		dialer:   deps.Dialer,
		creds:    deps.Credentials,
		logger:   deps.Logger,
		reporter: deps.Reporter,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		sleep:    deps.Sleep,
		state:    StateIdle,
		initial:  deps.Handler,
		current:  deps.Handler,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the socket state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the socket is Active.
func (m *Manager) IsConnected() bool {
	return m.State() == StateActive
}

// SetHandler replaces the current message handler. The handler is also
// remembered and restored by the next successful connect.
func (m *Manager) SetHandler(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = h
	m.lastSet = h
}

// SetCallbacks installs the connection and error callbacks.
func (m *Manager) SetCallbacks(onConnection func(bool), onError func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnection = onConnection
	m.onError = onError
}

// setStateLocked is the only place the socket state changes.
func (m *Manager) setStateLocked(to SessionState) {
	if m.state == to {
		return
	}
	m.logger.Debug("session state", "from", m.state.String(), "to", to.String())
	m.state = to
}

func (m *Manager) setState(to SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(to)
}

// Connect opens a socket for the attempt identified by token and returns once
// the handshake is acknowledged. pending, if non-nil, is awaited first. An
// attempt whose token goes stale returns a Superseded error; a socket it
// already opened stays with the clock's tracker for the superseding call to
// sweep.
func (m *Manager) Connect(ctx context.Context, token uint64, pending *PendingDisconnect) (err error) {
	ctx, span := m.tracer.Start(ctx, "connection.connect", trace.WithAttributes(
		attribute.Int64("token", int64(token)),
	))
	outcome := metrics.OutcomeConnected
	defer func() {
		switch {
		case err == nil:
		case core.IsSuperseded(err):
			outcome = metrics.OutcomeSuperseded
		case core.IsType(err, core.ErrConnectionTimeout):
			outcome = metrics.OutcomeTimeout
		case core.IsType(err, core.ErrProviderQuotaExceeded):
			outcome = metrics.OutcomeQuota
		case core.IsType(err, core.ErrAuthUnavailable):
			outcome = metrics.OutcomeAuth
		default:
			outcome = metrics.OutcomeError
		}
		m.metrics.RecordConnectAttempt(outcome)
		span.SetAttributes(attribute.String("outcome", outcome))
		if err != nil && !core.IsSuperseded(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.mu.Lock()
	switch m.state {
	case StateIdle, StateClosed:
		m.setStateLocked(StateAuthenticating)
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("connect while %s", state)
	}
	m.mu.Unlock()

	if err := m.prepare(ctx, token, pending); err != nil {
		m.setState(StateClosed)
		return err
	}

	if m.creds == nil {
		m.setState(StateClosed)
		return core.NewAuthUnavailableError("no credential source configured", stt.ErrNoCredential)
	}
	cred, err := m.creds.Credential(ctx)
	if err != nil {
		m.setState(StateClosed)
		return core.NewAuthUnavailableError("provider credential unavailable", err)
	}
	if !m.clock.IsValid(token) {
		m.setState(StateClosed)
		return core.NewSupersededError("authenticate")
	}

	m.setState(StateOpening)
	conn, err := m.dialer.Dial(ctx, m.cfg.Endpoint, cred)
	if err != nil {
		m.setState(StateClosed)
		if errors.Is(err, stt.ErrNoCredential) {
			return core.NewAuthUnavailableError("provider credential unavailable", err)
		}
		return core.NewTransportError("open", err)
	}
	if !m.clock.Sockets().Register(token, conn) {
		m.setState(StateClosed)
		return core.NewSupersededError("open")
	}
	if !m.clock.IsValid(token) {
		m.setState(StateClosed)
		return core.NewSupersededError("open")
	}

	s := newSocket(conn, token, m.clock.Now())
	m.mu.Lock()
	m.sock = s
	m.mu.Unlock()

	s.events <- event{kind: evOpened}
	go m.readLoop(s)
	go m.loop(s)

	select {
	case err = <-s.result:
	case <-ctx.Done():
		s.post(event{kind: evAbort, err: ctx.Err()})
		err = <-s.result
	}
	if err != nil {
		if !core.IsSuperseded(err) && !m.clock.IsValid(token) {
			m.logger.Debug("handshake failed after supersession", "token", token, "error", err)
			return core.NewSupersededError("handshake")
		}
		return err
	}
	if !m.clock.IsValid(token) {
		return core.NewSupersededError("handshake")
	}
	return nil
}

// prepare runs the pre-socket guards: pending disconnect, quota cooldown and
// reconnect spacing, re-checking the token after every wait.
func (m *Manager) prepare(ctx context.Context, token uint64, pending *PendingDisconnect) error {
	if err := pending.Wait(ctx); err != nil {
		return err
	}
	if !m.clock.IsValid(token) {
		return core.NewSupersededError("await_disconnect")
	}

	m.clock.Refresh(ctx)

	if quotaAt := m.clock.LastQuotaError(); !quotaAt.IsZero() {
		age := m.clock.Now().Sub(quotaAt)
		if age <= m.cfg.QuotaWindow {
			if wait := m.cfg.QuotaCooldown - age; wait > 0 {
				m.logger.Info("quota cooldown", "token", token, "wait", wait)
				if err := m.sleep(ctx, wait); err != nil {
					return err
				}
			}
		} else {
			m.logger.Debug("discarding stale quota error", "age", age)
		}
		m.clock.ClearQuotaError()
		if !m.clock.IsValid(token) {
			return core.NewSupersededError("quota_cooldown")
		}
	}

	if last := m.clock.LastDisconnect(); !last.IsZero() && m.cfg.ReconnectSpacing > 0 {
		if wait := m.cfg.ReconnectSpacing - m.clock.Now().Sub(last); wait > 0 {
			m.logger.Debug("reconnect spacing", "token", token, "wait", wait)
			if err := m.sleep(ctx, wait); err != nil {
				return err
			}
			if !m.clock.IsValid(token) {
				return core.NewSupersededError("reconnect_spacing")
			}
		}
	}
	return nil
}

// Send writes one audio frame. It is a no-op unless the session is Active.
func (m *Manager) Send(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.state != StateActive || m.sock == nil {
		m.mu.Unlock()
		return nil
	}
	s := m.sock
	m.mu.Unlock()

	if err := s.conn.WriteAudio(pcm); err != nil {
		if errors.Is(err, stt.ErrConnClosed) {
			return nil
		}
		return core.NewTransportError("send", err)
	}
	s.sent.Add(1)
	m.metrics.RecordAudio(len(pcm))
	return nil
}

// Disconnect runs the closing sequence: EndOfStream if the socket is still
// open, then a normal close once the provider finishes or CloseGrace ends.
// force skips the grace wait. It returns when the socket is Closed or ctx
// ends.
func (m *Manager) Disconnect(ctx context.Context, force bool) error {
	m.sendMu.Lock()
	m.mu.Lock()
	s := m.sock
	fromActive := m.state == StateActive
	if fromActive {
		m.setStateLocked(StateClosing)
	}
	m.mu.Unlock()
	m.sendMu.Unlock()

	if s == nil {
		return nil
	}
	done := make(chan struct{})
	if !s.post(event{kind: evDisconnect, force: force, done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) readLoop(s *socket) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.post(event{kind: evClosed, err: err})
			return
		}
		msg, err := stt.DecodeServerMessage(data, m.clock.Now())
		if err != nil {
			m.logger.Debug("dropping undecodable provider frame", "error", err)
			continue
		}
		if !s.post(event{kind: evMessage, msg: msg}) {
			return
		}
	}
}

// loop is the per-socket state machine.
func (m *Manager) loop(s *socket) {
	defer close(s.done)
	defer s.resolve(core.NewTransportError("handshake", errors.New("socket loop ended")))

	var (
		timer       *time.Timer
		timerActive bool
		waiters     []chan struct{}
	)
	stopTimer := func() {
		if timer != nil && timerActive {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timerActive = false
	}
	resetTimer := func(d time.Duration) {
		stopTimer()
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		timerActive = true
	}
	timerCh := func() <-chan time.Time {
		if timer == nil || !timerActive {
			return nil
		}
		return timer.C
	}
	defer stopTimer()

	finish := func() {
		for _, w := range waiters {
			close(w)
		}
		waiters = nil
	}

	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case evOpened:
				if err := s.conn.WriteJSON(stt.NewStartRecognition(m.cfg.Start)); err != nil {
					m.failHandshake(s, core.NewTransportError("start_recognition", err))
					return
				}
				m.setState(StateAwaitingHandshakeAck)
				resetTimer(m.cfg.HandshakeTimeout)

			case evMessage:
				if m.handleMessage(s, ev.msg, stopTimer) {
					finish()
					return
				}

			case evClosed:
				stopTimer()
				m.handleClosed(s, ev.err)
				finish()
				return

			case evDisconnect:
				if ev.done != nil {
					waiters = append(waiters, ev.done)
				}
				switch m.State() {
				case StateOpening, StateAwaitingHandshakeAck:
					stopTimer()
					m.failHandshake(s, core.NewSupersededError("handshake"))
					finish()
					return
				case StateClosing:
					if s.closing {
						if ev.force {
							m.closeSocket(s)
							finish()
							return
						}
						continue
					}
					s.closing = true
					eos := stt.NewEndOfStream(int(s.sent.Load()))
					if err := s.conn.WriteJSON(eos); err != nil || ev.force {
						m.closeSocket(s)
						finish()
						return
					}
					resetTimer(m.cfg.CloseGrace)
				}

			case evAbort:
				if m.State() != StateActive {
					stopTimer()
					m.failHandshake(s, ev.err)
					finish()
					return
				}
			}

		case <-timerCh():
			timerActive = false
			switch m.State() {
			case StateAwaitingHandshakeAck:
				m.failHandshake(s, core.NewConnectionTimeoutError(m.cfg.HandshakeTimeout))
				finish()
				return
			case StateClosing:
				m.logger.Debug("close grace elapsed without EndOfTranscript", "token", s.token)
				m.closeSocket(s)
				finish()
				return
			}
		}
	}
}

// handleMessage processes one provider message and reports whether the
// socket is finished.
func (m *Manager) handleMessage(s *socket, msg stt.ServerMessage, stopTimer func()) bool {
	state := m.State()
	switch msg.Kind {
	case stt.KindRecognitionStarted:
		if state != StateAwaitingHandshakeAck {
			return false
		}
		stopTimer()
		m.activate(s, msg.SessionID)
		return false

	case stt.KindAudioAdded:
		s.acked.Store(int64(msg.SeqNo))
		return false

	case stt.KindError:
		if msg.IsQuotaError() {
			s.quota = true
		}
		if state == StateAwaitingHandshakeAck {
			stopTimer()
			var err error
			if s.quota {
				m.clock.RecordQuotaError()
				m.metrics.RecordQuotaClose()
				err = core.NewQuotaExceededError(msg.ErrorType, msg.Reason)
			} else {
				err = core.NewTransportError("handshake", fmt.Errorf("%s: %s", msg.ErrorType, msg.Reason))
			}
			m.failHandshake(s, err)
			return true
		}
		m.logger.Warn("provider error", "token", s.token, "type", msg.ErrorType, "reason", msg.Reason)
		return false

	case stt.KindWarning, stt.KindInfo:
		m.logger.Debug("provider notice", "kind", msg.Kind.String(), "type", msg.ErrorType, "reason", msg.Reason)
		return false

	case stt.KindEndOfTranscript:
		m.dispatch(msg)
		if state == StateClosing {
			m.closeSocket(s)
			return true
		}
		return false
	}

	if state == StateActive || state == StateClosing {
		m.dispatch(msg)
	}
	return false
}

func (m *Manager) activate(s *socket, sessionID string) {
	now := m.clock.Now()
	m.mu.Lock()
	m.setStateLocked(StateActive)
	if m.lastSet != nil {
		m.current = m.lastSet
	} else {
		m.current = m.initial
	}
	onConnection := m.onConnection
	m.mu.Unlock()

	s.activeAt = now
	m.metrics.ObserveHandshake(now.Sub(s.openedAt))
	m.metrics.RecordSessionStart()
	m.logger.Info("provider session active", "token", s.token, "session_id", sessionID)
	s.resolve(nil)

	if onConnection != nil && m.clock.IsValid(s.token) {
		onConnection(true)
	}
}

// dispatch hands msg to the current handler, isolating handler panics.
func (m *Manager) dispatch(msg stt.ServerMessage) {
	m.mu.Lock()
	h := m.current
	m.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err := core.NewHandlerError(r)
			m.logger.Error("message handler failed", "kind", msg.Kind.String(), "error", err)
			m.reporter.Report(context.Background(), err, errorreport.Tags{
				errorreport.TagModule:    "session",
				errorreport.TagOperation: "handle_message",
				"message":                msg.Name,
			})
		}
	}()
	h(msg)
}

// failHandshake rejects Connect and force-closes the socket.
func (m *Manager) failHandshake(s *socket, err error) {
	_ = s.conn.CloseWithCode(stt.CloseNormal, "")
	m.clock.Sockets().Release(s.conn)
	m.clock.RecordDisconnect()
	m.mu.Lock()
	m.setStateLocked(StateClosed)
	if m.sock == s {
		m.sock = nil
	}
	m.mu.Unlock()
	if !core.IsSuperseded(err) {
		m.logger.Warn("connect failed", "token", s.token, "error", err)
	}
	s.resolve(err)
}

// closeSocket completes the closing sequence with a normal close.
func (m *Manager) closeSocket(s *socket) {
	if err := s.conn.CloseWithCode(stt.CloseNormal, ""); err != nil {
		m.logger.Debug("close socket", "token", s.token, "error", err)
	}
	m.released(s)
}

// released moves to Closed after the socket is gone.
func (m *Manager) released(s *socket) {
	m.clock.Sockets().Release(s.conn)
	m.clock.RecordDisconnect()
	if !s.activeAt.IsZero() {
		m.metrics.RecordSessionEnd(m.clock.Now().Sub(s.activeAt))
	}
	m.mu.Lock()
	m.setStateLocked(StateClosed)
	m.current = nil
	if m.sock == s {
		m.sock = nil
	}
	m.mu.Unlock()
	m.logger.Info("provider session closed", "token", s.token, "audio_frames", s.sent.Load(), "acked", s.acked.Load())
}

// handleClosed handles the read loop ending.
func (m *Manager) handleClosed(s *socket, err error) {
	code, reason, _ := stt.CloseCode(err)
	quota := s.quota || code == stt.CloseQuotaExceeded

	state := m.State()
	switch state {
	case StateOpening, StateAwaitingHandshakeAck:
		if quota {
			m.clock.RecordQuotaError()
			m.metrics.RecordQuotaClose()
			m.failHandshake(s, core.NewQuotaExceededError(strconv.Itoa(code), reason))
			return
		}
		m.failHandshake(s, core.NewTransportError("handshake", err))
		return

	case StateClosing:
		m.released(s)
		return
	}

	// The socket dropped while Active.
	m.mu.Lock()
	onConnection, onError := m.onConnection, m.onError
	m.mu.Unlock()
	valid := m.clock.IsValid(s.token)

	switch {
	case !valid && !quota:
		// Swept after being superseded.
		m.logger.Debug("superseded socket closed", "token", s.token)
	case quota:
		m.clock.RecordQuotaError()
		m.metrics.RecordQuotaClose()
		qerr := core.NewQuotaExceededError(strconv.Itoa(code), reason)
		m.logger.Warn("provider closed session for quota", "token", s.token)
		m.reporter.Report(context.Background(), qerr, errorreport.Tags{
			errorreport.TagModule:    "session",
			errorreport.TagOperation: "socket_closed",
		})
	case !stt.IsNormalClose(err):
		terr := core.NewTransportError("socket_closed", err)
		m.logger.Warn("provider socket lost", "token", s.token, "error", err)
		m.reporter.Report(context.Background(), terr, errorreport.Tags{
			errorreport.TagModule:    "session",
			errorreport.TagOperation: "socket_closed",
		})
		if onError != nil {
			onError(terr)
		}
	}
	_ = s.conn.CloseWithCode(stt.CloseNormal, "")
	m.released(s)
	if onConnection != nil && valid {
		onConnection(false)
	}
}
