package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/config"
	"github.com/vango-go/vai-voice/pkg/connection"
	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/metrics"
)

// scriptedConn answers the handshake and, unless holdEOS is set, EndOfStream.
type scriptedConn struct {
	holdEOS bool

	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	sawEOS bool
	audio  int
}

func newScriptedConn(holdEOS bool) *scriptedConn {
	return &scriptedConn{holdEOS: holdEOS, inbox: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *scriptedConn) WriteJSON(v any) error {
	switch v.(type) {
	case stt.StartRecognition:
		c.inbox <- []byte(`{"message":"RecognitionStarted","id":"cli-1"}`)
	case stt.EndOfStream:
		c.mu.Lock()
		c.sawEOS = true
		c.mu.Unlock()
		if !c.holdEOS {
			c.inbox <- []byte(`{"message":"EndOfTranscript"}`)
		}
	}
	return nil
}

func (c *scriptedConn) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio++
	return nil
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return stt.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *scriptedConn) CloseWithCode(int, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type scriptedDialer struct {
	holdEOS bool

	mu    sync.Mutex
	conns []*scriptedConn
}

func (d *scriptedDialer) Dial(context.Context, string, stt.Credential) (stt.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newScriptedConn(d.holdEOS)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptedDialer) last() *scriptedConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeMic struct {
	mu      sync.Mutex
	sink    func([]byte) error
	started chan struct{}
	muted   bool
	stopped bool
}

func newFakeMic() *fakeMic {
	return &fakeMic{started: make(chan struct{})}
}

func (m *fakeMic) Start(sink func([]byte) error) error {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
	close(m.started)
	return nil
}

func (m *fakeMic) Mute() {
	m.mu.Lock()
	m.muted = true
	m.mu.Unlock()
}

func (m *fakeMic) Stop(context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) feed(pcm []byte) error {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	return sink(pcm)
}

func testConfig() config.Config {
	session := connection.DefaultSessionConfig()
	session.DisableTTS = true
	return config.Config{
		LogLevel:         slog.LevelDebug,
		STTAPIKey:        "sk_test",
		Session:          session,
		HandshakeTimeout: time.Second,
		QuotaCooldown:    10 * time.Second,
		QuotaWindow:      15 * time.Second,
		ReconnectSpacing: time.Millisecond,
		CloseGrace:       5 * time.Second,
		TurnModel:        config.TurnModelHeuristic,
	}
}

// signalPipe captures the channel runVoice registers for signals.
type signalPipe struct {
	mu sync.Mutex
	ch chan<- os.Signal
}

func (p *signalPipe) notify(c chan<- os.Signal, _ ...os.Signal) {
	p.mu.Lock()
	p.ch = c
	p.mu.Unlock()
}

func (p *signalPipe) send(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		t.Fatal("signal channel not registered")
	}
	ch <- os.Interrupt
}

func testDeps(dialer stt.Dialer, mic *fakeMic, sig *signalPipe) voiceDeps {
	return voiceDeps{
		loadConfig: func() (config.Config, error) { return testConfig(), nil },
		openAudio: func(config.Config, *slog.Logger) (*audioIO, error) {
			return &audioIO{mic: mic}, nil
		},
		dialer:       dialer,
		signalNotify: sig.notify,
		signalStop:   func(chan<- os.Signal) {},
	}
}

func waitStarted(t *testing.T, mic *fakeMic) {
	t.Helper()
	select {
	case <-mic.started:
	case <-time.After(2 * time.Second):
		t.Fatal("microphone never started")
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), io.Discard, &stderr, voiceDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		openAudio: func(config.Config, *slog.Logger) (*audioIO, error) {
			t.Fatalf("openAudio should not be called when config load fails")
			return nil, nil
		},
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want the config error", got)
	}
}

func TestRunMain_ReturnsNonZeroWhenEnvLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), io.Discard, &stderr, voiceDeps{
		loadEnv: func() error { return errors.New("bad .env line 3") },
		loadConfig: func() (config.Config, error) {
			t.Fatalf("loadConfig should not be called when .env fails")
			return config.Config{}, nil
		},
	})
	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
}

func TestNewLogger_JSONWhenNotTerminal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelWarn)
	logger.Info("hidden")
	logger.Warn("shown", "token", 7)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "shown" {
		t.Fatalf("msg=%v, want shown", rec["msg"])
	}
}

func TestBuildMetricsServer_ServesMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New("test_cli")
	m.RecordTurn("end_of_utterance")
	srv := buildMetricsServer("127.0.0.1:0", m.Handler())
	if srv.ReadHeaderTimeout <= 0 {
		t.Fatal("ReadHeaderTimeout not set")
	}

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), "test_cli_") {
		t.Fatalf("metrics body missing namespace: %q", body)
	}
}

func TestRunVoice_SignalDisconnectsGracefully(t *testing.T) {
	t.Parallel()

	dialer := &scriptedDialer{}
	mic := newFakeMic()
	sig := &signalPipe{}
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- runVoice(context.Background(), slog.New(slog.DiscardHandler), &out, testConfig(), testDeps(dialer, mic, sig))
	}()

	waitStarted(t, mic)
	if err := mic.feed(make([]byte, 640)); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	sig.send(t)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runVoice error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runVoice did not return after signal")
	}

	conn := dialer.last()
	conn.mu.Lock()
	sawEOS, frames := conn.sawEOS, conn.audio
	conn.mu.Unlock()
	if !sawEOS {
		t.Fatal("graceful disconnect sent no EndOfStream")
	}
	if frames != 1 {
		t.Fatalf("audio frames=%d, want 1", frames)
	}
	mic.mu.Lock()
	defer mic.mu.Unlock()
	if !mic.muted || !mic.stopped {
		t.Fatalf("mic muted=%v stopped=%v, want both", mic.muted, mic.stopped)
	}
}

func TestRunVoice_SecondSignalForcesDisconnect(t *testing.T) {
	t.Parallel()

	// The provider never confirms EndOfStream, so only the forced path can
	// finish before the close grace.
	dialer := &scriptedDialer{holdEOS: true}
	mic := newFakeMic()
	sig := &signalPipe{}

	done := make(chan error, 1)
	go func() {
		done <- runVoice(context.Background(), slog.New(slog.DiscardHandler), io.Discard, testConfig(), testDeps(dialer, mic, sig))
	}()

	waitStarted(t, mic)
	sig.send(t)
	conn := dialer.last()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.mu.Lock()
		saw := conn.sawEOS
		conn.mu.Unlock()
		if saw {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("graceful disconnect never sent EndOfStream")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sig.send(t)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runVoice error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("forced disconnect did not finish before the close grace")
	}
	if !conn.isClosed() {
		t.Fatal("socket left open after forced disconnect")
	}
}

func TestRunVoice_ContextCancelDisconnects(t *testing.T) {
	t.Parallel()

	dialer := &scriptedDialer{}
	mic := newFakeMic()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- runVoice(ctx, slog.New(slog.DiscardHandler), io.Discard, testConfig(), testDeps(dialer, mic, &signalPipe{}))
	}()
	waitStarted(t, mic)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("runVoice error = %v, want canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runVoice did not return after cancel")
	}
	if !dialer.last().isClosed() {
		t.Fatal("socket left open after cancel")
	}
}

func TestBuildHistoryStore(t *testing.T) {
	t.Parallel()

	store, closeFn, err := buildHistoryStore(config.Config{})
	if err != nil || store != nil {
		t.Fatalf("store=%v err=%v, want none without a URL", store, err)
	}
	closeFn()

	if _, _, err := buildHistoryStore(config.Config{RedisURL: "not a url"}); err == nil {
		t.Fatal("bad redis url accepted")
	}

	store, closeFn, err = buildHistoryStore(config.Config{RedisURL: "redis://127.0.0.1:6379/2", RedisPrefix: "t", RedisTTL: time.Minute})
	if err != nil {
		t.Fatalf("buildHistoryStore error = %v", err)
	}
	defer closeFn()
	if _, ok := store.(*connection.RedisHistory); !ok {
		t.Fatalf("store=%T, want *connection.RedisHistory", store)
	}
}

func TestPlaybackFactory_RequiresOutput(t *testing.T) {
	t.Parallel()

	factory := playbackFactory(nil, slog.New(slog.DiscardHandler))
	if _, err := factory(testConfig().Session.TTS); err == nil {
		t.Fatal("playback built without an audio output")
	}
}
