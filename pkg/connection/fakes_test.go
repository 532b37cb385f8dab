package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
	"github.com/vango-go/vai-voice/pkg/errorreport"
)

const (
	msgStarted       = `{"message":"RecognitionStarted","id":"sess-1"}`
	msgEndTranscript = `{"message":"EndOfTranscript"}`
	msgQuotaError    = `{"message":"Error","type":"quota_exceeded","reason":"concurrent session limit"}`
)

var errLocalClose = errors.New("use of closed network connection")

// fakeConn is an in-memory provider socket. onControl scripts the provider's
// replies to control messages.
type fakeConn struct {
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu            sync.Mutex
	control       []any
	audio         [][]byte
	closeCodes    []int
	readErr       error
	sawEOS        bool
	audioAfterEOS int
	onControl     func(c *fakeConn, v any)
}

func newFakeConn(onControl func(c *fakeConn, v any)) *fakeConn {
	return &fakeConn{
		inbox:     make(chan []byte, 64),
		closed:    make(chan struct{}),
		onControl: onControl,
	}
}

// autoAck acknowledges the handshake and answers EndOfStream.
func autoAck(c *fakeConn, v any) {
	switch v.(type) {
	case stt.StartRecognition:
		c.push(msgStarted)
	case stt.EndOfStream:
		c.push(msgEndTranscript)
	}
}

// silent never answers.
func silent(*fakeConn, any) {}

func (c *fakeConn) push(msg string) {
	c.inbox <- []byte(msg)
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return stt.ErrConnClosed
	default:
	}
	c.mu.Lock()
	c.control = append(c.control, v)
	if _, ok := v.(stt.EndOfStream); ok {
		c.sawEOS = true
	}
	hook := c.onControl
	c.mu.Unlock()
	if hook != nil {
		hook(c, v)
	}
	return nil
}

func (c *fakeConn) WriteAudio(pcm []byte) error {
	select {
	case <-c.closed:
		return stt.ErrConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sawEOS {
		c.audioAfterEOS++
	}
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbox:
		return stt.TextMessage, data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *fakeConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	c.closeCodes = append(c.closeCodes, code)
	if c.readErr == nil {
		c.readErr = errLocalClose
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
	return nil
}

// remoteClose simulates the provider closing with code.
func (c *fakeConn) remoteClose(code int, text string) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = &websocket.CloseError{Code: code, Text: text}
	}
	c.mu.Unlock()
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) controlMessages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.control...)
}

func (c *fakeConn) audioFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *fakeConn) framesAfterEOS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioAfterEOS
}

// fakeDialer hands out fakeConns built by script, one per dial.
type fakeDialer struct {
	script func(c *fakeConn, v any)
	// scripts overrides script for the first dials, by index.
	scripts []func(c *fakeConn, v any)
	err     error
	// onDial runs inside Dial before it returns.
	onDial func()

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, cred stt.Credential) (stt.Conn, error) {
	if d.onDial != nil {
		d.onDial()
	}
	if d.err != nil {
		return nil, d.err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	script := d.script
	if i := len(d.conns); i < len(d.scripts) {
		script = d.scripts[i]
	}
	c := newFakeConn(script)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type failingCredentials struct{}

func (failingCredentials) Credential(context.Context) (stt.Credential, error) {
	return stt.Credential{}, errors.New("key exchange refused")
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// recordingSleep returns at once, advancing the fake clock by the wait.
type recordingSleep struct {
	clock *fakeClock

	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	if r.clock != nil {
		r.clock.Advance(d)
	}
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// fakeReporter records reported errors.
type fakeReporter struct {
	mu   sync.Mutex
	errs []error
	tags []errorreport.Tags
}

func (r *fakeReporter) Report(_ context.Context, err error, tags errorreport.Tags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func (r *fakeReporter) reported() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
