package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gen2brain/malgo"
)

func TestFramer_SplitsAcrossWrites(t *testing.T) {
	f := framer{size: 4}
	var frames [][]byte
	emit := func(b []byte) { frames = append(frames, b) }

	f.push([]byte{1, 2, 3}, emit)
	if len(frames) != 0 {
		t.Fatalf("frames=%d, want 0", len(frames))
	}
	f.push([]byte{4, 5, 6, 7, 8, 9}, emit)
	if len(frames) != 2 {
		t.Fatalf("frames=%d, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], []byte{1, 2, 3, 4}) || !bytes.Equal(frames[1], []byte{5, 6, 7, 8}) {
		t.Fatalf("frames=%v", frames)
	}
	if !bytes.Equal(f.buf, []byte{9}) {
		t.Fatalf("tail=%v, want [9]", f.buf)
	}
}

func TestCaptureConfig_FrameBytes(t *testing.T) {
	cfg := DefaultCaptureConfig()
	if got := cfg.frameBytes(); got != 640 {
		t.Fatalf("frameBytes=%d, want 640 (20ms at 16kHz s16)", got)
	}
}

func startPump(t *testing.T, c *Capture, sink func([]byte) error) {
	t.Helper()
	c.frames = make(chan []byte, c.cfg.QueueFrames)
	c.done = make(chan struct{})
	go c.pump(c.frames, c.done, sink)
	t.Cleanup(func() {
		c.mu.Lock()
		if !c.stopped {
			c.stopped = true
			close(c.frames)
		}
		c.mu.Unlock()
		<-c.done
	})
}

func TestCapture_MuteStopsDelivery(t *testing.T) {
	c := NewCapture(nil, CaptureConfig{SampleRate: 1000, FrameMillis: 2, QueueFrames: 8}, slog.New(slog.DiscardHandler))
	var (
		mu  sync.Mutex
		got int
	)
	startPump(t, c, func([]byte) error {
		mu.Lock()
		got++
		mu.Unlock()
		return nil
	})

	c.onData(make([]byte, 8)) // two 4-byte frames
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := got
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered=%d, want 2", n)
		}
		time.Sleep(time.Millisecond)
	}

	c.Mute()
	c.onData(make([]byte, 8))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if got != 2 {
		t.Fatalf("delivered=%d after mute, want 2", got)
	}
}

func TestCapture_DropsWhenSinkFallsBehind(t *testing.T) {
	c := NewCapture(nil, CaptureConfig{SampleRate: 1000, FrameMillis: 2, QueueFrames: 1}, slog.New(slog.DiscardHandler))
	release := make(chan struct{})
	startPump(t, c, func([]byte) error {
		<-release
		return errors.New("closed")
	})
	c.onData(make([]byte, 40))
	close(release)
	if c.Dropped() == 0 {
		t.Fatal("no frames dropped with a blocked sink")
	}
}

func TestCapture_StopWithoutStart(t *testing.T) {
	c := NewCapture(nil, CaptureConfig{}, nil)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDevices_ReenumerateAndFind(t *testing.T) {
	lists := [][]Device{
		{{Name: "Built-in Microphone", Default: true}},
		{{Name: "Built-in Microphone", Default: true}, {Name: "USB Headset Mic"}},
	}
	calls := 0
	d := &Devices{
		logger: slog.New(slog.DiscardHandler),
		list: func(kind malgo.DeviceType) ([]Device, error) {
			if kind != malgo.Capture {
				t.Fatalf("kind=%v, want capture", kind)
			}
			l := lists[calls]
			calls++
			return l, nil
		},
	}

	if err := d.Reenumerate(context.Background()); err != nil {
		t.Fatalf("Reenumerate: %v", err)
	}
	if _, ok := d.Find("headset"); ok {
		t.Fatal("found headset before it was plugged in")
	}
	if err := d.Reenumerate(context.Background()); err != nil {
		t.Fatalf("Reenumerate: %v", err)
	}
	dev, ok := d.Find("headset")
	if !ok || dev.Name != "USB Headset Mic" {
		t.Fatalf("Find=%+v,%v, want USB Headset Mic", dev, ok)
	}
	if n := len(d.Inputs()); n != 2 {
		t.Fatalf("inputs=%d, want 2", n)
	}
}

func TestDevices_ReenumerateFailureKeepsList(t *testing.T) {
	d := &Devices{
		logger: slog.New(slog.DiscardHandler),
		inputs: []Device{{Name: "mic"}},
		list: func(malgo.DeviceType) ([]Device, error) {
			return nil, errors.New("backend busy")
		},
	}
	if err := d.Reenumerate(context.Background()); err == nil {
		t.Fatal("Reenumerate error = nil, want failure")
	}
	if n := len(d.Inputs()); n != 1 {
		t.Fatalf("inputs=%d, want previous list kept", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Reenumerate(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want canceled", err)
	}
}

type fakePlayer struct {
	r      io.Reader
	mu     sync.Mutex
	played bool
	paused bool
	closed bool
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	p.played = true
	p.mu.Unlock()
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *fakePlayer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func newTestSpeaker() (*Speaker, *[]*fakePlayer) {
	var players []*fakePlayer
	s := newSpeaker(func(r io.Reader) player {
		p := &fakePlayer{r: r}
		players = append(players, p)
		return p
	})
	return s, &players
}

func TestSpeaker_WriteStartsPlayerOnce(t *testing.T) {
	s, players := newTestSpeaker()
	if err := s.Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write([]byte{3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(*players) != 1 || !(*players)[0].played {
		t.Fatalf("players=%d, want one playing", len(*players))
	}

	buf := make([]byte, 3)
	n, err := (*players)[0].r.Read(buf)
	if err != nil || n != 3 || !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Fatalf("Read=%d,%v,%v", n, err, buf)
	}
	if s.Buffered() != 1 {
		t.Fatalf("buffered=%d, want 1", s.Buffered())
	}
}

func TestSpeaker_FlushRetiresPlayer(t *testing.T) {
	s, players := newTestSpeaker()
	_ = s.Write([]byte{1, 2, 3, 4})
	old := (*players)[0]

	readDone := make(chan error, 1)
	// Drain, then block waiting for more audio.
	_, _ = old.r.Read(make([]byte, 4))
	go func() {
		_, err := old.r.Read(make([]byte, 4))
		readDone <- err
	}()

	s.Flush()
	if !old.paused || !old.closed {
		t.Fatal("flush did not stop the player")
	}
	select {
	case err := <-readDone:
		if err != io.EOF {
			t.Fatalf("stale read err=%v, want EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale read still blocked after flush")
	}

	_ = s.Write([]byte{9, 9})
	if len(*players) != 2 {
		t.Fatalf("players=%d, want a fresh player after flush", len(*players))
	}
	buf := make([]byte, 2)
	if n, _ := (*players)[1].r.Read(buf); n != 2 || buf[0] != 9 {
		t.Fatalf("new player read %v", buf[:n])
	}
}

func TestSpeaker_CloseIsIdempotent(t *testing.T) {
	s, players := newTestSpeaker()
	_ = s.Write([]byte{1, 2})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !(*players)[0].closed {
		t.Fatal("player not closed")
	}
	if err := s.Write([]byte{1}); !errors.Is(err, ErrSpeakerClosed) {
		t.Fatalf("Write after close err=%v, want ErrSpeakerClosed", err)
	}
}

func TestDevices_ReenumerateAfterClose(t *testing.T) {
	d := &Devices{
		logger: slog.New(slog.DiscardHandler),
		list: func(malgo.DeviceType) ([]Device, error) {
			t.Fatal("backend listed after close")
			return nil, nil
		},
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Reenumerate(context.Background()); !errors.Is(err, ErrDevicesClosed) {
		t.Fatalf("err=%v, want ErrDevicesClosed", err)
	}
}

func TestPCMFormat_MatchesCaptureAndSpeaker(t *testing.T) {
	f := pcmFormat(24000)
	if f.Channels != 1 || f.BitsPerSample != 16 {
		t.Fatalf("format=%+v, want 16-bit mono", f)
	}
	if got := f.BytesForDurationMs(100); got != 4800 {
		t.Fatalf("100ms at 24kHz=%d bytes, want 4800", got)
	}
}
