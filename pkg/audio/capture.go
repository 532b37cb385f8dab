package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/vango-go/vai-voice/pkg/core/live"
)

// CaptureConfig configures microphone capture. Samples are signed 16-bit
// little-endian mono.
type CaptureConfig struct {
	// Default: 16000
	SampleRate int
	// FrameMillis is the length of each chunk handed to the sink.
	// Default: 20
	FrameMillis int
	// Device is a case-insensitive substring of the input device name.
	// Empty selects the system default.
	Device string
	// QueueFrames is how many frames may wait for the sink before new ones
	// are dropped.
	// Default: 50
	QueueFrames int
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SampleRate:  16000,
		FrameMillis: 20,
		QueueFrames: 50,
	}
}

func (c CaptureConfig) format() live.AudioConfig {
	return pcmFormat(c.SampleRate)
}

func (c CaptureConfig) frameBytes() int {
	return c.format().BytesForDurationMs(c.FrameMillis)
}

// pcmFormat is signed 16-bit mono at sampleRate.
func pcmFormat(sampleRate int) live.AudioConfig {
	f := live.DefaultAudioConfig()
	f.SampleRate = sampleRate
	return f
}

// ErrCaptureStarted is returned by Start on a running capture.
var ErrCaptureStarted = errors.New("audio: capture already started")

// framer cuts an arbitrary byte stream into fixed-size frames.
type framer struct {
	size int
	buf  []byte
}

func (f *framer) push(p []byte, emit func([]byte)) {
	f.buf = append(f.buf, p...)
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		f.buf = f.buf[f.size:]
		emit(frame)
	}
	// Keep the tail in a fresh array so the old one can be released.
	if cap(f.buf) > 4*f.size {
		f.buf = append([]byte(nil), f.buf...)
	}
}

func (f *framer) reset() { f.buf = f.buf[:0] }

// Capture reads the microphone and hands fixed-size frames to a sink on its
// own goroutine, off the audio thread.
type Capture struct {
	cfg     CaptureConfig
	devices *Devices
	logger  *slog.Logger

	muted   atomic.Bool
	dropped atomic.Int64

	mu      sync.Mutex
	device  *malgo.Device
	framer  framer
	frames  chan []byte
	done    chan struct{}
	stopped bool
}

// NewCapture creates a capture on the devices' audio context. It does not
// open the microphone until Start.
func NewCapture(devices *Devices, cfg CaptureConfig, logger *slog.Logger) *Capture {
	def := DefaultCaptureConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameMillis <= 0 {
		cfg.FrameMillis = def.FrameMillis
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = def.QueueFrames
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		cfg:     cfg,
		devices: devices,
		logger:  logger,
		framer:  framer{size: cfg.frameBytes()},
	}
}

// Start opens the input device and delivers frames to sink until Stop. A
// sink error is logged and the frame dropped.
func (c *Capture) Start(sink func([]byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return ErrCaptureStarted
	}
	if c.devices == nil {
		return errors.New("audio: capture has no audio context")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(c.format().Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(c.cfg.FrameMillis)
	if c.cfg.Device != "" {
		info, ok := c.devices.Find(c.cfg.Device)
		if !ok {
			return fmt.Errorf("audio: no input device matching %q", c.cfg.Device)
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
		c.logger.Info("capture device selected", "device", info.Name)
	}

	c.frames = make(chan []byte, c.cfg.QueueFrames)
	c.done = make(chan struct{})
	c.framer.reset()
	c.muted.Store(false)
	c.stopped = false

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.onData(input)
		},
	}
	device, err := malgo.InitDevice(c.devices.context(), deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("audio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start capture device: %w", err)
	}
	c.device = device

	go c.pump(c.frames, c.done, sink)
	return nil
}

func (c *Capture) onData(input []byte) {
	if c.muted.Load() || len(input) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.framer.push(input, c.enqueueLocked)
}

func (c *Capture) enqueueLocked(frame []byte) {
	select {
	case c.frames <- frame:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.logger.Warn("capture queue full, dropping frames",
				"dropped", n,
				"dropped_ms", c.cfg.format().DurationMs(int(n)*len(frame)))
		}
	}
}

func (c *Capture) pump(frames <-chan []byte, done chan<- struct{}, sink func([]byte) error) {
	defer close(done)
	for frame := range frames {
		if c.muted.Load() {
			continue
		}
		if err := sink(frame); err != nil {
			c.logger.Debug("capture sink rejected frame", "error", err)
		}
	}
}

// Mute stops frames reaching the sink at once. The device keeps running.
func (c *Capture) Mute() {
	c.muted.Store(true)
}

func (c *Capture) Unmute() {
	c.muted.Store(false)
}

// Dropped reports frames discarded because the sink fell behind.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

// Stop closes the input device and waits for queued frames to drain. Safe to
// call when not started and more than once.
func (c *Capture) Stop(ctx context.Context) error {
	c.mu.Lock()
	device := c.device
	c.device = nil
	if device == nil || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.frames)
	done := c.done
	c.mu.Unlock()

	err := device.Stop()
	device.Uninit()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("audio: stop capture device: %w", err)
	}
	return nil
}
