package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
)

// Device is one enumerated audio endpoint.
type Device struct {
	ID      malgo.DeviceID
	Name    string
	Default bool
}

// Devices owns the audio backend context and the last enumeration of input
// devices. The lifecycle refreshes it after each disconnect.
type Devices struct {
	logger *slog.Logger
	ctx    *malgo.AllocatedContext
	list   func(kind malgo.DeviceType) ([]Device, error)

	mu     sync.Mutex
	inputs []Device
	closed bool
}

// ErrDevicesClosed is returned by Reenumerate after Close.
var ErrDevicesClosed = errors.New("audio: devices closed")

// NewDevices initializes the audio backend and enumerates input devices.
func NewDevices(logger *slog.Logger) (*Devices, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	actx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	d := &Devices{logger: logger, ctx: actx}
	d.list = func(kind malgo.DeviceType) ([]Device, error) {
		infos, err := actx.Devices(kind)
		if err != nil {
			return nil, err
		}
		out := make([]Device, 0, len(infos))
		for _, info := range infos {
			out = append(out, Device{ID: info.ID, Name: info.Name(), Default: info.IsDefault != 0})
		}
		return out, nil
	}
	if err := d.Reenumerate(context.Background()); err != nil {
		logger.Warn("initial device enumeration failed", "error", err)
	}
	return d, nil
}

func (d *Devices) context() malgo.Context {
	return d.ctx.Context
}

// Reenumerate refreshes the input device list. It fails once Close has run.
func (d *Devices) Reenumerate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDevicesClosed
	}
	inputs, err := d.list(malgo.Capture)
	if err != nil {
		return fmt.Errorf("audio: enumerate input devices: %w", err)
	}
	before := len(d.inputs)
	d.inputs = inputs

	if before != len(inputs) {
		d.logger.Info("input devices changed", "before", before, "after", len(inputs))
	} else {
		d.logger.Debug("input devices refreshed", "count", len(inputs))
	}
	return nil
}

// Inputs returns the last enumeration.
func (d *Devices) Inputs() []Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Device(nil), d.inputs...)
}

// Find returns the first input device whose name contains name, ignoring case.
func (d *Devices) Find(name string) (Device, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dev := range d.inputs {
		if strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, true
		}
	}
	return Device{}, false
}

// Close releases the audio backend. Captures created on it must be stopped first.
func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.ctx == nil {
		return nil
	}
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	return err
}
