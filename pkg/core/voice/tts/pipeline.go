package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Sink receives synthesized PCM for output.
type Sink interface {
	Write(pcm []byte) error
	// Flush drops audio queued but not yet heard.
	Flush()
}

// PlaybackDeps are the collaborators of a Playback.
type PlaybackDeps struct {
	Synthesizer Synthesizer
	Sink        Sink
	Logger      *slog.Logger
}

// ErrPlaybackClosed is returned by Speak after Close.
var ErrPlaybackClosed = errors.New("tts: playback closed")

// Playback speaks text through a synthesizer into a sink. At most one
// utterance plays at a time; a new Speak replaces the current one.
type Playback struct {
	cfg   Config
	synth Synthesizer
	sink  Sink
	log   *slog.Logger

	mu        sync.Mutex
	gen       uint64
	playing   bool
	cancel    context.CancelFunc
	fadeLeft  int // samples remaining in an active fade
	fadeTotal int
	closed    bool
}

// NewPlayback creates a playback pipeline.
func NewPlayback(cfg Config, deps PlaybackDeps) *Playback {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Playback{
		cfg:   cfg,
		synth: deps.Synthesizer,
		sink:  deps.Sink,
		log:   deps.Logger,
	}
}

// Speak synthesizes text and writes it to the sink, returning when the audio
// has been written, playback was stopped, or ctx ends. Stop and Fade are not
// errors.
func (p *Playback) Speak(ctx context.Context, text string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlaybackClosed
	}
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.gen++
	gen := p.gen
	p.cancel = cancel
	p.playing = true
	p.fadeLeft, p.fadeTotal = 0, 0
	p.mu.Unlock()

	defer p.finish(gen, cancel)

	stream, err := p.synth.SynthesizeStream(ctx, text, SynthesizeOptions{
		Voice:      p.cfg.VoiceID,
		ModelID:    p.cfg.ModelID,
		SampleRate: p.cfg.SampleRateOrDefault(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return stream.Err()
			}
			chunk, last := p.shape(gen, chunk)
			if chunk == nil {
				return nil
			}
			if err := p.sink.Write(chunk); err != nil {
				return err
			}
			if last {
				p.Stop()
				return nil
			}
		}
	}
}

func (p *Playback) finish(gen uint64, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen == gen {
		p.playing = false
		p.cancel = nil
	}
}

// shape applies an active fade to chunk. It returns nil when gen is no longer
// current and last=true when the fade has reached silence.
func (p *Playback) shape(gen uint64, chunk []byte) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || !p.playing {
		return nil, false
	}
	if p.fadeTotal == 0 {
		return chunk, false
	}
	out := make([]byte, len(chunk)&^1)
	for i := 0; i+1 < len(chunk); i += 2 {
		gain := float64(p.fadeLeft) / float64(p.fadeTotal)
		s := int16(binary.LittleEndian.Uint16(chunk[i:]))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(float64(s)*gain)))
		if p.fadeLeft > 0 {
			p.fadeLeft--
		}
	}
	return out, p.fadeLeft == 0
}

// IsPlaying reports whether an utterance is in progress.
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Stop ends the current utterance immediately and drops queued audio.
func (p *Playback) Stop() {
	p.mu.Lock()
	wasPlaying := p.playing
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.playing = false
	p.gen++
	p.mu.Unlock()
	if wasPlaying && p.sink != nil {
		p.sink.Flush()
	}
}

// Fade ramps the current utterance down to silence over d, then stops it.
// Playback is stopped after d even if no further audio arrives.
func (p *Playback) Fade(d time.Duration) {
	if d <= 0 {
		p.Stop()
		return
	}
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return
	}
	samples := int(d.Seconds() * float64(p.cfg.SampleRateOrDefault()))
	if samples < 1 {
		samples = 1
	}
	p.fadeLeft, p.fadeTotal = samples, samples
	gen := p.gen
	p.mu.Unlock()

	p.log.Debug("tts fade", "duration", d)
	time.AfterFunc(d, func() {
		p.mu.Lock()
		current := p.gen == gen && p.playing
		p.mu.Unlock()
		if current {
			p.Stop()
		}
	})
}

// Close stops playback and rejects further Speak calls.
func (p *Playback) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
