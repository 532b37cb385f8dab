package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// ErrSpeakerClosed is returned by Write after Close.
var ErrSpeakerClosed = errors.New("audio: speaker closed")

type player interface {
	Play()
	Pause()
	Close() error
}

// Speaker plays 16-bit mono PCM through the default output device. It
// implements tts.Sink.
type Speaker struct {
	newPlayer func(io.Reader) player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  player
	gen     uint64
	playing bool
	closed  bool
}

// NewSpeaker opens the output device at sampleRate. bufferMillis sizes the
// device buffer; smaller is lower latency but may glitch.
func NewSpeaker(sampleRate, bufferMillis int) (*Speaker, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: speaker sample rate must be > 0")
	}
	if bufferMillis <= 0 {
		bufferMillis = 100
	}
	format := pcmFormat(sampleRate)
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   format.BytesForDurationMs(bufferMillis),
	})
	if err != nil {
		return nil, fmt.Errorf("audio: init speaker: %w", err)
	}
	<-ready
	return newSpeaker(func(r io.Reader) player { return otoCtx.NewPlayer(r) }), nil
}

func newSpeaker(newPlayer func(io.Reader) player) *Speaker {
	s := &Speaker{newPlayer: newPlayer}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write queues pcm, starting a player on the first write after a flush.
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpeakerClosed
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.newPlayer(&speakerStream{s: s, gen: s.gen})
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// speakerStream feeds one player. A flush retires it so a read still blocked
// in the old player cannot take audio meant for the next one.
type speakerStream struct {
	s   *Speaker
	gen uint64
}

func (r *speakerStream) Read(p []byte) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed && r.gen == s.gen {
		s.cond.Wait()
	}
	if r.gen != s.gen {
		return 0, io.EOF
	}
	if len(s.buf) == 0 {
		// Closed: silence lets the device drain.
		clear(p)
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Buffered reports bytes queued but not yet read by the player.
func (s *Speaker) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush drops queued audio and stops the current player so the next write
// starts clean.
func (s *Speaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	p := s.player
	s.player = nil
	s.playing = false
	s.gen++
	s.cond.Broadcast()
	s.mu.Unlock()

	if p != nil {
		p.Pause()
		_ = p.Close()
	}
}

// Close stops playback. Safe to call more than once.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	p := s.player
	s.player = nil
	s.playing = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if p != nil {
		return p.Close()
	}
	return nil
}
