package connection

import (
	"log/slog"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
)

// Tracker records every open provider socket by the token of the attempt
// that opened it. An attempt superseded after its socket opened leaves the
// socket here; whoever superseded it sweeps it closed.
type Tracker struct {
	logger *slog.Logger

	mu        sync.Mutex
	sockets   map[stt.Conn]uint64
	watermark uint64
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, sockets: make(map[stt.Conn]uint64)}
}

// Register records conn for token. If a sweep already covered token the
// socket is closed immediately and Register returns false.
func (t *Tracker) Register(token uint64, conn stt.Conn) bool {
	t.mu.Lock()
	if token < t.watermark {
		t.mu.Unlock()
		t.logger.Debug("closing socket of swept attempt", "token", token)
		_ = conn.CloseWithCode(stt.CloseNormal, "superseded")
		return false
	}
	t.sockets[conn] = token
	t.mu.Unlock()
	return true
}

// Release forgets conn after its owner closed it.
func (t *Tracker) Release(conn stt.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, conn)
}

// Sweep closes every socket registered with a token below keep and raises
// the watermark to keep. It returns the number of sockets closed.
func (t *Tracker) Sweep(keep uint64) int {
	t.mu.Lock()
	if keep > t.watermark {
		t.watermark = keep
	}
	var stale []stt.Conn
	for conn, token := range t.sockets {
		if token < keep {
			stale = append(stale, conn)
			delete(t.sockets, conn)
		}
	}
	t.mu.Unlock()

	for _, conn := range stale {
		_ = conn.CloseWithCode(stt.CloseNormal, "superseded")
	}
	if len(stale) > 0 {
		t.logger.Debug("swept superseded sockets", "count", len(stale), "keep", keep)
	}
	return len(stale)
}

// Count returns the number of tracked sockets.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}
