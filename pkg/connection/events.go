package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
)

type eventKind int

const (
	evOpened eventKind = iota
	evMessage
	evClosed
	evDisconnect
	evAbort
)

// event is one input to a socket's state machine.
type event struct {
	kind  eventKind
	msg   stt.ServerMessage // evMessage
	err   error             // evClosed, evAbort
	force bool              // evDisconnect
	done  chan struct{}     // evDisconnect, closed once the socket is Closed
}

// socket is the per-connection state owned by its event loop.
type socket struct {
	conn     stt.Conn
	token    uint64
	openedAt time.Time
	activeAt time.Time

	events chan event
	done   chan struct{}
	result chan error

	resolveOnce sync.Once
	sent        atomic.Int64
	acked       atomic.Int64
	quota       bool
	closing     bool
}

func newSocket(conn stt.Conn, token uint64, openedAt time.Time) *socket {
	return &socket{
		conn:     conn,
		token:    token,
		openedAt: openedAt,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		result:   make(chan error, 1),
	}
}

// post delivers ev unless the loop has exited.
func (s *socket) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// resolve answers the pending Connect once.
func (s *socket) resolve(err error) {
	s.resolveOnce.Do(func() { s.result <- err })
}
