package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the provider's realtime endpoint. The language is appended
// as the final path segment.
const DefaultEndpoint = "wss://eu2.rt.speechmatics.com/v2"

// ErrConnClosed is returned by writes on a closed socket.
var ErrConnClosed = errors.New("provider socket closed")

// WebSocketDialer dials provider sockets with gorilla/websocket.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the HTTP upgrade. Default: 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write. Zero disables the deadline.
	WriteTimeout time.Duration
	// Header is merged into the upgrade request.
	Header http.Header
}

// Dial opens a socket to endpoint, authenticating with cred as a bearer token.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint string, cred Credential) (Conn, error) {
	if strings.TrimSpace(cred.Token) == "" {
		return nil, ErrNoCredential
	}

	headers := http.Header{}
	for k, vals := range d.Header {
		for _, v := range vals {
			headers.Add(k, v)
		}
	}
	headers.Set("Authorization", "Bearer "+cred.Token)

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	return NewConn(conn, d.WriteTimeout), nil
}

// EndpointForLanguage appends the language path segment to base.
func EndpointForLanguage(base, language string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultEndpoint
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = "en"
	}
	return base + "/" + language
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established gorilla connection as a Conn.
func NewConn(conn *websocket.Conn, writeTimeout time.Duration) Conn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) WriteJSON(v any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) WriteAudio(pcm []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *wsConn) CloseWithCode(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// CloseCode extracts the close code from a read error. ok is false when the
// error is not a close frame.
func CloseCode(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// IsNormalClose reports whether err is an orderly close.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Message types re-exported so callers need not import gorilla.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)
