package stt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketDialer_SendsBearerAndFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	gotFrames := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				gotFrames <- "binary:" + string(data)
			} else {
				gotFrames <- "text:" + string(data)
			}
		}
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := WebSocketDialer{}.Dial(context.Background(), endpoint, Credential{Token: "tok"})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := conn.WriteJSON(NewEndOfStream(3)); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := conn.WriteAudio([]byte("pcm")); err != nil {
		t.Fatalf("WriteAudio() error = %v", err)
	}

	if got := <-gotAuth; got != "Bearer tok" {
		t.Fatalf("Authorization=%q, want Bearer tok", got)
	}
	first := <-gotFrames
	if !strings.Contains(first, `"message":"EndOfStream"`) || !strings.Contains(first, `"last_seq_no":3`) {
		t.Fatalf("first frame=%q", first)
	}
	if second := <-gotFrames; second != "binary:pcm" {
		t.Fatalf("second frame=%q, want binary:pcm", second)
	}

	if err := conn.CloseWithCode(CloseNormal, ""); err != nil {
		t.Fatalf("CloseWithCode() error = %v", err)
	}
	// Second close is a no-op.
	_ = conn.CloseWithCode(CloseNormal, "")
	if err := conn.WriteAudio([]byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("write after close err=%v, want ErrConnClosed", err)
	}
}

func TestWebSocketDialer_RequiresCredential(t *testing.T) {
	_, err := WebSocketDialer{}.Dial(context.Background(), "ws://127.0.0.1:1", Credential{})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err=%v, want ErrNoCredential", err)
	}
}

func TestWebSocketDialer_ReportsUpgradeFailureBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not authorised", http.StatusUnauthorized)
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := WebSocketDialer{HandshakeTimeout: time.Second}.Dial(context.Background(), endpoint, Credential{Token: "bad"})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "not authorised") {
		t.Fatalf("err=%v, want status and body", err)
	}
}

func TestCloseCode(t *testing.T) {
	err := &websocket.CloseError{Code: CloseQuotaExceeded, Text: "quota"}
	code, text, ok := CloseCode(err)
	if !ok || code != CloseQuotaExceeded || text != "quota" {
		t.Fatalf("CloseCode=(%d,%q,%v)", code, text, ok)
	}
	if _, _, ok := CloseCode(errors.New("eof")); ok {
		t.Fatal("plain errors should not report a close code")
	}
	if !IsNormalClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}) {
		t.Fatal("expected normal closure")
	}
	if IsNormalClose(err) {
		t.Fatal("quota close is not a normal close")
	}
}
