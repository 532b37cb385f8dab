// Package stt speaks the realtime speech-recognition provider protocol.
//
// A session is a duplex websocket: the client sends a StartRecognition
// message, binary PCM audio frames, and finally EndOfStream; the provider
// answers with RecognitionStarted (the handshake ack), partial and final
// transcripts, end-of-utterance markers, and closes with a status code.
package stt

import (
	"context"
	"time"
)

// TranscriptKind distinguishes partial hypotheses from final transcripts.
type TranscriptKind int

const (
	// TranscriptPartial is a hypothesis that may still change.
	TranscriptPartial TranscriptKind = iota
	// TranscriptFinal is text the provider will not revise.
	TranscriptFinal
)

// String returns a human-readable kind.
func (k TranscriptKind) String() string {
	switch k {
	case TranscriptPartial:
		return "partial"
	case TranscriptFinal:
		return "final"
	default:
		return "unknown"
	}
}

// TranscriptEvent is one transcript update produced by the socket and
// consumed once by the transcription layer.
type TranscriptEvent struct {
	Kind       TranscriptKind
	Text       string
	SpeakerID  string  // Empty or "UU" when the provider could not attribute the speech
	Confidence float64 // Mean confidence across words, 0 when unknown
	StartTime  float64 // Seconds from stream start
	EndTime    float64 // Seconds from stream start
	EmittedAt  time.Time
}

// StartOptions configures a recognition session.
type StartOptions struct {
	Language       string  // ISO language code (default: "en")
	OperatingPoint string  // Provider model tier, "standard" or "enhanced"
	SampleRate     int     // PCM sample rate in Hz (default: 16000)
	EnablePartials bool    // Stream partial hypotheses
	Diarization    bool    // Label speakers
	MaxDelay       float64 // Seconds the provider may wait before finalizing words
	// EndOfUtteranceSilence is the silence (seconds) after which the provider
	// emits EndOfUtterance. Zero disables the marker.
	EndOfUtteranceSilence float64
}

// Conn is an open provider socket. Implementations serialize writes.
type Conn interface {
	// WriteJSON sends a control message.
	WriteJSON(v any) error
	// WriteAudio sends one binary audio frame.
	WriteAudio(pcm []byte) error
	// ReadMessage blocks for the next frame.
	ReadMessage() (messageType int, data []byte, err error)
	// CloseWithCode sends a close frame with code and reason, then closes the
	// underlying connection. Safe to call more than once.
	CloseWithCode(code int, reason string) error
}

// Dialer opens provider sockets.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, cred Credential) (Conn, error)
}
