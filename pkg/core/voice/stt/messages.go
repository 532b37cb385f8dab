package stt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Close codes sent by the provider.
const (
	CloseNormal            = 1000
	CloseGoingAway         = 1001
	CloseInternalError     = 1011
	CloseNotAuthorised     = 4001
	CloseInsufficientFunds = 4002
	CloseQuotaExceeded     = 4005
	CloseIdleTimeout       = 4013
)

// Message names on the wire.
const (
	MsgStartRecognition     = "StartRecognition"
	MsgEndOfStream          = "EndOfStream"
	MsgRecognitionStarted   = "RecognitionStarted"
	MsgAudioAdded           = "AudioAdded"
	MsgAddPartialTranscript = "AddPartialTranscript"
	MsgAddTranscript        = "AddTranscript"
	MsgEndOfUtterance       = "EndOfUtterance"
	MsgEndOfTranscript      = "EndOfTranscript"
	MsgError                = "Error"
	MsgWarning              = "Warning"
	MsgInfo                 = "Info"
)

// ErrorTypeQuotaExceeded is the Error.type the provider uses for quota rejections.
const ErrorTypeQuotaExceeded = "quota_exceeded"

// StartRecognition is the handshake request.
type StartRecognition struct {
	Message             string              `json:"message"`
	AudioFormat         AudioFormat         `json:"audio_format"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

// AudioFormat describes the binary frames that follow the handshake.
type AudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// TranscriptionConfig is the recognition part of StartRecognition.
type TranscriptionConfig struct {
	Language           string              `json:"language"`
	OperatingPoint     string              `json:"operating_point,omitempty"`
	EnablePartials     bool                `json:"enable_partials"`
	MaxDelay           float64             `json:"max_delay,omitempty"`
	Diarization        string              `json:"diarization,omitempty"`
	ConversationConfig *ConversationConfig `json:"conversation_config,omitempty"`
}

// ConversationConfig enables EndOfUtterance markers.
type ConversationConfig struct {
	EndOfUtteranceSilenceTrigger float64 `json:"end_of_utterance_silence_trigger"`
}

// EndOfStream tells the provider no more audio follows.
type EndOfStream struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

// NewStartRecognition builds the handshake request from opts, applying defaults.
func NewStartRecognition(opts StartOptions) StartRecognition {
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "en"
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	msg := StartRecognition{
		Message: MsgStartRecognition,
		AudioFormat: AudioFormat{
			Type:       "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
		TranscriptionConfig: TranscriptionConfig{
			Language:       language,
			OperatingPoint: opts.OperatingPoint,
			EnablePartials: opts.EnablePartials,
			MaxDelay:       opts.MaxDelay,
		},
	}
	if opts.Diarization {
		msg.TranscriptionConfig.Diarization = "speaker"
	}
	if opts.EndOfUtteranceSilence > 0 {
		msg.TranscriptionConfig.ConversationConfig = &ConversationConfig{
			EndOfUtteranceSilenceTrigger: opts.EndOfUtteranceSilence,
		}
	}
	return msg
}

// NewEndOfStream builds the end-of-stream message.
func NewEndOfStream(lastSeqNo int) EndOfStream {
	return EndOfStream{Message: MsgEndOfStream, LastSeqNo: lastSeqNo}
}

// MessageKind classifies decoded server messages.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindRecognitionStarted
	KindAudioAdded
	KindTranscript
	KindEndOfUtterance
	KindEndOfTranscript
	KindError
	KindWarning
	KindInfo
)

// String returns a human-readable kind.
func (k MessageKind) String() string {
	switch k {
	case KindRecognitionStarted:
		return "recognition_started"
	case KindAudioAdded:
		return "audio_added"
	case KindTranscript:
		return "transcript"
	case KindEndOfUtterance:
		return "end_of_utterance"
	case KindEndOfTranscript:
		return "end_of_transcript"
	case KindError:
		return "error"
	case KindWarning:
		return "warning"
	case KindInfo:
		return "info"
	default:
		return "unknown"
	}
}

// ServerMessage is a decoded provider message.
type ServerMessage struct {
	Kind MessageKind
	Name string // Raw "message" field

	SessionID  string           // RecognitionStarted
	SeqNo      int              // AudioAdded
	Transcript *TranscriptEvent // AddPartialTranscript / AddTranscript
	ErrorType  string           // Error / Warning
	Reason     string           // Error / Warning / Info
}

// IsQuotaError reports whether an Error message is a quota rejection.
func (m ServerMessage) IsQuotaError() bool {
	return m.Kind == KindError && m.ErrorType == ErrorTypeQuotaExceeded
}

type serverEnvelope struct {
	Message  string             `json:"message"`
	ID       string             `json:"id,omitempty"`
	SeqNo    int                `json:"seq_no,omitempty"`
	Type     string             `json:"type,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Metadata transcriptMetadata `json:"metadata"`
	Results  []transcriptResult `json:"results,omitempty"`
}

type transcriptMetadata struct {
	Transcript string  `json:"transcript"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

type transcriptResult struct {
	Type         string                  `json:"type"`
	StartTime    float64                 `json:"start_time"`
	EndTime      float64                 `json:"end_time"`
	Alternatives []transcriptAlternative `json:"alternatives"`
}

type transcriptAlternative struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// DecodeServerMessage parses one text frame. now stamps transcript events.
func DecodeServerMessage(data []byte, now time.Time) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ServerMessage{}, fmt.Errorf("decode server message: %w", err)
	}

	msg := ServerMessage{Name: env.Message}
	switch env.Message {
	case MsgRecognitionStarted:
		msg.Kind = KindRecognitionStarted
		msg.SessionID = env.ID
	case MsgAudioAdded:
		msg.Kind = KindAudioAdded
		msg.SeqNo = env.SeqNo
	case MsgAddPartialTranscript, MsgAddTranscript:
		msg.Kind = KindTranscript
		kind := TranscriptFinal
		if env.Message == MsgAddPartialTranscript {
			kind = TranscriptPartial
		}
		msg.Transcript = buildTranscript(kind, env, now)
	case MsgEndOfUtterance:
		msg.Kind = KindEndOfUtterance
	case MsgEndOfTranscript:
		msg.Kind = KindEndOfTranscript
	case MsgError:
		msg.Kind = KindError
		msg.ErrorType = env.Type
		msg.Reason = env.Reason
	case MsgWarning:
		msg.Kind = KindWarning
		msg.ErrorType = env.Type
		msg.Reason = env.Reason
	case MsgInfo:
		msg.Kind = KindInfo
		msg.Reason = env.Reason
	case "":
		return ServerMessage{}, fmt.Errorf("decode server message: missing message field")
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

func buildTranscript(kind TranscriptKind, env serverEnvelope, now time.Time) *TranscriptEvent {
	ev := &TranscriptEvent{
		Kind:      kind,
		Text:      strings.TrimSpace(env.Metadata.Transcript),
		StartTime: env.Metadata.StartTime,
		EndTime:   env.Metadata.EndTime,
		EmittedAt: now,
	}

	var (
		confSum  float64
		confN    int
		speakers = make(map[string]int)
		words    []string
	)
	for _, r := range env.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Speaker != "" {
			speakers[alt.Speaker]++
		}
		if r.Type == "word" {
			confSum += alt.Confidence
			confN++
		}
		words = appendContent(words, r.Type, alt.Content)
	}
	if confN > 0 {
		ev.Confidence = confSum / float64(confN)
	}
	if ev.Text == "" && len(words) > 0 {
		ev.Text = strings.Join(words, " ")
	}
	ev.SpeakerID = dominantSpeaker(speakers)
	return ev
}

// appendContent joins words with spaces but attaches punctuation to the
// preceding word.
func appendContent(words []string, typ, content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return words
	}
	if typ == "punctuation" && len(words) > 0 {
		words[len(words)-1] += content
		return words
	}
	return append(words, content)
}

func dominantSpeaker(counts map[string]int) string {
	best := ""
	bestN := 0
	for speaker, n := range counts {
		if n > bestN || (n == bestN && speaker < best) {
			best, bestN = speaker, n
		}
	}
	return best
}
