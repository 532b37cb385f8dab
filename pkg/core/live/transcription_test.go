package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/voice/stt"
)

func transcriptMsg(kind stt.TranscriptKind, text, speaker string) stt.ServerMessage {
	return stt.ServerMessage{
		Kind: stt.KindTranscript,
		Transcript: &stt.TranscriptEvent{
			Kind:      kind,
			Text:      text,
			SpeakerID: speaker,
			EmittedAt: time.Now(),
		},
	}
}

func eouMsg() stt.ServerMessage {
	return stt.ServerMessage{Kind: stt.KindEndOfUtterance}
}

type turnRecorder struct {
	turns    chan Turn
	mu       sync.Mutex
	filtered []string
	partials []string
}

func newTurnRecorder() *turnRecorder {
	return &turnRecorder{turns: make(chan Turn, 8)}
}

func (r *turnRecorder) callbacks() TranscriptionCallbacks {
	return TranscriptionCallbacks{
		OnTurn: func(t Turn) { r.turns <- t },
		OnPartial: func(text string) {
			r.mu.Lock()
			r.partials = append(r.partials, text)
			r.mu.Unlock()
		},
		OnFilteredSpeech: func(id string) {
			r.mu.Lock()
			r.filtered = append(r.filtered, id)
			r.mu.Unlock()
		},
	}
}

func (r *turnRecorder) waitTurn(t *testing.T, within time.Duration) Turn {
	t.Helper()
	select {
	case turn := <-r.turns:
		return turn
	case <-time.After(within):
		t.Fatalf("no turn finalized within %v", within)
		return Turn{}
	}
}

func (r *turnRecorder) expectNoTurn(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case turn := <-r.turns:
		t.Fatalf("unexpected turn %+v", turn)
	case <-time.After(within):
	}
}

func fastTranscriptionConfig() TranscriptionConfig {
	return TranscriptionConfig{
		FinalizeDebounce: 20 * time.Millisecond,
		FallbackTimeout:  2 * time.Second,
		DuplicateWindow:  2 * time.Second,
	}
}

func TestTranscriptionManager_EndOfUtteranceFinalizesAfterDebounce(t *testing.T) {
	t.Parallel()

	rec := newTurnRecorder()
	m := NewTranscriptionManager(fastTranscriptionConfig(), DefaultTurnConfig(), TranscriptionDeps{Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptPartial, "hello", "S1"))
	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "hello there.", "S1"))
	m.HandleMessage(eouMsg())

	turn := rec.waitTurn(t, time.Second)
	if turn.Text != "hello there." {
		t.Fatalf("text=%q, want %q", turn.Text, "hello there.")
	}
	if turn.Reason != TurnReasonEndOfUtterance {
		t.Fatalf("reason=%q, want end_of_utterance", turn.Reason)
	}
	if turn.SpeakerID != "S1" {
		t.Fatalf("speaker=%q, want S1", turn.SpeakerID)
	}
	if turn.StartedAt.IsZero() || turn.FinalizedAt.Before(turn.StartedAt) {
		t.Fatalf("bad timestamps: started=%v finalized=%v", turn.StartedAt, turn.FinalizedAt)
	}
}

func TestTranscriptionManager_FallbackTimeoutForcesFinalize(t *testing.T) {
	t.Parallel()

	cfg := fastTranscriptionConfig()
	cfg.FallbackTimeout = 40 * time.Millisecond
	rec := newTurnRecorder()
	m := NewTranscriptionManager(cfg, DefaultTurnConfig(), TranscriptionDeps{Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptPartial, "so the thing is", ""))

	turn := rec.waitTurn(t, time.Second)
	if turn.Reason != TurnReasonFallback {
		t.Fatalf("reason=%q, want fallback_timeout", turn.Reason)
	}
	if turn.Text != "so the thing is" {
		t.Fatalf("text=%q", turn.Text)
	}
}

func TestTranscriptionManager_SpeakerFilteringLocksFirstSpeaker(t *testing.T) {
	t.Parallel()

	cfg := fastTranscriptionConfig()
	cfg.SpeakerFiltering = true
	rec := newTurnRecorder()
	m := NewTranscriptionManager(cfg, DefaultTurnConfig(), TranscriptionDeps{Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "I liked it", "S1"))
	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "me too", "S2"))
	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "a lot", "UU"))
	m.HandleMessage(eouMsg())

	turn := rec.waitTurn(t, time.Second)
	if turn.Text != "I liked it a lot" {
		t.Fatalf("text=%q, want speaker S1 plus unlabelled speech", turn.Text)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.filtered) != 1 || rec.filtered[0] != "S2" {
		t.Fatalf("filtered=%v, want [S2]", rec.filtered)
	}
}

func TestTranscriptionManager_ConfiguredSpeakerWins(t *testing.T) {
	t.Parallel()

	cfg := fastTranscriptionConfig()
	cfg.SpeakerFiltering = true
	cfg.SpeakerID = "S2"
	rec := newTurnRecorder()
	m := NewTranscriptionManager(cfg, DefaultTurnConfig(), TranscriptionDeps{Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "interviewer question", "S1"))
	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "my answer", "S2"))
	m.HandleMessage(eouMsg())

	if turn := rec.waitTurn(t, time.Second); turn.Text != "my answer" {
		t.Fatalf("text=%q, want my answer", turn.Text)
	}
}

func TestTranscriptionManager_SuppressesReplayedTurn(t *testing.T) {
	t.Parallel()

	rec := newTurnRecorder()
	m := NewTranscriptionManager(fastTranscriptionConfig(), DefaultTurnConfig(), TranscriptionDeps{Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "Yes, exactly.", ""))
	m.HandleMessage(eouMsg())
	rec.waitTurn(t, time.Second)

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "yes exactly", ""))
	m.HandleMessage(eouMsg())
	rec.expectNoTurn(t, 150*time.Millisecond)

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "something new", ""))
	m.HandleMessage(eouMsg())
	if turn := rec.waitTurn(t, time.Second); turn.Text != "something new" {
		t.Fatalf("text=%q, want something new", turn.Text)
	}
}

type fixedModel struct {
	p float64
}

func (f fixedModel) EndOfTurnProbability(context.Context, string, []string) (float64, error) {
	return f.p, nil
}

// slowModel holds each call for delay and records how many overlap.
type slowModel struct {
	delay time.Duration

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	texts       []string
}

func (s *slowModel) EndOfTurnProbability(ctx context.Context, text string, _ []string) (float64, error) {
	s.mu.Lock()
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	select {
	case <-time.After(s.delay):
		return 0.1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *slowModel) scored() (texts []string, maxInFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...), s.maxInFlight
}

func TestTranscriptionManager_ScoresOneCallAtATime(t *testing.T) {
	t.Parallel()

	model := &slowModel{delay: 100 * time.Millisecond}
	turnCfg := DefaultTurnConfig()
	turnCfg.ModelTimeout = time.Second
	detector := NewTurnDetector(turnCfg, model, nil)

	rec := newTurnRecorder()
	m := NewTranscriptionManager(fastTranscriptionConfig(), turnCfg, TranscriptionDeps{Detector: detector, Callbacks: rec.callbacks()})
	defer m.Close()

	partials := []string{"one", "one two", "one two three", "one two three four", "one two three four five"}
	for _, p := range partials {
		m.HandleMessage(transcriptMsg(stt.TranscriptPartial, p, ""))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		texts, _ := model.scored()
		if len(texts) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("model calls=%d, want 2", len(texts))
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Let the second call finish so nothing else is queued behind it.
	time.Sleep(250 * time.Millisecond)

	texts, maxInFlight := model.scored()
	if maxInFlight != 1 {
		t.Fatalf("max in flight=%d, want 1", maxInFlight)
	}
	if len(texts) != 2 {
		t.Fatalf("model calls=%v, want first and latest only", texts)
	}
	if texts[0] != partials[0] || texts[1] != partials[len(partials)-1] {
		t.Fatalf("scored=%q, want [%q %q]", texts, partials[0], partials[len(partials)-1])
	}
}

func TestTranscriptionManager_TurnDetectorGraceFinalizes(t *testing.T) {
	t.Parallel()

	turnCfg := DefaultTurnConfig()
	turnCfg.Grace = 30 * time.Millisecond
	turnCfg.MaxHold = 5 * time.Second
	detector := NewTurnDetector(turnCfg, fixedModel{p: 0.95}, nil)

	rec := newTurnRecorder()
	m := NewTranscriptionManager(fastTranscriptionConfig(), turnCfg, TranscriptionDeps{Detector: detector, Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptPartial, "that's everything I wanted to say", ""))

	turn := rec.waitTurn(t, time.Second)
	if turn.Reason != TurnReasonTurnDetector {
		t.Fatalf("reason=%q, want turn_detector", turn.Reason)
	}
	if turn.Probability != 0.95 {
		t.Fatalf("probability=%v, want 0.95", turn.Probability)
	}
	if h := detector.History(); len(h) != 1 || h[0] != "that's everything I wanted to say" {
		t.Fatalf("history=%v", h)
	}
}

func TestTranscriptionManager_LowScoreHoldsUntilMaxHold(t *testing.T) {
	t.Parallel()

	turnCfg := DefaultTurnConfig()
	turnCfg.Grace = 20 * time.Millisecond
	turnCfg.MaxHold = 80 * time.Millisecond
	detector := NewTurnDetector(turnCfg, fixedModel{p: 0.1}, nil)

	rec := newTurnRecorder()
	m := NewTranscriptionManager(fastTranscriptionConfig(), turnCfg, TranscriptionDeps{Detector: detector, Callbacks: rec.callbacks()})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "and then I went to", ""))
	time.Sleep(20 * time.Millisecond)
	m.HandleMessage(eouMsg())

	rec.expectNoTurn(t, 40*time.Millisecond)
	turn := rec.waitTurn(t, time.Second)
	if turn.Reason != TurnReasonMaxHold {
		t.Fatalf("reason=%q, want max_hold", turn.Reason)
	}
}

func TestTranscriptionManager_CloseDoesNotFinalize(t *testing.T) {
	t.Parallel()

	cfg := fastTranscriptionConfig()
	cfg.FallbackTimeout = 30 * time.Millisecond
	rec := newTurnRecorder()
	m := NewTranscriptionManager(cfg, DefaultTurnConfig(), TranscriptionDeps{Callbacks: rec.callbacks()})

	m.HandleMessage(transcriptMsg(stt.TranscriptPartial, "half a thought", ""))
	m.Close()
	m.Close()
	m.HandleMessage(eouMsg())

	rec.expectNoTurn(t, 80*time.Millisecond)
}

func TestTranscriptionManager_RecoversCallbackPanic(t *testing.T) {
	t.Parallel()

	errs := make(chan error, 1)
	turns := make(chan Turn, 1)
	calls := 0
	m := NewTranscriptionManager(fastTranscriptionConfig(), DefaultTurnConfig(), TranscriptionDeps{
		Callbacks: TranscriptionCallbacks{
			OnTurn: func(t Turn) {
				calls++
				if calls == 1 {
					panic("boom")
				}
				turns <- t
			},
			OnError: func(err error) { errs <- err },
		},
	})
	defer m.Close()

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "first", ""))
	m.HandleMessage(eouMsg())
	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected handler error")
		}
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}

	m.HandleMessage(transcriptMsg(stt.TranscriptFinal, "second", ""))
	m.HandleMessage(eouMsg())
	select {
	case turn := <-turns:
		if turn.Text != "second" {
			t.Fatalf("text=%q, want second", turn.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("loop stopped after callback panic")
	}
}
