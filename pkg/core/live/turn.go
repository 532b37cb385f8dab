package live

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/vango-go/vai-voice/pkg/core/live/turnmodel"
)

// TurnModel scores how likely the speaker has finished their turn.
type TurnModel interface {
	// EndOfTurnProbability returns a value in [0,1] for the running utterance,
	// given recently finalized turns as context.
	EndOfTurnProbability(ctx context.Context, utterance string, history []string) (float64, error)
}

// ScoreSource records where a probability came from.
type ScoreSource string

const (
	ScoreFromModel     ScoreSource = "model"
	ScoreFromHeuristic ScoreSource = "heuristic"
	ScoreSkipped       ScoreSource = "skipped"
)

// TurnScore is the outcome of one assessment.
type TurnScore struct {
	Probability float64
	Source      ScoreSource
}

// TurnDetector scores running utterances against a TurnModel, falling back
// to the punctuation heuristic when the model is slow or failing.
type TurnDetector struct {
	cfg    TurnConfig
	model  TurnModel
	logger *slog.Logger

	mu      sync.Mutex
	history []string
}

// NewTurnDetector creates a detector. A nil model uses the heuristic alone.
func NewTurnDetector(cfg TurnConfig, model TurnModel, logger *slog.Logger) *TurnDetector {
	def := DefaultTurnConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = def.ModelTimeout
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnDetector{cfg: cfg, model: model, logger: logger}
}

// Threshold returns the configured end-of-turn threshold.
func (d *TurnDetector) Threshold() float64 {
	return d.cfg.Threshold
}

// Assess scores text. Utterances shorter than MinWords are skipped with a
// zero probability.
func (d *TurnDetector) Assess(ctx context.Context, text string) TurnScore {
	text = strings.TrimSpace(text)
	if text == "" || len(strings.Fields(text)) < d.cfg.MinWords {
		return TurnScore{Source: ScoreSkipped}
	}
	if d.model == nil {
		return TurnScore{Probability: turnmodel.Score(text), Source: ScoreFromHeuristic}
	}

	checkCtx, cancel := context.WithTimeout(ctx, d.cfg.ModelTimeout)
	defer cancel()

	p, err := d.model.EndOfTurnProbability(checkCtx, text, d.History())
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Debug("turn model failed, using heuristic", "error", err)
		}
		return TurnScore{Probability: turnmodel.Score(text), Source: ScoreFromHeuristic}
	}
	return TurnScore{Probability: min(max(p, 0), 1), Source: ScoreFromModel}
}

// Remember appends a finalized turn to the model context.
func (d *TurnDetector) Remember(turn string) {
	turn = strings.TrimSpace(turn)
	if turn == "" || d.cfg.HistorySize == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, turn)
	if over := len(d.history) - d.cfg.HistorySize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

// History returns a copy of the remembered turns, oldest first.
func (d *TurnDetector) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.history))
	copy(out, d.history)
	return out
}
