// Package turnmodel provides end-of-turn probability models for the live
// turn detector.
package turnmodel

import (
	"context"
	"strings"
	"unicode"
)

// continuationWords rarely end a finished thought.
var continuationWords = map[string]struct{}{
	"and": {}, "but": {}, "or": {}, "so": {}, "because": {}, "then": {},
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "with": {}, "for": {},
	"um": {}, "uh": {}, "erm": {}, "like": {}, "if": {}, "when": {}, "that": {},
	"my": {}, "your": {}, "is": {}, "was": {}, "i": {},
}

// Heuristic scores an utterance from its trailing punctuation and last word.
// It needs no network and never fails.
type Heuristic struct{}

// EndOfTurnProbability implements the turn model contract.
func (Heuristic) EndOfTurnProbability(_ context.Context, utterance string, _ []string) (float64, error) {
	return Score(utterance), nil
}

// Score returns the heuristic end-of-turn probability for text.
func Score(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	switch {
	case strings.HasSuffix(text, "..."), strings.HasSuffix(text, "…"):
		return 0.2
	case strings.HasSuffix(text, "?"):
		return 0.9
	case strings.HasSuffix(text, "."), strings.HasSuffix(text, "!"):
		return 0.85
	case strings.HasSuffix(text, ","), strings.HasSuffix(text, "-"):
		return 0.15
	}

	fields := strings.Fields(text)
	last := strings.ToLower(strings.TrimFunc(fields[len(fields)-1], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}))
	if _, ok := continuationWords[last]; ok {
		return 0.1
	}
	return 0.5
}
