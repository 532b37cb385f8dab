package turnmodel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"
)

func TestScore(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"", 0},
		{"What time is it?", 0.9},
		{"That's all.", 0.85},
		{"I was thinking...", 0.2},
		{"first of all,", 0.15},
		{"I went to the store and", 0.1},
		{"I went to the Um", 0.1},
		{"I went to the store", 0.5},
	}
	for _, tc := range tests {
		if got := Score(tc.text); got != tc.want {
			t.Fatalf("Score(%q)=%v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestParseProbability(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
	}{
		{"0.82", 0.82},
		{" 1 ", 1},
		{"Probability: .4", 0.4},
		{"75%", 0.75},
		{"3", 0.03},
	}
	for _, tc := range tests {
		got, err := ParseProbability(tc.reply)
		if err != nil {
			t.Fatalf("ParseProbability(%q) error = %v", tc.reply, err)
		}
		if got < tc.want-1e-9 || got > tc.want+1e-9 {
			t.Fatalf("ParseProbability(%q)=%v, want %v", tc.reply, got, tc.want)
		}
	}
	if _, err := ParseProbability("not sure"); err == nil {
		t.Fatal("expected error for reply without a number")
	}
}

type fakeGenerator struct {
	reply     string
	err       error
	gotModel  string
	gotPrompt string
}

func (f *fakeGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.gotPrompt = contents[0].Parts[0].Text
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.reply}}},
		}},
	}, nil
}

func TestGemini_EndOfTurnProbability(t *testing.T) {
	gen := &fakeGenerator{reply: "0.91"}
	model := newGemini(gen, "")

	p, err := model.EndOfTurnProbability(context.Background(), "  that's everything ", []string{"how was the onboarding?"})
	if err != nil {
		t.Fatalf("EndOfTurnProbability() error = %v", err)
	}
	if p != 0.91 {
		t.Fatalf("p=%v, want 0.91", p)
	}
	if gen.gotModel != DefaultGeminiModel {
		t.Fatalf("model=%q, want %q", gen.gotModel, DefaultGeminiModel)
	}
	if !strings.Contains(gen.gotPrompt, `"that's everything"`) || !strings.Contains(gen.gotPrompt, "- how was the onboarding?") {
		t.Fatalf("prompt missing utterance or history:\n%s", gen.gotPrompt)
	}
}

func TestGemini_PropagatesErrors(t *testing.T) {
	model := newGemini(&fakeGenerator{err: errors.New("unavailable")}, "custom")
	if _, err := model.EndOfTurnProbability(context.Background(), "hi", nil); err == nil {
		t.Fatal("expected generate error")
	}
	if _, err := NewGemini(context.Background(), " ", ""); err == nil {
		t.Fatal("expected error without api key")
	}
}
