package turnmodel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is a low-latency model suited to per-partial scoring.
const DefaultGeminiModel = "gemini-2.5-flash-lite"

// EndOfTurnPrompt is the prompt template for probability scoring. The first
// %s receives recent turns, the second the running utterance.
const EndOfTurnPrompt = `You are the turn-taking component of a live voice interview.

Recent turns:
%s

Current transcript of the participant (still being spoken): "%s"

Estimate the probability that the participant has finished their turn and expects a reply.
Reply with only a number between 0 and 1.`

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model for the end-of-turn probability.
type Gemini struct {
	models contentGenerator
	model  string
}

// NewGemini creates a Gemini-backed turn model. An empty model uses
// DefaultGeminiModel.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGemini(client.Models, model), nil
}

func newGemini(models contentGenerator, model string) *Gemini {
	if strings.TrimSpace(model) == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{models: models, model: model}
}

// EndOfTurnProbability implements the turn model contract.
func (g *Gemini) EndOfTurnProbability(ctx context.Context, utterance string, history []string) (float64, error) {
	recent := "(none)"
	if len(history) > 0 {
		recent = "- " + strings.Join(history, "\n- ")
	}
	prompt := fmt.Sprintf(EndOfTurnPrompt, recent, strings.TrimSpace(utterance))

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: 8,
	})
	if err != nil {
		return 0, fmt.Errorf("gemini generate: %w", err)
	}
	return ParseProbability(resp.Text())
}

var probabilityPattern = regexp.MustCompile(`\d*\.?\d+`)

// ParseProbability extracts the first number from a model reply and clamps
// it to [0,1]. Percentages are accepted.
func ParseProbability(reply string) (float64, error) {
	reply = strings.TrimSpace(reply)
	match := probabilityPattern.FindString(reply)
	if match == "" {
		return 0, fmt.Errorf("no probability in reply %q", reply)
	}
	p, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, fmt.Errorf("parse probability %q: %w", match, err)
	}
	if strings.Contains(reply, "%") || p > 1 {
		p /= 100
	}
	return min(max(p, 0), 1), nil
}
