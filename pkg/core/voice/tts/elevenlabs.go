package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
)

// ElevenLabsProvider synthesizes with the ElevenLabs streaming HTTP endpoint.
type ElevenLabsProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewElevenLabs creates an ElevenLabs synthesizer.
func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return NewElevenLabsWithClient(apiKey, nil)
}

// NewElevenLabsWithClient creates an ElevenLabs synthesizer with a custom HTTP client.
func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabsProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsProvider{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    elevenLabsBaseURL,
		httpClient: client,
	}
}

// WithBaseURL overrides the API origin.
func (e *ElevenLabsProvider) WithBaseURL(base string) *ElevenLabsProvider {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		e.baseURL = base
	}
	return e
}

// Name returns the provider identifier.
func (e *ElevenLabsProvider) Name() string {
	return ProviderElevenLabs
}

type elevenLabsRequest struct {
	Text         string                 `json:"text"`
	ModelID      string                 `json:"model_id"`
	LanguageCode string                 `json:"language_code,omitempty"`
	Settings     *elevenLabsVoiceConfig `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// elevenLabsOutputFormat maps a sample rate to the provider's pcm format name.
func elevenLabsOutputFormat(sampleRate int) string {
	switch sampleRate {
	case 16000, 22050, 24000, 44100:
		return "pcm_" + strconv.Itoa(sampleRate)
	default:
		return "pcm_24000"
	}
}

// SynthesizeStream implements Synthesizer.
func (e *ElevenLabsProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if e.apiKey == "" {
		return nil, errors.New("elevenlabs api key is required")
	}
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		return nil, errors.New("elevenlabs voice id is required")
	}
	model := opts.ModelID
	if model == "" {
		model = elevenLabsDefaultModel
	}

	reqBody := elevenLabsRequest{Text: text, ModelID: model, LanguageCode: opts.Language}
	if opts.Speed != 0 {
		reqBody.Settings = &elevenLabsVoiceConfig{Speed: opts.Speed}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=%s",
		e.baseURL, url.PathEscape(voice), elevenLabsOutputFormat(opts.SampleRate))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	stream := NewSynthesisStream()
	go pumpBody(resp.Body, stream)
	return stream, nil
}
