package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	cartesiaBaseURL      = "https://api.cartesia.ai"
	cartesiaVersion      = "2025-04-16"
	cartesiaDefaultModel = "sonic-3"
)

// CartesiaProvider synthesizes with Cartesia's HTTP bytes endpoint, streaming
// the raw PCM response body as it arrives.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia synthesizer.
func NewCartesia(apiKey string) *CartesiaProvider {
	return NewCartesiaWithClient(apiKey, nil)
}

// NewCartesiaWithClient creates a Cartesia synthesizer with a custom HTTP client.
func NewCartesiaWithClient(apiKey string, client *http.Client) *CartesiaProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &CartesiaProvider{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    cartesiaBaseURL,
		httpClient: client,
	}
}

// WithBaseURL overrides the API origin.
func (c *CartesiaProvider) WithBaseURL(base string) *CartesiaProvider {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		c.baseURL = base
	}
	return c
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return ProviderCartesia
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         string                    `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaGenerationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

// SynthesizeStream implements Synthesizer.
func (c *CartesiaProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if strings.TrimSpace(opts.Voice) == "" {
		return nil, errors.New("cartesia voice id is required")
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	model := opts.ModelID
	if model == "" {
		model = cartesiaDefaultModel
	}

	reqBody := cartesiaTTSRequest{
		ModelID:    model,
		Transcript: text,
		Voice:      cartesiaVoiceSpec{Mode: "id", ID: opts.Voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		},
		Language: opts.Language,
	}
	if opts.Speed != 0 {
		reqBody.GenerationConfig = &cartesiaGenerationConfig{Speed: opts.Speed}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	stream := NewSynthesisStream()
	go pumpBody(resp.Body, stream)
	return stream, nil
}

// pumpBody copies an audio response body into stream in sample-aligned chunks.
func pumpBody(body io.ReadCloser, stream *SynthesisStream) {
	defer stream.FinishSending()
	defer body.Close()

	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			chunk := make([]byte, even)
			copy(chunk, data[:even])
			carry = append([]byte(nil), data[even:]...)
			if len(chunk) > 0 && !stream.Send(chunk) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				stream.SetError(fmt.Errorf("read audio: %w", err))
			}
			return
		}
	}
}
