package tts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewCartesia_ConstructorsAndName(t *testing.T) {
	client := &http.Client{}
	p := NewCartesiaWithClient("api-key", client)
	if p.httpClient != client {
		t.Fatal("expected custom http client to be set")
	}
	if p.Name() != "cartesia" {
		t.Fatalf("name = %q, want cartesia", p.Name())
	}

	defaultProvider := NewCartesia("api-key")
	if defaultProvider.httpClient == nil {
		t.Fatal("default provider should initialize http client")
	}
}

func drain(t *testing.T, stream *SynthesisStream) []byte {
	t.Helper()
	var out []byte
	for chunk := range stream.Chunks() {
		if len(chunk)%2 != 0 {
			t.Fatalf("chunk length %d is not sample aligned", len(chunk))
		}
		out = append(out, chunk...)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream err = %v", err)
	}
	return out
}

func TestCartesia_SynthesizeStreamRequestsRawPCM(t *testing.T) {
	var got cartesiaTTSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/bytes" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Cartesia-Version") == "" {
			t.Error("missing Cartesia-Version header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte{1, 0, 2})
		w.(http.Flusher).Flush()
		w.Write([]byte{0, 3, 0})
	}))
	defer srv.Close()

	p := NewCartesia("key").WithBaseURL(srv.URL)
	stream, err := p.SynthesizeStream(context.Background(), "hello there", SynthesizeOptions{Voice: "v1", SampleRate: 16000, Speed: 1.2})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	audio := drain(t, stream)
	if len(audio) != 6 {
		t.Fatalf("audio len = %d, want 6", len(audio))
	}

	if got.Transcript != "hello there" || got.Voice.ID != "v1" || got.ModelID != cartesiaDefaultModel {
		t.Fatalf("request = %#v", got)
	}
	if got.OutputFormat.Container != "raw" || got.OutputFormat.Encoding != "pcm_s16le" || got.OutputFormat.SampleRate != 16000 {
		t.Fatalf("output format = %#v, want raw/pcm_s16le/16000", got.OutputFormat)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.Speed != 1.2 {
		t.Fatalf("generation config = %#v", got.GenerationConfig)
	}
}

func TestCartesia_ErrorStatusIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "voice not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewCartesia("key").WithBaseURL(srv.URL).SynthesizeStream(context.Background(), "hi", SynthesizeOptions{Voice: "missing"})
	if err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Fatalf("err = %v, want body in error", err)
	}
}

func TestCartesia_RequiresVoice(t *testing.T) {
	if _, err := NewCartesia("key").SynthesizeStream(context.Background(), "hi", SynthesizeOptions{}); err == nil {
		t.Fatal("expected error without voice")
	}
}

func TestElevenLabs_SynthesizeStream(t *testing.T) {
	var body elevenLabsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-a/stream" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_16000" {
			t.Errorf("output_format = %q, want pcm_16000", got)
		}
		if r.Header.Get("xi-api-key") != "el-key" {
			t.Errorf("xi-api-key = %q", r.Header.Get("xi-api-key"))
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte{9, 9, 8, 8})
	}))
	defer srv.Close()

	p := NewElevenLabs("el-key").WithBaseURL(srv.URL)
	if p.Name() != "elevenlabs" {
		t.Fatalf("name = %q", p.Name())
	}
	stream, err := p.SynthesizeStream(context.Background(), "hey", SynthesizeOptions{Voice: "voice-a", SampleRate: 16000})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if audio := drain(t, stream); len(audio) != 4 {
		t.Fatalf("audio len = %d, want 4", len(audio))
	}
	if body.Text != "hey" || body.ModelID != elevenLabsDefaultModel {
		t.Fatalf("body = %#v", body)
	}
}

func TestElevenLabsOutputFormat(t *testing.T) {
	tests := map[int]string{16000: "pcm_16000", 44100: "pcm_44100", 0: "pcm_24000", 48000: "pcm_24000"}
	for rate, want := range tests {
		if got := elevenLabsOutputFormat(rate); got != want {
			t.Fatalf("elevenLabsOutputFormat(%d) = %q, want %q", rate, got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Provider: "cartesia", APIKey: "k", VoiceID: "v"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	for name, cfg := range map[string]Config{
		"no provider": {APIKey: "k", VoiceID: "v"},
		"unknown":     {Provider: "espeak", APIKey: "k", VoiceID: "v"},
		"no key":      {Provider: "cartesia", VoiceID: "v"},
		"no voice":    {Provider: "elevenlabs", APIKey: "k"},
		"bad rate":    {Provider: "cartesia", APIKey: "k", VoiceID: "v", SampleRate: -1},
	} {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if valid.SampleRateOrDefault() != 24000 {
		t.Fatalf("default sample rate = %d", valid.SampleRateOrDefault())
	}
}

func TestNewSynthesizer(t *testing.T) {
	s, err := NewSynthesizer(Config{Provider: "ElevenLabs", APIKey: "k", VoiceID: "v"})
	if err != nil {
		t.Fatalf("NewSynthesizer: %v", err)
	}
	if s.Name() != ProviderElevenLabs {
		t.Fatalf("name = %q", s.Name())
	}
	if _, err := NewSynthesizer(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}
