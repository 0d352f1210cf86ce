package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// maxResponseSize caps the response body read. A chapter-sized chunk
	// of 24 kHz PCM stays well under this.
	maxResponseSize = 200 * 1024 * 1024
)

// GeminiConfig configures the Gemini TTS client.
type GeminiConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string

	// Timeout bounds a single synthesis call. Long inputs take minutes
	// to render, so the default is generous.
	Timeout time.Duration

	// RequestsPerMinute is a transport-level courtesy cap, independent
	// of the pipeline's quota-aware limiter.
	RequestsPerMinute int
}

// Gemini calls the Gemini generateContent endpoint with audio response
// modality and decodes the inline PCM payload.
type Gemini struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewGemini returns a Gemini TTS client.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 30
	}

	return &Gemini{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
	}, nil
}

// Request/response wire shapes for generateContent with audio modality.

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities"`
	SpeechConfig       geminiSpeechConfig `json:"speechConfig"`
}

type geminiSpeechConfig struct {
	VoiceConfig geminiVoiceConfig `json:"voiceConfig"`
}

type geminiVoiceConfig struct {
	PrebuiltVoiceConfig geminiPrebuiltVoice `json:"prebuiltVoiceConfig"`
}

type geminiPrebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Synthesize renders req.Text as speech and returns raw 16-bit PCM.
func (g *Gemini) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if req.Text == "" {
		return nil, &Error{StatusCode: 400, Msg: "empty prompt text"}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("transport rate limit wait cancelled: %w", err)
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Text}}}},
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: geminiSpeechConfig{
				VoiceConfig: geminiVoiceConfig{
					PrebuiltVoiceConfig: geminiPrebuiltVoice{VoiceName: req.Voice},
				},
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		perr := &Error{StatusCode: resp.StatusCode, Msg: truncate(string(raw), 300)}
		if delay, ok := ParseRetryDelay(string(raw)); ok {
			perr.RetryDelay = delay
		}
		return nil, perr
	}

	var decoded geminiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Msg: fmt.Sprintf("decode response: %v", err)}
	}

	pcm, err := extractAudio(decoded)
	if err != nil {
		return nil, err
	}

	log.Debug("synthesis call complete",
		"model", req.Model,
		"voice", req.Voice,
		"bytes", len(pcm),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return pcm, nil
}

// extractAudio pulls the first inline audio part out of a response.
func extractAudio(resp geminiResponse) ([]byte, error) {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("gemini: decode audio payload: %w", err)
			}
			if len(pcm) == 0 {
				return nil, ErrEmptyAudio
			}
			return pcm, nil
		}
	}
	return nil, ErrEmptyAudio
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Synthesizer = (*Gemini)(nil)
