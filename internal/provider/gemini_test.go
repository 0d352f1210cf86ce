package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGemini(GeminiConfig{
		APIKey:            "test-key",
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		RequestsPerMinute: 10000,
	})
	if err != nil {
		t.Fatalf("NewGemini failed: %v", err)
	}
	return g
}

func audioResponse(pcm []byte) string {
	resp := geminiResponse{}
	resp.Candidates = []struct {
		Content geminiContent `json:"content"`
	}{
		{Content: geminiContent{Parts: []geminiPart{{
			InlineData: &geminiInlineData{
				MimeType: "audio/L16;codec=pcm;rate=24000",
				Data:     base64.StdEncoding.EncodeToString(pcm),
			},
		}}}},
	}
	out, _ := json.Marshal(resp)
	return string(out)
}

func TestGemini_Synthesize(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}

		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "Read this aloud" {
			t.Errorf("unexpected request contents: %+v", req.Contents)
		}
		if req.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
			t.Errorf("voice not propagated")
		}

		fmt.Fprint(w, audioResponse(pcm))
	})

	got, err := g.Synthesize(context.Background(), Request{
		Text: "Read this aloud", Voice: "Kore", Model: "tts-test",
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestGemini_RateLimitedWithRetryDelay(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"code": 429, "details": [{"retryDelay": "30s"}]}}`)
	})

	_, err := g.Synthesize(context.Background(), Request{Text: "x", Voice: "v", Model: "m"})
	if !IsRateLimited(err) {
		t.Fatalf("want rate limited error, got %v", err)
	}
	if d, ok := RetryAfter(err); !ok || d != 30*time.Second {
		t.Errorf("RetryAfter = %v, %v; want 30s", d, ok)
	}
}

func TestGemini_ServiceUnavailable(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := g.Synthesize(context.Background(), Request{Text: "x", Voice: "v", Model: "m"})
	if !IsServiceUnavailable(err) {
		t.Fatalf("want service unavailable, got %v", err)
	}
}

func TestGemini_EmptyAudio(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates": [{"content": {"parts": [{"text": "no audio here"}]}}]}`)
	})

	_, err := g.Synthesize(context.Background(), Request{Text: "x", Voice: "v", Model: "m"})
	if err != ErrEmptyAudio {
		t.Fatalf("want ErrEmptyAudio, got %v", err)
	}
}

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	if _, err := NewGemini(GeminiConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}
