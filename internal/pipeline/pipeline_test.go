package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/wowitsjack/fablecast/internal/audio"
	"github.com/wowitsjack/fablecast/internal/book"
	"github.com/wowitsjack/fablecast/internal/cache"
	"github.com/wowitsjack/fablecast/internal/provider"
	"github.com/wowitsjack/fablecast/internal/quality"
	"github.com/wowitsjack/fablecast/internal/ratelimit"
	"github.com/wowitsjack/fablecast/internal/state"
	"github.com/wowitsjack/fablecast/internal/token"
)

// encodePCM converts float samples to 16-bit little-endian PCM.
func encodePCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// speechPCM produces PCM that reads as clean narration to the quality
// detector: an amplitude-modulated tone with a short lead-in silence and
// a fade at the end.
func speechPCM(d time.Duration, format audio.Format) []byte {
	n := int(d.Seconds() * float64(format.SampleRate))
	lead := format.SampleRate * 150 / 1000
	fade := format.SampleRate * 300 / 1000
	samples := make([]float64, n)
	for i := lead; i < n; i++ {
		t := float64(i) / float64(format.SampleRate)
		env := 0.6 + 0.4*math.Sin(2*math.Pi*4*t)
		s := 0.4 * env * math.Sin(2*math.Pi*440*t)
		if left := n - i; left < fade {
			s *= float64(left) / float64(fade)
		}
		samples[i] = s
	}
	return encodePCM(samples)
}

type testPipeline struct {
	p      *Pipeline
	mock   *provider.Mock
	format audio.Format
}

func newTestPipeline(t *testing.T, cfg Config, detector *quality.Detector, budget int) *testPipeline {
	t.Helper()
	format := audio.DefaultFormat()
	mock := provider.NewMock([]byte("default-pcm"))
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 100000,
		TokensPerMinute:   1 << 30,
	})
	est := token.NewEstimator(nil)

	orch := NewOrchestrator(OrchestratorConfig{
		Voice: cfg.Voice,
		Model: cfg.Model,
	}, mock, limiter, NewTokenBudget(budget, nil), est)
	orch.sleep = func(context.Context, time.Duration) error { return nil }
	orch.jitter = func(int) time.Duration { return 0 }

	cfg.Format = format
	return &testPipeline{
		p:      New(cfg, orch, detector, est),
		mock:   mock,
		format: format,
	}
}

// threeParagraphs is sized so each paragraph is its own unit under a
// 15-token budget.
func threeParagraphs() string {
	return strings.Join([]string{
		"The first paragraph of the chapter sits here.",
		"The second paragraph follows after a break.",
		"The third paragraph closes out the chapter.",
	}, "\n\n")
}

func TestPipeline_GenerateChapter(t *testing.T) {
	tp := newTestPipeline(t, Config{
		Voice:     "Kore",
		Model:     "tts-test",
		UnitPause: 500 * time.Millisecond,
	}, nil, 15)

	res, err := tp.p.GenerateChapter(context.Background(), book.Chapter{
		Title: "One",
		Text:  threeParagraphs(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Units != 3 {
		t.Fatalf("units = %d, want 3", res.Units)
	}
	if got := tp.mock.CallCount(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	pad := tp.format.Silence(500 * time.Millisecond)
	want := 3*len("default-pcm") + 2*len(pad)
	if len(res.PCM) != want {
		t.Errorf("output = %d bytes, want %d", len(res.PCM), want)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestPipeline_EmptyChapter(t *testing.T) {
	tp := newTestPipeline(t, Config{Voice: "Kore", Model: "tts-test"}, nil, 15)

	res, err := tp.p.GenerateChapter(context.Background(), book.Chapter{Title: "Blank"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Units != 0 || res.PCM != nil {
		t.Errorf("res = %+v, want empty", res)
	}
	if got := tp.mock.CallCount(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}

func TestPipeline_QualityRegeneratesCorruptedUnit(t *testing.T) {
	detector := quality.NewDetector(quality.DefaultConfig())
	tp := newTestPipeline(t, Config{
		Voice:          "Kore",
		Model:          "tts-test",
		UnitPause:      200 * time.Millisecond,
		QualityEnabled: true,
	}, detector, 15)

	clean := speechPCM(3*time.Second, tp.format)
	corrupt := tp.format.Silence(500 * time.Millisecond)

	// Unit order is fixed, so the script reads: unit 0 clean, unit 1
	// corrupted twice then clean, unit 2 clean.
	tp.mock.Enqueue(
		provider.Outcome{PCM: clean},
		provider.Outcome{PCM: corrupt},
		provider.Outcome{PCM: corrupt},
		provider.Outcome{PCM: clean},
		provider.Outcome{PCM: clean},
	)

	res, err := tp.p.GenerateChapter(context.Background(), book.Chapter{
		Title: "One",
		Text:  threeParagraphs(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := tp.mock.CallCount(); got != 5 {
		t.Errorf("calls = %d, want 5 (3 units + 2 regenerations)", got)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none once the retry succeeds", res.Warnings)
	}

	// The final output must hold the clean third-attempt buffer, never
	// the corrupted ones.
	pad := tp.format.Silence(200 * time.Millisecond)
	want := joinWith([][]byte{clean, clean, clean}, pad)
	if !bytes.Equal(res.PCM, want) {
		t.Error("output does not match three clean segments")
	}
}

func TestPipeline_QualityAcceptsWithWarningAfterRetries(t *testing.T) {
	detector := quality.NewDetector(quality.DefaultConfig())
	tp := newTestPipeline(t, Config{
		Voice:             "Kore",
		Model:             "tts-test",
		QualityEnabled:    true,
		MaxQualityRetries: 2,
	}, detector, 30000)

	corrupt := tp.format.Silence(500 * time.Millisecond)
	tp.mock.Default = corrupt

	res, err := tp.p.GenerateChapter(context.Background(), book.Chapter{
		Title: "One",
		Text:  "A single short unit.",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Initial attempt plus two regenerations, then accept.
	if got := tp.mock.CallCount(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "corruption unresolved") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if !bytes.Equal(res.PCM, corrupt) {
		t.Error("accepted buffer should be the last attempt")
	}
}

func TestPipeline_ResumeSkipsCompletedUnits(t *testing.T) {
	c, err := cache.Open(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	s, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	text := threeParagraphs()
	jobID := state.JobID([]string{text}, "Kore", "tts-test")
	ch := book.Chapter{Title: "One", Text: text}

	tp1 := newTestPipeline(t, Config{Voice: "Kore", Model: "tts-test"}, nil, 15)
	tp1.p.WithCache(c).WithResume(s, jobID)
	first, err := tp1.p.GenerateChapter(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if got := tp1.mock.CallCount(); got != 3 {
		t.Fatalf("first run calls = %d, want 3", got)
	}

	// Second run with a provider that would return different audio. It
	// must never be called.
	tp2 := newTestPipeline(t, Config{Voice: "Kore", Model: "tts-test"}, nil, 15)
	tp2.mock.Default = []byte("wrong-pcm!!")
	tp2.p.WithCache(c).WithResume(s, jobID)
	second, err := tp2.p.GenerateChapter(context.Background(), ch)
	if err != nil {
		t.Fatal(err)
	}
	if got := tp2.mock.CallCount(); got != 0 {
		t.Errorf("resume run calls = %d, want 0", got)
	}
	if !bytes.Equal(first.PCM, second.PCM) {
		t.Error("resumed output differs from the original run")
	}
}

func TestPipeline_CacheWithoutLedgerRegenerates(t *testing.T) {
	c, err := cache.Open(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// A cache entry exists but no resume ledger backs it up, so the
	// pipeline must regenerate rather than trust the stale audio.
	text := "A single short unit."
	if err := c.Put(cache.Key(text, "Kore", "tts-test"), []byte("stale-pcm")); err != nil {
		t.Fatal(err)
	}

	tp := newTestPipeline(t, Config{Voice: "Kore", Model: "tts-test"}, nil, 30000)
	tp.p.WithCache(c)

	res, err := tp.p.GenerateChapter(context.Background(), book.Chapter{Title: "One", Text: text})
	if err != nil {
		t.Fatal(err)
	}
	if got := tp.mock.CallCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if !bytes.Equal(res.PCM, []byte("default-pcm")) {
		t.Errorf("output = %q, want freshly generated audio", res.PCM)
	}
}

func TestPipeline_GenerateBook(t *testing.T) {
	tp := newTestPipeline(t, Config{
		Voice:        "Kore",
		Model:        "tts-test",
		ChapterPause: 100 * time.Millisecond,
	}, nil, 30000)

	res, err := tp.p.GenerateBook(context.Background(), []book.Chapter{
		{Title: "One", Text: "First chapter text."},
		{Title: "Two", Text: "Second chapter text."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chapters) != 2 {
		t.Fatalf("chapters = %d", len(res.Chapters))
	}
	if res.Chapters[0].Title != "One" || res.Chapters[1].Title != "Two" {
		t.Errorf("titles = %q, %q", res.Chapters[0].Title, res.Chapters[1].Title)
	}

	pad := tp.format.Silence(100 * time.Millisecond)
	want := 2*len("default-pcm") + len(pad)
	if len(res.PCM) != want {
		t.Errorf("book PCM = %d bytes, want %d", len(res.PCM), want)
	}
}

func TestPipeline_GenerateBookReportsFailedChapter(t *testing.T) {
	tp := newTestPipeline(t, Config{Voice: "Kore", Model: "tts-test"}, nil, 30000)
	tp.mock.Enqueue(
		provider.Outcome{PCM: []byte("ok")},
		provider.Outcome{Err: &provider.Error{StatusCode: 400, Msg: "no"}},
	)

	res, err := tp.p.GenerateBook(context.Background(), []book.Chapter{
		{Title: "One", Text: "Fine."},
		{Title: "Two", Text: "Doomed."},
	})
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "chapter 2 (Two)") {
		t.Errorf("err = %v, want chapter attribution", err)
	}
	if kind, ok := KindOf(err); !ok || kind != ClientError {
		t.Errorf("kind = %v", kind)
	}
	// The finished chapter is still reported.
	if len(res.Chapters) != 1 || res.Chapters[0].Title != "One" {
		t.Errorf("partial result = %+v", res.Chapters)
	}
}

func TestPipeline_Cancellation(t *testing.T) {
	tp := newTestPipeline(t, Config{Voice: "Kore", Model: "tts-test"}, nil, 15)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tp.p.GenerateChapter(ctx, book.Chapter{Title: "One", Text: threeParagraphs()})
	if err == nil {
		t.Fatal("want context error")
	}
	if got := tp.mock.CallCount(); got != 0 {
		t.Errorf("calls = %d, want 0", got)
	}
}
