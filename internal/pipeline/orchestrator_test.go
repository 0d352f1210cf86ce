package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wowitsjack/fablecast/internal/provider"
	"github.com/wowitsjack/fablecast/internal/ratelimit"
	"github.com/wowitsjack/fablecast/internal/token"
)

// testOrch wires an orchestrator with recorded sleeps, zero jitter, and a
// limiter generous enough to never block.
type testOrch struct {
	orch   *Orchestrator
	mock   *provider.Mock
	budget *TokenBudget
	sleeps []time.Duration
}

func newTestOrch(t *testing.T, initialBudget int) *testOrch {
	t.Helper()
	mock := provider.NewMock([]byte("pcm-data"))
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 100000,
		TokensPerMinute:   1 << 30,
	})
	budget := NewTokenBudget(initialBudget, nil)

	to := &testOrch{mock: mock, budget: budget}
	to.orch = NewOrchestrator(OrchestratorConfig{
		Voice: "Kore",
		Model: "tts-test",
	}, mock, limiter, budget, token.NewEstimator(nil))
	to.orch.sleep = func(_ context.Context, d time.Duration) error {
		to.sleeps = append(to.sleeps, d)
		return nil
	}
	to.orch.jitter = func(int) time.Duration { return 0 }
	return to
}

func makeUnit(text string) Unit {
	return Unit{
		Index:           UnitIndex{Seq: 0},
		Text:            text,
		EstimatedTokens: token.Approximate(text),
	}
}

func TestOrchestrator_Success(t *testing.T) {
	to := newTestOrch(t, 30000)

	gen, err := to.orch.Generate(context.Background(), makeUnit("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if len(gen) != 1 || string(gen[0].PCM) != "pcm-data" {
		t.Fatalf("gen = %+v", gen)
	}
	if got := to.mock.CallCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if len(to.sleeps) != 0 {
		t.Errorf("unexpected sleeps: %v", to.sleeps)
	}
}

func TestOrchestrator_RateLimitedThenSuccess(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Enqueue(provider.Outcome{Err: &provider.Error{StatusCode: 429, RetryDelay: 30 * time.Second}})

	gen, err := to.orch.Generate(context.Background(), makeUnit("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if len(gen) != 1 {
		t.Fatalf("gen = %+v", gen)
	}
	if len(to.sleeps) != 1 || to.sleeps[0] != 30*time.Second {
		t.Errorf("sleeps = %v, want one 30s wait from the provider hint", to.sleeps)
	}
}

func TestOrchestrator_RateLimitDefaultDelay(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Enqueue(provider.Outcome{Err: &provider.Error{StatusCode: 429}})

	if _, err := to.orch.Generate(context.Background(), makeUnit("hello")); err != nil {
		t.Fatal(err)
	}
	if len(to.sleeps) != 1 || to.sleeps[0] != time.Minute {
		t.Errorf("sleeps = %v, want the one-minute default", to.sleeps)
	}
}

func TestOrchestrator_RateLimitExhausted(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Default = nil
	to.mock.Enqueue(
		provider.Outcome{Err: &provider.Error{StatusCode: 429}},
		provider.Outcome{Err: &provider.Error{StatusCode: 429}},
		provider.Outcome{Err: &provider.Error{StatusCode: 429}},
		provider.Outcome{Err: &provider.Error{StatusCode: 429}},
	)

	_, err := to.orch.Generate(context.Background(), Unit{Index: UnitIndex{Seq: 7}, Text: "x", EstimatedTokens: 1})
	if kind, ok := KindOf(err); !ok || kind != RateLimitExhausted {
		t.Fatalf("err = %v, want RateLimitExhausted", err)
	}

	var perr *Error
	errors.As(err, &perr)
	if perr.Unit.Seq != 7 || perr.Budget != 30000 {
		t.Errorf("error context = unit %s budget %d", perr.Unit, perr.Budget)
	}
	// Three retries allowed, so four calls and three waits.
	if got := to.mock.CallCount(); got != 4 {
		t.Errorf("calls = %d, want 4", got)
	}
	if len(to.sleeps) != 3 {
		t.Errorf("sleeps = %v, want 3 waits", to.sleeps)
	}
}

func TestOrchestrator_RateLimitRetriesDisabled(t *testing.T) {
	mock := provider.NewMock(nil)
	mock.Enqueue(provider.Outcome{Err: &provider.Error{StatusCode: 429}})
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: 100000,
		TokensPerMinute:   1 << 30,
	})

	orch := NewOrchestrator(OrchestratorConfig{
		Voice:               "Kore",
		Model:               "tts-test",
		MaxRateLimitRetries: -1,
	}, mock, limiter, NewTokenBudget(30000, nil), token.NewEstimator(nil))
	var sleeps []time.Duration
	orch.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, err := orch.Generate(context.Background(), makeUnit("x"))
	if kind, ok := KindOf(err); !ok || kind != RateLimitExhausted {
		t.Fatalf("err = %v, want RateLimitExhausted", err)
	}
	if got := mock.CallCount(); got != 1 {
		t.Errorf("calls = %d, want exactly 1", got)
	}
	if len(sleeps) != 0 {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
}

func TestOrchestrator_ServiceUnavailableNeverRetries(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Enqueue(provider.Outcome{Err: &provider.Error{StatusCode: 503}})

	_, err := to.orch.Generate(context.Background(), makeUnit("x"))
	if kind, ok := KindOf(err); !ok || kind != ServiceUnavailable {
		t.Fatalf("err = %v, want ServiceUnavailable", err)
	}
	if got := to.mock.CallCount(); got != 1 {
		t.Errorf("calls = %d, want exactly 1 (no retry)", got)
	}
	if len(to.sleeps) != 0 {
		t.Errorf("unexpected sleeps: %v", to.sleeps)
	}
}

func TestOrchestrator_ClientErrorIsFatal(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Enqueue(provider.Outcome{Err: &provider.Error{StatusCode: 400, Msg: "bad request"}})

	_, err := to.orch.Generate(context.Background(), makeUnit("x"))
	if kind, ok := KindOf(err); !ok || kind != ClientError {
		t.Fatalf("err = %v, want ClientError", err)
	}
	if got := to.mock.CallCount(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

// bigText builds multi-paragraph text estimated at roughly the given
// token count.
func bigText(tokens int) string {
	paragraph := strings.Repeat("All work and no play makes for a dull audiobook. ", 40)
	var b strings.Builder
	for b.Len() < tokens*4 {
		b.WriteString(paragraph)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func TestOrchestrator_ServerErrorsReduceBudgetAndRechunk(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Enqueue(
		provider.Outcome{Err: &provider.Error{StatusCode: 500}},
		provider.Outcome{Err: &provider.Error{StatusCode: 502}},
	)

	unit := makeUnit(bigText(28000))
	gen, err := to.orch.Generate(context.Background(), unit)
	if err != nil {
		t.Fatal(err)
	}

	if got := to.budget.Limit(); got != 25000 {
		t.Errorf("budget = %d, want 25000 after one reduction", got)
	}
	if len(gen) < 2 {
		t.Fatalf("got %d sub-units, want at least 2", len(gen))
	}
	for i, g := range gen {
		if g.Unit.EstimatedTokens > 25000 {
			t.Errorf("sub-unit %d estimates %d tokens, over the reduced budget", i, g.Unit.EstimatedTokens)
		}
		want := unit.Index.Child(i)
		if g.Unit.Index.String() != want.String() {
			t.Errorf("sub-unit %d index = %s, want %s", i, g.Unit.Index, want)
		}
	}

	// No text may be lost in the splice.
	var joined strings.Builder
	for _, g := range gen {
		joined.WriteString(g.Unit.Text)
		joined.WriteString(" ")
	}
	if normalize(joined.String()) != normalize(unit.Text) {
		t.Error("re-chunked sub-units do not reconstruct the original text")
	}

	// One backoff between the two server errors.
	if len(to.sleeps) != 1 || to.sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want one 1s backoff", to.sleeps)
	}
}

func TestOrchestrator_BudgetNeverDropsBelowSmallestStep(t *testing.T) {
	to := newTestOrch(t, 3000) // already below every ladder step
	to.mock.Default = nil
	to.mock.Enqueue(
		provider.Outcome{Err: &provider.Error{StatusCode: 500}},
		provider.Outcome{Err: &provider.Error{StatusCode: 500}},
	)

	_, err := to.orch.Generate(context.Background(), makeUnit("x"))
	if kind, ok := KindOf(err); !ok || kind != ServerErrorExhausted {
		t.Fatalf("err = %v, want ServerErrorExhausted", err)
	}
	if got := to.budget.Limit(); got != 3000 {
		t.Errorf("budget = %d, want unchanged 3000", got)
	}
}

func TestOrchestrator_UnknownErrorBacksOffThenFails(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.mock.Default = nil
	boom := errors.New("wire protocol gremlins")
	to.mock.Enqueue(
		provider.Outcome{Err: boom},
		provider.Outcome{Err: boom},
		provider.Outcome{Err: boom},
	)

	_, err := to.orch.Generate(context.Background(), makeUnit("x"))
	if kind, ok := KindOf(err); !ok || kind != UnknownFailure {
		t.Fatalf("err = %v, want UnknownFailure", err)
	}
	if len(to.sleeps) != 2 || to.sleeps[0] != time.Second || to.sleeps[1] != 2*time.Second {
		t.Errorf("sleeps = %v, want exponential 1s then 2s", to.sleeps)
	}
}

func TestOrchestrator_Cancellation(t *testing.T) {
	to := newTestOrch(t, 30000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := to.orch.Generate(ctx, makeUnit("x"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := to.mock.CallCount(); got != 0 {
		t.Errorf("calls = %d, want 0 after cancellation", got)
	}
}

func TestOrchestrator_PromptPrefix(t *testing.T) {
	to := newTestOrch(t, 30000)
	to.orch.cfg.NarrationPrompt = "Read warmly:"

	if _, err := to.orch.Generate(context.Background(), makeUnit("The story begins.")); err != nil {
		t.Fatal(err)
	}
	if got := to.mock.Calls[0].Text; got != "Read warmly:\n\nThe story begins." {
		t.Errorf("prompt = %q", got)
	}
	if to.mock.Calls[0].Voice != "Kore" || to.mock.Calls[0].Model != "tts-test" {
		t.Errorf("request = %+v", to.mock.Calls[0])
	}
}

func TestUnitIndex(t *testing.T) {
	u := UnitIndex{Seq: 3}
	if u.String() != "3" {
		t.Errorf("String = %q", u.String())
	}
	c0 := u.Child(0)
	c1 := u.Child(1)
	if c0.String() != "3.0" || c1.String() != "3.1" {
		t.Errorf("children = %q, %q", c0, c1)
	}
	if g := c1.Child(2); g.String() != "3.1.2" {
		t.Errorf("grandchild = %q", g)
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
