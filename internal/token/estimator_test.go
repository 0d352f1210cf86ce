package token

import (
	"errors"
	"strings"
	"testing"
)

type fixedEncoder struct {
	n   int
	err error
}

func (f fixedEncoder) Count(string) (int, error) { return f.n, f.err }

func TestEstimate_ApproximationFallback(t *testing.T) {
	e := NewEstimator(nil)

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abc", 1},
		{"abcd", 1},
		{"abcdefgh", 2},
		{strings.Repeat("x", 400), 100},
	}

	for _, tt := range tests {
		if got := e.Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimate_UsesEncoder(t *testing.T) {
	e := NewEstimator(fixedEncoder{n: 42})
	if got := e.Estimate("hello world"); got != 42 {
		t.Errorf("Estimate = %d, want encoder value 42", got)
	}
}

func TestEstimate_EncoderErrorFallsBack(t *testing.T) {
	e := NewEstimator(fixedEncoder{err: errors.New("tokenizer broken")})
	if got := e.Estimate("abcdefgh"); got != 2 {
		t.Errorf("Estimate = %d, want approximation 2 on encoder error", got)
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	e := NewEstimator(nil)
	text := strings.Repeat("The quick brown fox. ", 100)

	first := e.Estimate(text)
	for i := 0; i < 10; i++ {
		if got := e.Estimate(text); got != first {
			t.Fatalf("Estimate changed between calls: %d then %d", first, got)
		}
	}
}

func TestEstimate_NonNegativeEncoderResult(t *testing.T) {
	e := NewEstimator(fixedEncoder{n: -5})
	if got := e.Estimate("abcd"); got != 1 {
		t.Errorf("Estimate = %d, want approximation when encoder returns negative", got)
	}
}
