// Package token estimates how many provider tokens a piece of text will
// consume. The estimate gates chunk sizing and rate-limit admission, so it
// must be cheap, deterministic, and must never fail.
package token

import "sync"

// Encoder produces an exact token count for text. Implementations wrap a
// real sub-word tokenizer; when none is configured the estimator falls back
// to a character-ratio approximation.
type Encoder interface {
	Count(text string) (int, error)
}

// charsPerToken is the approximation ratio for English prose. It is
// deliberately conservative: overestimating keeps chunks under provider
// limits, underestimating does not.
const charsPerToken = 4

// Estimator maps text to a token count. The zero value is usable and
// approximates; SetEncoder installs an exact tokenizer.
type Estimator struct {
	mu      sync.RWMutex
	encoder Encoder
}

// NewEstimator returns an estimator using the given encoder, which may be
// nil for approximation-only behavior.
func NewEstimator(enc Encoder) *Estimator {
	return &Estimator{encoder: enc}
}

// SetEncoder installs or replaces the exact tokenizer.
func (e *Estimator) SetEncoder(enc Encoder) {
	e.mu.Lock()
	e.encoder = enc
	e.mu.Unlock()
}

// Estimate returns the token count for text. It prefers the exact encoder
// and silently falls back to the approximation if the encoder errors.
// Identical input always yields an identical result within a process run.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}

	e.mu.RLock()
	enc := e.encoder
	e.mu.RUnlock()

	if enc != nil {
		if n, err := enc.Count(text); err == nil && n >= 0 {
			return n
		}
	}

	return Approximate(text)
}

// Approximate returns the character-ratio token estimate for text. Exposed
// so callers can size buffers without constructing an Estimator.
func Approximate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}
