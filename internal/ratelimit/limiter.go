// Package ratelimit tracks per-model request and token budgets against the
// provider's per-minute quotas. Callers ask for admission before every
// synthesis call and record usage after successful ones; the limiter answers
// with either "go now" or "wait this long", it never sleeps on its own
// except through Wait.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Config holds the default quota applied to models without an explicit
// override.
type Config struct {
	// RequestsPerMinute bounds calls per sliding one-minute window.
	RequestsPerMinute int
	// TokensPerMinute bounds the token sum per sliding one-minute window.
	TokensPerMinute int
	// MinInterval is the fixed gap enforced between any two requests,
	// successful or not. Coalesces bursts regardless of token usage.
	MinInterval time.Duration
}

// DefaultConfig mirrors the conservative quota of the preview TTS models.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 15,
		TokensPerMinute:   10000,
		MinInterval:       4 * time.Second,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Ready bool
	// Wait is how long the caller should sleep before re-checking.
	Wait time.Duration
	// Reason is a human-readable explanation for observability.
	Reason string
}

// window is the sliding one-minute usage state for one model.
type window struct {
	requestsPerMinute int
	tokensPerMinute   int
	usedRequests      int
	usedTokens        int
	windowStart       time.Time
}

// Limiter enforces per-model windows plus a global minimum interval.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	windows     map[string]*window
	lastRequest time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New returns a limiter with the given defaults.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = DefaultConfig().TokensPerMinute
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// SetLimits overrides the per-minute quota for one model key.
func (l *Limiter) SetLimits(model string, requestsPerMinute, tokensPerMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windowFor(model)
	w.requestsPerMinute = requestsPerMinute
	w.tokensPerMinute = tokensPerMinute
}

// Admit decides whether a request estimated at estTokens may proceed now.
// It mutates no usage counters; only Record does that.
func (l *Limiter) Admit(model string, estTokens int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowFor(model)
	l.resetIfElapsed(w, now)

	// Fixed interval between requests, independent of quota.
	if !l.lastRequest.IsZero() {
		if since := now.Sub(l.lastRequest); since < l.cfg.MinInterval {
			wait := l.cfg.MinInterval - since
			return Decision{
				Wait:   wait,
				Reason: fmt.Sprintf("enforcing %s minimum interval between requests", l.cfg.MinInterval),
			}
		}
	}

	if w.usedRequests >= w.requestsPerMinute || w.usedTokens+estTokens > w.tokensPerMinute {
		wait := time.Minute - now.Sub(w.windowStart)
		if wait < 0 {
			wait = 0
		}
		return Decision{
			Wait: wait,
			Reason: fmt.Sprintf("rate limit reached for %s: %d/%d requests, %s/%s tokens",
				model, w.usedRequests, w.requestsPerMinute,
				humanize.Comma(int64(w.usedTokens+estTokens)), humanize.Comma(int64(w.tokensPerMinute))),
		}
	}

	return Decision{Ready: true}
}

// Record consumes window quota after a successful call and refreshes the
// interval clock. Call exactly once per success.
func (l *Limiter) Record(model string, actualTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.windowFor(model)
	l.resetIfElapsed(w, now)

	w.usedRequests++
	w.usedTokens += actualTokens
	l.lastRequest = now

	log.Debug("rate limit usage",
		"model", model,
		"requests", fmt.Sprintf("%d/%d", w.usedRequests, w.requestsPerMinute),
		"tokens", fmt.Sprintf("%s/%s", humanize.Comma(int64(w.usedTokens)), humanize.Comma(int64(w.tokensPerMinute))))
}

// RecordFailure refreshes the interval clock without consuming window
// quota. Failed calls still count for burst spacing.
func (l *Limiter) RecordFailure(model string) {
	l.mu.Lock()
	l.lastRequest = l.now()
	l.mu.Unlock()
	log.Debug("request failed, holding interval", "model", model)
}

// Wait blocks until the request is admitted or ctx is cancelled. onWait, if
// non-nil, receives each progress string before a sleep.
func (l *Limiter) Wait(ctx context.Context, model string, estTokens int, onWait func(string)) error {
	for {
		d := l.Admit(model, estTokens)
		if d.Ready {
			return nil
		}

		msg := fmt.Sprintf("%s; waiting %s", d.Reason, d.Wait.Round(100*time.Millisecond))
		log.Info("rate limited", "model", model, "wait", d.Wait.Round(100*time.Millisecond))
		if onWait != nil {
			onWait(msg)
		}

		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage reports the current window counters for one model.
func (l *Limiter) Usage(model string) (requests, tokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windowFor(model)
	l.resetIfElapsed(w, l.now())
	return w.usedRequests, w.usedTokens
}

func (l *Limiter) windowFor(model string) *window {
	w, ok := l.windows[model]
	if !ok {
		w = &window{
			requestsPerMinute: l.cfg.RequestsPerMinute,
			tokensPerMinute:   l.cfg.TokensPerMinute,
			windowStart:       l.now(),
		}
		l.windows[model] = w
	}
	return w
}

func (l *Limiter) resetIfElapsed(w *window, now time.Time) {
	if now.Sub(w.windowStart) >= time.Minute {
		w.usedRequests = 0
		w.usedTokens = 0
		w.windowStart = now
	}
}
