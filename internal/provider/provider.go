// Package provider defines the contract with the remote TTS service and the
// error classification the retry logic depends on. The pipeline treats
// synthesis as an opaque remote call; all it needs back is audio bytes or an
// error carrying enough detail (an HTTP status, a suggested retry delay) to
// decide whether to wait, shrink, retry, or abort.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"time"
)

// Request is one synthesis call.
type Request struct {
	// Text is the full prompt submitted to the provider, narration
	// instructions included.
	Text string
	// Voice is the provider voice identifier.
	Voice string
	// Model is the provider model identifier.
	Model string
}

// Synthesizer converts text to raw PCM audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// ErrEmptyAudio is returned when the provider responds successfully but
// with no audio payload.
var ErrEmptyAudio = errors.New("provider returned no audio data")

// Error is a failed provider call with its HTTP status.
type Error struct {
	// StatusCode is the HTTP status, or 0 for network-level failures.
	StatusCode int
	// RetryDelay is the provider-suggested wait, if one was present in
	// the response body. Zero means none was given.
	RetryDelay time.Duration
	// Msg is a short diagnostic extracted from the response.
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider network error: %s", e.Msg)
	}
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Msg)
}

// IsRateLimited reports whether err is a 429-equivalent rejection.
func IsRateLimited(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == 429
}

// IsServiceUnavailable reports whether err indicates the provider as a
// whole is down (503). Never retried.
func IsServiceUnavailable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode == 503
}

// IsServerError reports whether err is a transient server-side failure:
// a 5xx other than 503, or a timeout. These drive budget reduction.
func IsServerError(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode >= 500 && pe.StatusCode != 503
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClientError reports whether err is a non-retryable request problem:
// any 4xx except 429.
func IsClientError(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.StatusCode >= 400 && pe.StatusCode < 500 && pe.StatusCode != 429
}

// RetryAfter extracts the provider-suggested retry delay from err.
func RetryAfter(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryDelay > 0 {
		return pe.RetryDelay, true
	}
	return 0, false
}

// retryDelayPattern matches the retryDelay hint embedded in quota error
// bodies, e.g. "retryDelay": "50s".
var retryDelayPattern = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+(?:\.\d+)?)s"`)

// ParseRetryDelay pulls the suggested retry delay out of a raw error body.
func ParseRetryDelay(body string) (time.Duration, bool) {
	m := retryDelayPattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	var secs float64
	if _, err := fmt.Sscanf(m[1], "%f", &secs); err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
