package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wowitsjack/fablecast/internal/provider"
	"github.com/wowitsjack/fablecast/internal/ratelimit"
	"github.com/wowitsjack/fablecast/internal/textchunk"
	"github.com/wowitsjack/fablecast/internal/token"
)

// UnitIndex locates a unit in the final output order. Sub holds the
// sub-indices a unit acquires when a budget reduction re-chunks it; the
// resulting sub-units sort exactly where the original unit sat.
type UnitIndex struct {
	Seq int
	Sub []int
}

// Child returns the index of the i-th sub-unit spliced in for this unit.
func (u UnitIndex) Child(i int) UnitIndex {
	sub := make([]int, len(u.Sub)+1)
	copy(sub, u.Sub)
	sub[len(u.Sub)] = i
	return UnitIndex{Seq: u.Seq, Sub: sub}
}

func (u UnitIndex) String() string {
	parts := make([]string, 1, len(u.Sub)+1)
	parts[0] = strconv.Itoa(u.Seq)
	for _, s := range u.Sub {
		parts = append(parts, strconv.Itoa(s))
	}
	return strings.Join(parts, ".")
}

// Unit is one piece of text bound for a single provider call.
type Unit struct {
	Index           UnitIndex
	Text            string
	EstimatedTokens int
}

// GeneratedUnit pairs a unit with its accepted raw PCM.
type GeneratedUnit struct {
	Unit Unit
	PCM  []byte
}

// OrchestratorConfig tunes the retry state machine.
type OrchestratorConfig struct {
	Voice           string
	Model           string
	NarrationPrompt string

	// MaxRateLimitRetries bounds 429 retries before giving up. Zero
	// selects the default of 3; a negative value disables retries.
	MaxRateLimitRetries int

	// MaxServerRetries bounds 500-class retries at one budget level
	// before reducing the budget.
	MaxServerRetries int

	BackoffBase       time.Duration
	BackoffCap        time.Duration
	DefaultRetryDelay time.Duration
}

func (c *OrchestratorConfig) fillDefaults() {
	switch {
	case c.MaxRateLimitRetries == 0:
		c.MaxRateLimitRetries = 3
	case c.MaxRateLimitRetries < 0:
		c.MaxRateLimitRetries = 0
	}
	if c.MaxServerRetries == 0 {
		c.MaxServerRetries = 2
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = time.Minute
	}
	if c.DefaultRetryDelay == 0 {
		c.DefaultRetryDelay = time.Minute
	}
}

// Orchestrator wraps provider calls with quota admission, failure
// classification, backoff, and the shared budget-reduction policy.
type Orchestrator struct {
	cfg      OrchestratorConfig
	provider provider.Synthesizer
	limiter  *ratelimit.Limiter
	budget   *TokenBudget
	chunker  *textchunk.Chunker
	est      *token.Estimator

	// OnWait, when set, receives human-readable progress lines while the
	// orchestrator waits on quota.
	OnWait func(string)

	sleep  func(context.Context, time.Duration) error
	jitter func(attempt int) time.Duration
}

// NewOrchestrator wires the retry state machine. All collaborators are
// required except est, which defaults to a fresh estimator.
func NewOrchestrator(cfg OrchestratorConfig, synth provider.Synthesizer, limiter *ratelimit.Limiter, budget *TokenBudget, est *token.Estimator) *Orchestrator {
	cfg.fillDefaults()
	if est == nil {
		est = token.NewEstimator(nil)
	}
	return &Orchestrator{
		cfg:      cfg,
		provider: synth,
		limiter:  limiter,
		budget:   budget,
		chunker:  textchunk.New(est),
		est:      est,
		sleep:    sleepCtx,
		jitter: func(attempt int) time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second) * int64(attempt+1)))
		},
	}
}

// Budget exposes the shared token budget.
func (o *Orchestrator) Budget() *TokenBudget {
	return o.budget
}

// Generate resolves one unit into audio. When server errors force a
// budget reduction, the unit's text is re-chunked at the new limit and
// the sub-units are processed in place, so the returned slice is always
// in output order and may be longer than one.
func (o *Orchestrator) Generate(ctx context.Context, unit Unit) ([]GeneratedUnit, error) {
	queue := []Unit{unit}
	var out []GeneratedUnit

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		pcm, subUnits, err := o.resolve(ctx, u)
		if err != nil {
			return nil, err
		}
		if subUnits != nil {
			queue = append(subUnits, queue...)
			continue
		}
		out = append(out, GeneratedUnit{Unit: u, PCM: pcm})
	}
	return out, nil
}

// resolve runs the retry state machine for a single unit. It returns
// either audio, or replacement sub-units after a budget reduction, or a
// fatal *Error.
func (o *Orchestrator) resolve(ctx context.Context, u Unit) ([]byte, []Unit, error) {
	var rateRetries, serverRetries, unknownRetries int

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		if err := o.limiter.Wait(ctx, o.cfg.Model, u.EstimatedTokens, o.OnWait); err != nil {
			return nil, nil, err
		}

		pcm, err := o.provider.Synthesize(ctx, provider.Request{
			Text:  o.prompt(u.Text),
			Voice: o.cfg.Voice,
			Model: o.cfg.Model,
		})
		if err == nil {
			o.limiter.Record(o.cfg.Model, u.EstimatedTokens)
			return pcm, nil, nil
		}
		o.limiter.RecordFailure(o.cfg.Model)

		switch {
		case provider.IsRateLimited(err):
			rateRetries++
			if rateRetries > o.cfg.MaxRateLimitRetries {
				return nil, nil, o.fatal(RateLimitExhausted, u, err)
			}
			delay, ok := provider.RetryAfter(err)
			if !ok {
				delay = o.cfg.DefaultRetryDelay
			}
			delay += o.jitter(rateRetries)
			log.Warn("rate limited, waiting",
				"unit", u.Index, "attempt", rateRetries, "delay", delay.Round(time.Second))
			if err := o.sleep(ctx, delay); err != nil {
				return nil, nil, err
			}

		case provider.IsServiceUnavailable(err):
			// Provider-wide outage. Retrying a single request is pointless.
			return nil, nil, o.fatal(ServiceUnavailable, u, err)

		case provider.IsClientError(err):
			return nil, nil, o.fatal(ClientError, u, err)

		case provider.IsServerError(err):
			serverRetries++
			if serverRetries >= o.cfg.MaxServerRetries {
				subUnits, rerr := o.reduceAndRechunk(u, err)
				if rerr != nil {
					return nil, nil, rerr
				}
				return nil, subUnits, nil
			}
			delay := o.backoff(serverRetries - 1)
			log.Warn("server error, backing off",
				"unit", u.Index, "attempt", serverRetries, "delay", delay, "err", err)
			if err := o.sleep(ctx, delay); err != nil {
				return nil, nil, err
			}

		default:
			unknownRetries++
			if unknownRetries > o.cfg.MaxServerRetries {
				return nil, nil, o.fatal(UnknownFailure, u, err)
			}
			delay := o.backoff(unknownRetries - 1)
			log.Warn("unexpected provider error, backing off",
				"unit", u.Index, "attempt", unknownRetries, "delay", delay, "err", err)
			if err := o.sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
		}
	}
}

// reduceAndRechunk shrinks the shared budget one step and splits u's text
// at the new limit. Sub-units inherit ordered child indices so they sort
// exactly where u sat.
func (o *Orchestrator) reduceAndRechunk(u Unit, cause error) ([]Unit, error) {
	newLimit, ok := o.budget.Reduce()
	if !ok {
		return nil, o.fatal(ServerErrorExhausted, u, cause)
	}
	log.Warn("reducing token budget after repeated server errors",
		"unit", u.Index, "new_budget", newLimit)

	pieces := o.chunker.Chunk(u.Text, newLimit)
	if len(pieces) == 0 {
		return nil, o.fatal(ServerErrorExhausted, u, fmt.Errorf("re-chunk produced no units: %w", cause))
	}
	subUnits := make([]Unit, len(pieces))
	for i, text := range pieces {
		subUnits[i] = Unit{
			Index:           u.Index.Child(i),
			Text:            text,
			EstimatedTokens: o.est.Estimate(text),
		}
	}
	return subUnits, nil
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase << attempt
	if d > o.cfg.BackoffCap || d <= 0 {
		d = o.cfg.BackoffCap
	}
	return d
}

func (o *Orchestrator) prompt(text string) string {
	if o.cfg.NarrationPrompt == "" {
		return text
	}
	return o.cfg.NarrationPrompt + "\n\n" + text
}

func (o *Orchestrator) fatal(kind FailureKind, u Unit, err error) error {
	return &Error{Kind: kind, Unit: u.Index, Budget: o.budget.Limit(), Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
