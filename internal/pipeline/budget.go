// Package pipeline drives narration generation end to end: chunk a
// chapter under the active token budget, call the provider with retry and
// backoff, gate every buffer through the quality detector, and stitch the
// accepted audio together in order.
package pipeline

// DefaultReductionSteps is the ladder of smaller unit sizes tried when
// the provider keeps failing at the current size.
var DefaultReductionSteps = []int{25000, 20000, 15000, 10000, 5000}

// TokenBudget is the job-wide unit size ceiling. It only ever shrinks:
// once the provider has choked on a given chunk size, every later unit in
// the job uses the smaller size instead of rediscovering the failure.
type TokenBudget struct {
	limit int
	steps []int
	next  int
}

// NewTokenBudget starts a budget at initial with the given reduction
// ladder. A nil ladder uses DefaultReductionSteps.
func NewTokenBudget(initial int, steps []int) *TokenBudget {
	if steps == nil {
		steps = DefaultReductionSteps
	}
	return &TokenBudget{limit: initial, steps: steps}
}

// Limit returns the active per-unit token ceiling.
func (b *TokenBudget) Limit() int {
	return b.limit
}

// Reduce drops the limit to the next ladder step strictly below the
// current limit. It returns the new limit and false when no smaller step
// remains.
func (b *TokenBudget) Reduce() (int, bool) {
	for b.next < len(b.steps) {
		step := b.steps[b.next]
		b.next++
		if step < b.limit {
			b.limit = step
			return step, true
		}
	}
	return b.limit, false
}
