// Package textchunk splits long-form text into units that fit under a token
// budget. Splitting cascades through granularities: paragraphs first, then
// sentences, words, and finally characters, greedily packing at each level
// so units stay as large as the budget allows.
package textchunk

import (
	"regexp"
	"strings"

	"github.com/wowitsjack/fablecast/internal/token"
)

// Granularity identifies one level of the splitting cascade.
type Granularity int

const (
	// Paragraph splits on blank-line boundaries.
	Paragraph Granularity = iota
	// Sentence splits after sentence-ending punctuation.
	Sentence
	// Word splits on whitespace.
	Word
	// Character splits on individual runes. Last resort for degenerate
	// input such as a single enormous word.
	Character
)

// String returns the granularity name.
func (g Granularity) String() string {
	switch g {
	case Paragraph:
		return "paragraph"
	case Sentence:
		return "sentence"
	case Word:
		return "word"
	case Character:
		return "character"
	default:
		return "unknown"
	}
}

// Finer returns the next smaller granularity, or false at Character.
func (g Granularity) Finer() (Granularity, bool) {
	if g >= Character {
		return Character, false
	}
	return g + 1, true
}

// separator is the join string restored between packed segments.
func (g Granularity) separator() string {
	switch g {
	case Paragraph:
		return "\n\n"
	case Character:
		return ""
	default:
		return " "
	}
}

var paragraphBoundary = regexp.MustCompile(`\n[ \t]*\n+`)

// Chunker splits text against a token estimator.
type Chunker struct {
	est *token.Estimator
}

// New returns a chunker backed by est.
func New(est *token.Estimator) *Chunker {
	return &Chunker{est: est}
}

// Chunk splits text into units whose estimated token count does not exceed
// maxTokens. Concatenating the units (modulo the separators the cascade
// inserts) reproduces the input up to whitespace normalization. Empty input
// yields nil; input already under budget yields a single trimmed unit.
func (c *Chunker) Chunk(text string, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxTokens < 1 {
		maxTokens = 1
	}
	if c.est.Estimate(text) <= maxTokens {
		return []string{text}
	}

	units := c.split(text, maxTokens, Paragraph)
	return c.verify(units, maxTokens)
}

// split greedily packs the segments of text at granularity g. A segment
// that alone exceeds the budget is recursively split one level finer; at
// Character granularity an oversized rune is emitted as its own unit and
// the caller is expected to fail fast at generation time.
func (c *Chunker) split(text string, maxTokens int, g Granularity) []string {
	segments := segment(text, g)
	sep := g.separator()

	var units []string
	var current string

	flush := func() {
		if trimmed := strings.TrimSpace(current); trimmed != "" {
			units = append(units, trimmed)
		}
		current = ""
	}

	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			continue
		}

		candidate := seg
		if current != "" {
			candidate = current + sep + seg
		}
		if c.est.Estimate(candidate) <= maxTokens {
			current = candidate
			continue
		}

		flush()

		if c.est.Estimate(seg) <= maxTokens {
			current = seg
			continue
		}

		finer, ok := g.Finer()
		if !ok {
			// Single rune over budget. Emit it anyway; the chunker
			// cannot shrink further.
			units = append(units, seg)
			continue
		}
		units = append(units, c.split(seg, maxTokens, finer)...)
	}
	flush()

	return units
}

// verify re-estimates every unit and force-splits any stragglers at word
// granularity. The cascade already guarantees budgets, so this is a
// safeguard against estimator drift between passes.
func (c *Chunker) verify(units []string, maxTokens int) []string {
	verified := make([]string, 0, len(units))
	for _, u := range units {
		if c.est.Estimate(u) <= maxTokens {
			verified = append(verified, u)
			continue
		}
		verified = append(verified, c.split(u, maxTokens, Word)...)
	}
	return verified
}

// segment slices text at granularity g without losing content.
func segment(text string, g Granularity) []string {
	switch g {
	case Paragraph:
		return paragraphBoundary.Split(text, -1)
	case Sentence:
		return splitSentences(text)
	case Word:
		return strings.Fields(text)
	default:
		runes := []rune(text)
		out := make([]string, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out
	}
}

// splitSentences breaks text after runs of sentence-ending punctuation that
// are followed by whitespace, mirroring a lookbehind split on [.!?]\s+.
func splitSentences(text string) []string {
	var sentences []string
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		if runes[i] != '.' && runes[i] != '!' && runes[i] != '?' {
			continue
		}
		// Consume the full punctuation run ("?!", "...").
		end := i + 1
		for end < len(runes) && (runes[end] == '.' || runes[end] == '!' || runes[end] == '?') {
			end++
		}
		if end >= len(runes) {
			break
		}
		if runes[end] != ' ' && runes[end] != '\t' && runes[end] != '\n' && runes[end] != '\r' {
			i = end - 1
			continue
		}
		sentences = append(sentences, string(runes[start:end]))
		for end < len(runes) && (runes[end] == ' ' || runes[end] == '\t' || runes[end] == '\n' || runes[end] == '\r') {
			end++
		}
		start = end
		i = end - 1
	}

	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}
	return sentences
}
