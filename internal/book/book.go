// Package book turns manuscript input into clean, ordered chapters ready
// for narration. It detects common chapter headings, flattens markdown to
// plain prose, and normalizes text so the synthesis provider never sees
// layout noise.
package book

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Chapter is one narration unit of a manuscript.
type Chapter struct {
	Title string
	Text  string
}

// Heading shapes that mark a chapter boundary at the start of a line.
var chapterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*chapter\s+\d+[:.\s]*(.*)$`),
	regexp.MustCompile(`(?i)^\s*part\s+\d+[:.\s]*(.*)$`),
	regexp.MustCompile(`^\s*\d+\.\s+(\p{Lu}.*)$`),
}

// ExtractChapters splits text at recognized chapter headings. Text before
// the first heading, or text with no headings at all, becomes a single
// untitled chapter.
func ExtractChapters(text string) []Chapter {
	var chapters []Chapter
	title := "Chapter 1"
	var body strings.Builder

	flush := func() {
		if s := strings.TrimSpace(body.String()); s != "" {
			chapters = append(chapters, Chapter{Title: title, Text: s})
		}
		body.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		matched := false
		for _, pat := range chapterPatterns {
			if pat.MatchString(line) {
				flush()
				title = strings.TrimSpace(line)
				matched = true
				break
			}
		}
		if !matched {
			body.WriteString(line)
			body.WriteString("\n")
		}
	}
	flush()

	if len(chapters) == 0 {
		if s := strings.TrimSpace(text); s != "" {
			chapters = append(chapters, Chapter{Title: "Chapter 1", Text: s})
		}
	}
	return chapters
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	excessNewlines  = regexp.MustCompile(`\n{3,}`)
	trailingSpace   = regexp.MustCompile(`[ \t]+\n`)
	missingGap      = regexp.MustCompile(`([.!?])(\p{Lu})`)
)

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`,
	"‘", `'`, "’", `'`,
	"–", "-", "—", " - ",
	"…", "...",
)

// Preprocess normalizes manuscript text for synthesis: Unicode NFC,
// typographic punctuation folded to ASCII, whitespace collapsed, and a
// space restored after sentence ends that run into the next capital.
func Preprocess(text string) string {
	text = norm.NFC.String(text)
	text = quoteReplacer.Replace(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalSpace.ReplaceAllString(text, " ")
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	text = missingGap.ReplaceAllString(text, "$1 $2")
	return strings.TrimSpace(text)
}

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// ReadingTime estimates how long text takes to narrate at wpm words per
// minute. Zero wpm uses a typical narration pace of 150.
func ReadingTime(text string, wpm int) time.Duration {
	if wpm <= 0 {
		wpm = 150
	}
	minutes := float64(WordCount(text)) / float64(wpm)
	return time.Duration(minutes * float64(time.Minute))
}
