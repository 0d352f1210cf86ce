package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/wowitsjack/fablecast/internal/audio"
	"github.com/wowitsjack/fablecast/internal/book"
	"github.com/wowitsjack/fablecast/internal/cache"
	"github.com/wowitsjack/fablecast/internal/quality"
	"github.com/wowitsjack/fablecast/internal/state"
	"github.com/wowitsjack/fablecast/internal/textchunk"
	"github.com/wowitsjack/fablecast/internal/token"
)

// Config tunes the pipeline driver.
type Config struct {
	Voice string
	Model string

	Format       audio.Format
	UnitPause    time.Duration
	ChapterPause time.Duration

	QualityEnabled    bool
	MaxQualityRetries int
}

// ChapterResult is one finished chapter.
type ChapterResult struct {
	Title    string
	PCM      []byte
	Units    int
	Warnings []string
}

// BookResult is the complete rendered work.
type BookResult struct {
	Chapters []ChapterResult
	PCM      []byte
	Warnings []string
}

// Pipeline generates narration chapter by chapter. Processing is
// deliberately sequential: the shared token budget and rate window are
// job-wide state, and the provider enforces a global per-minute quota, so
// parallel units would only trade progress for rejections.
type Pipeline struct {
	cfg      Config
	orch     *Orchestrator
	chunker  *textchunk.Chunker
	est      *token.Estimator
	detector *quality.Detector

	audioCache *cache.Audio
	store      *state.Store
	jobID      string
}

// New builds a pipeline. detector may be nil when the quality gate is
// disabled.
func New(cfg Config, orch *Orchestrator, detector *quality.Detector, est *token.Estimator) *Pipeline {
	if est == nil {
		est = token.NewEstimator(nil)
	}
	if cfg.MaxQualityRetries == 0 {
		cfg.MaxQualityRetries = 2
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = audio.DefaultFormat()
	}
	return &Pipeline{
		cfg:      cfg,
		orch:     orch,
		chunker:  textchunk.New(est),
		est:      est,
		detector: detector,
	}
}

// WithCache attaches a unit audio cache.
func (p *Pipeline) WithCache(c *cache.Audio) *Pipeline {
	p.audioCache = c
	return p
}

// WithResume attaches a progress ledger under the given job identity.
func (p *Pipeline) WithResume(s *state.Store, jobID string) *Pipeline {
	p.store = s
	p.jobID = jobID
	return p
}

// GenerateBook renders every chapter and joins them with the chapter
// pause. A fatal chapter error aborts the job and reports which chapter
// failed; everything rendered so far is returned alongside the error.
func (p *Pipeline) GenerateBook(ctx context.Context, chapters []book.Chapter) (BookResult, error) {
	var res BookResult
	for i, ch := range chapters {
		log.Info("generating chapter",
			"index", i+1, "of", len(chapters), "title", ch.Title,
			"words", humanize.Comma(int64(book.WordCount(ch.Text))))

		cres, err := p.GenerateChapter(ctx, ch)
		if err != nil {
			return res, fmt.Errorf("chapter %d (%s): %w", i+1, ch.Title, err)
		}
		res.Chapters = append(res.Chapters, cres)
		res.Warnings = append(res.Warnings, cres.Warnings...)
	}

	pad := p.cfg.Format.Silence(p.cfg.ChapterPause)
	parts := make([][]byte, len(res.Chapters))
	for i, c := range res.Chapters {
		parts[i] = c.PCM
	}
	res.PCM = joinWith(parts, pad)
	return res, nil
}

// GenerateChapter chunks one chapter at the active budget and resolves
// every unit in order.
func (p *Pipeline) GenerateChapter(ctx context.Context, ch book.Chapter) (ChapterResult, error) {
	res := ChapterResult{Title: ch.Title}

	texts := p.chunker.Chunk(ch.Text, p.orch.Budget().Limit())
	res.Units = len(texts)
	if len(texts) == 0 {
		return res, nil
	}

	completed := p.completedUnits()

	var segments [][]byte
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		unit := Unit{
			Index:           UnitIndex{Seq: i},
			Text:            text,
			EstimatedTokens: p.est.Estimate(text),
		}
		key := cache.Key(text, p.cfg.Voice, p.cfg.Model)

		if pcm, ok := p.cachedAudio(key, completed); ok {
			log.Debug("unit restored from cache", "unit", unit.Index, "bytes", len(pcm))
			segments = append(segments, pcm)
			continue
		}

		gen, err := p.orch.Generate(ctx, unit)
		if err != nil {
			return res, err
		}

		pcm, warns, err := p.verified(ctx, gen)
		if err != nil {
			return res, err
		}
		res.Warnings = append(res.Warnings, warns...)
		segments = append(segments, pcm)

		p.remember(key, pcm)
	}

	res.PCM = joinWith(segments, p.cfg.Format.Silence(p.cfg.UnitPause))
	return res, nil
}

// verified runs the generated sub-units through the quality gate. A
// corrupted buffer is regenerated up to MaxQualityRetries times; after
// that it is accepted with a logged warning rather than failing the
// chapter.
func (p *Pipeline) verified(ctx context.Context, gen []GeneratedUnit) ([]byte, []string, error) {
	if !p.cfg.QualityEnabled || p.detector == nil {
		return p.joinGenerated(gen), nil, nil
	}

	pad := p.cfg.Format.Silence(p.cfg.UnitPause)
	var warnings []string
	parts := make([][]byte, 0, len(gen))

	for _, g := range gen {
		pcm := g.PCM
		for attempt := 0; ; attempt++ {
			report := p.detector.AnalyzePCM(pcm, p.cfg.Format)
			if !report.Corrupted {
				break
			}
			if attempt >= p.cfg.MaxQualityRetries {
				w := fmt.Sprintf("unit %s: corruption unresolved after %d regenerations (%v), accepting with warning",
					g.Unit.Index, attempt, report.Kinds())
				warnings = append(warnings, w)
				log.Warn("accepting audio despite unresolved corruption",
					"unit", g.Unit.Index, "kinds", report.Kinds(), "confidence", report.Confidence)
				break
			}
			log.Warn("corrupted audio, regenerating",
				"unit", g.Unit.Index, "attempt", attempt+1,
				"kinds", report.Kinds(), "confidence", report.Confidence)

			regen, err := p.orch.Generate(ctx, g.Unit)
			if err != nil {
				return nil, warnings, err
			}
			pcm = p.joinGenerated(regen)
		}
		parts = append(parts, pcm)
	}
	return joinWith(parts, pad), warnings, nil
}

// joinGenerated flattens sub-units into one buffer. More than one entry
// means a budget reduction split the unit; the pieces are contiguous
// text, so they are joined with the standard unit pause.
func (p *Pipeline) joinGenerated(gen []GeneratedUnit) []byte {
	parts := make([][]byte, len(gen))
	for i, g := range gen {
		parts[i] = g.PCM
	}
	return joinWith(parts, p.cfg.Format.Silence(p.cfg.UnitPause))
}

func (p *Pipeline) completedUnits() map[string]bool {
	if p.store == nil || p.jobID == "" {
		return nil
	}
	done, err := p.store.CompletedUnits(p.jobID)
	if err != nil {
		log.Warn("could not read resume ledger, regenerating everything", "err", err)
		return nil
	}
	if len(done) > 0 {
		log.Info("resuming: found completed units", "count", len(done))
	}
	return done
}

// cachedAudio returns a unit's audio when a prior run already produced
// and recorded it. The resume ledger is authoritative: without a
// completion record the cache is never consulted.
func (p *Pipeline) cachedAudio(key string, completed map[string]bool) ([]byte, bool) {
	if p.audioCache == nil || !completed[key] {
		return nil, false
	}
	return p.audioCache.Get(key)
}

func (p *Pipeline) remember(key string, pcm []byte) {
	if p.audioCache != nil {
		if err := p.audioCache.Put(key, pcm); err != nil {
			log.Warn("could not cache unit audio", "err", err)
		}
	}
	if p.store != nil && p.jobID != "" {
		if err := p.store.MarkCompleted(p.jobID, key); err != nil {
			log.Warn("could not record unit completion", "err", err)
		}
	}
}

// joinWith concatenates buffers with pad between consecutive entries.
func joinWith(parts [][]byte, pad []byte) []byte {
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return bytes.Join(parts, pad)
}
