package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"

	"github.com/wowitsjack/fablecast/internal/audio"
	"github.com/wowitsjack/fablecast/internal/book"
	"github.com/wowitsjack/fablecast/internal/cache"
	"github.com/wowitsjack/fablecast/internal/config"
	"github.com/wowitsjack/fablecast/internal/pipeline"
	"github.com/wowitsjack/fablecast/internal/provider"
	"github.com/wowitsjack/fablecast/internal/quality"
	"github.com/wowitsjack/fablecast/internal/ratelimit"
	"github.com/wowitsjack/fablecast/internal/state"
	"github.com/wowitsjack/fablecast/internal/textchunk"
	"github.com/wowitsjack/fablecast/internal/token"
)

// source provides readable narration input.
type source struct {
	reader io.ReadCloser
	Path   string
}

// sourceFromArg opens the text source named by the argument; "-" reads
// from stdin.
func sourceFromArg(arg string) (*source, error) {
	if arg == "-" {
		return &source{reader: os.Stdin}, nil
	}
	r, err := os.Open(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to open file: %w", err)
	}
	p, err := filepath.Abs(arg)
	if err != nil {
		return nil, fmt.Errorf("unable to get absolute path: %w", err)
	}
	return &source{r, p}, nil
}

func stdinIsPipe() (bool, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false, fmt.Errorf("unable to stat stdin: %w", err)
	}
	if stat.Mode()&os.ModeCharDevice == 0 || stat.Size() > 0 {
		return true, nil
	}
	return false, nil
}

func execute(_ *cobra.Command, args []string) error {
	var src *source
	switch {
	case len(args) == 1:
		s, err := sourceFromArg(args[0])
		if err != nil {
			return err
		}
		src = s
	default:
		if yes, err := stdinIsPipe(); err != nil {
			return err
		} else if !yes {
			return errors.New("missing text source: pass a file or pipe text on stdin")
		}
		src = &source{reader: os.Stdin}
	}
	defer src.reader.Close() //nolint:errcheck

	raw, err := io.ReadAll(src.reader)
	if err != nil {
		return fmt.Errorf("unable to read source: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	chapters := book.ExtractChapters(narrationText(src.Path, raw))
	if len(chapters) == 0 {
		return errors.New("source contains no narratable text")
	}

	if dryRun {
		return printPlan(cfg, chapters)
	}
	if cfg.APIKey == "" {
		return errors.New("no API key: set FABLECAST_API_KEY or gemini_api_key in the config file")
	}
	return runGenerate(cfg, baseName(src.Path), chapters)
}

// narrationText turns raw source bytes into preprocessed narration
// prose, flattening markdown when the filename says so.
func narrationText(path string, raw []byte) string {
	if book.IsMarkdown(path) {
		return book.FlattenMarkdown(raw)
	}
	return book.Preprocess(string(raw))
}

// printPlan reports what a run would do: units per chapter, provider
// requests, and a wall-clock floor implied by the quota settings.
func printPlan(cfg config.Config, chapters []book.Chapter) error {
	est := token.NewEstimator(nil)
	chunker := textchunk.New(est)
	limit := cfg.EffectiveBudget()

	var units, tokens int
	fmt.Println(titleStyle.Render("Generation plan"))
	for i, ch := range chapters {
		texts := chunker.Chunk(ch.Text, limit)
		var chTokens int
		for _, t := range texts {
			chTokens += est.Estimate(t)
		}
		units += len(texts)
		tokens += chTokens
		fmt.Printf("  %2d. %s: %s words, %d units, ~%s tokens\n",
			i+1, ch.Title,
			humanize.Comma(int64(book.WordCount(ch.Text))),
			len(texts), humanize.Comma(int64(chTokens)))
	}

	perRequest := 60 * time.Second / time.Duration(cfg.RequestsPerMinute)
	if cfg.MinRequestGap > perRequest {
		perRequest = cfg.MinRequestGap
	}
	fmt.Printf("\n  budget %d tokens/unit, %d requests, at least %s of quota time\n",
		limit, units, (time.Duration(units) * perRequest).Round(time.Second))
	fmt.Printf("  ~%s total tokens against %s tokens/minute\n",
		humanize.Comma(int64(tokens)), humanize.Comma(int64(cfg.TokensPerMinute)))
	return nil
}

func runGenerate(cfg config.Config, name string, chapters []book.Chapter) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	synth, err := provider.NewGemini(provider.GeminiConfig{
		APIKey:            cfg.APIKey,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		TokensPerMinute:   cfg.TokensPerMinute,
		MinInterval:       cfg.MinRequestGap,
	})
	est := token.NewEstimator(nil)
	budget := pipeline.NewTokenBudget(cfg.EffectiveBudget(), cfg.ReductionSteps)

	rateRetries := cfg.MaxRateLimitRetries
	if rateRetries == 0 {
		// The config default is 3, so a zero here is an explicit
		// request for no retries.
		rateRetries = -1
	}
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Voice:               cfg.Voice,
		Model:               cfg.Model,
		NarrationPrompt:     cfg.NarrationPrompt,
		MaxRateLimitRetries: rateRetries,
	}, synth, limiter, budget, est)
	orch.OnWait = func(msg string) { log.Info(msg) }

	var detector *quality.Detector
	qualityOn := cfg.QualityEnabled && !noQuality
	if qualityOn {
		detector = quality.NewDetector(quality.Config{
			SilenceThresholdDB:  cfg.SilenceThresholdDB,
			MinSpeechDuration:   cfg.MinSpeechDuration,
			MaxTrailingSilence:  cfg.MaxTrailingSilence,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
		})
	}

	format := audio.Format{SampleRate: cfg.SampleRate, Channels: audio.DefaultChannels}
	pipe := pipeline.New(pipeline.Config{
		Voice:             cfg.Voice,
		Model:             cfg.Model,
		Format:            format,
		UnitPause:         cfg.UnitPause,
		ChapterPause:      cfg.ChapterPause,
		QualityEnabled:    qualityOn,
		MaxQualityRetries: cfg.MaxQualityRetries,
	}, orch, detector, est)

	scope := gap.NewScope(gap.User, "fablecast")

	if !noCache {
		dir, err := defaultDir(cfg.CacheDir, scope.CacheDir, "cache")
		if err != nil {
			return err
		}
		c, err := cache.Open(filepath.Join(dir, "audio"), cfg.CacheCapacity)
		if err != nil {
			return fmt.Errorf("open audio cache: %w", err)
		}
		defer c.Close() //nolint:errcheck
		pipe.WithCache(c)
	}

	stateDir, err := defaultDir(cfg.StateDir, func() (string, error) {
		dirs, err := scope.DataDirs()
		if err != nil || len(dirs) == 0 {
			return "", err
		}
		return dirs[0], nil
	}, "state")
	if err != nil {
		return err
	}

	texts := make([]string, len(chapters))
	for i, ch := range chapters {
		texts[i] = ch.Text
	}
	jobID := state.JobID(texts, cfg.Voice, cfg.Model)

	store, err := state.Open(filepath.Join(stateDir, "jobs"))
	if err != nil {
		log.Warn("progress tracking unavailable", "err", err)
	} else {
		defer store.Close() //nolint:errcheck
		if !resumeJob {
			if err := store.ClearJob(jobID); err != nil {
				log.Warn("could not clear previous job state", "err", err)
			}
		}
		pipe.WithResume(store, jobID)
	}

	runID := uuid.NewString()[:8]
	log.Info("starting narration job",
		"run", runID, "job", jobID[:12],
		"chapters", len(chapters), "voice", cfg.Voice, "model", cfg.Model,
		"budget", budget.Limit())

	started := time.Now()
	res, err := pipe.GenerateBook(ctx, chapters)
	if err != nil {
		return describeFailure(err)
	}

	if err := writeOutputs(cfg.OutputDir, name, res, format); err != nil {
		return err
	}

	for _, w := range res.Warnings {
		fmt.Println(warnStyle.Render("warning: " + w))
	}
	log.Info("narration complete",
		"run", runID,
		"chapters", len(res.Chapters),
		"audio", humanize.Bytes(uint64(len(res.PCM))),
		"duration", format.Duration(res.PCM).Round(time.Second),
		"took", time.Since(started).Round(time.Second))
	return nil
}

// describeFailure adds operator guidance to fatal pipeline errors.
func describeFailure(err error) error {
	kind, ok := pipeline.KindOf(err)
	if !ok {
		return err
	}
	switch kind {
	case pipeline.RateLimitExhausted:
		return fmt.Errorf("%w\nquota is exhausted; wait for it to refill and rerun with --resume", err)
	case pipeline.ServiceUnavailable:
		return fmt.Errorf("%w\nthe provider is down; rerun with --resume once it recovers", err)
	case pipeline.ServerErrorExhausted:
		return fmt.Errorf("%w\nthe provider kept failing at every unit size; try --safe or a different model", err)
	default:
		return err
	}
}

// writeOutputs persists one WAV per chapter plus the joined book.
func writeOutputs(dir, name string, res pipeline.BookResult, format audio.Format) error {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	for i, ch := range res.Chapters {
		path := filepath.Join(dir, fmt.Sprintf("%s_%02d_%s.wav", name, i+1, slugify(ch.Title)))
		if err := os.WriteFile(path, audio.EncodeWAV(ch.PCM, format), 0o644); err != nil {
			return fmt.Errorf("write chapter audio: %w", err)
		}
		log.Info("wrote chapter", "path", path, "duration", format.Duration(ch.PCM).Round(time.Second))
	}

	path := filepath.Join(dir, name+".wav")
	if err := os.WriteFile(path, audio.EncodeWAV(res.PCM, format), 0o644); err != nil {
		return fmt.Errorf("write book audio: %w", err)
	}
	log.Info("wrote book", "path", path)
	return nil
}

func baseName(path string) string {
	if path == "" {
		return "narration"
	}
	b := filepath.Base(path)
	return strings.TrimSuffix(b, filepath.Ext(b))
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = slugPattern.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		return "chapter"
	}
	return s
}

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the available provider voices",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		for _, v := range provider.Voices {
			fmt.Printf("  %s  %s\n", keywordStyle.Render(fmt.Sprintf("%-16s", v.Name)), v.Character)
		}
		return nil
	},
}
