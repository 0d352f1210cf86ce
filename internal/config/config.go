// Package config holds the generation settings and their load order:
// built-in defaults, then the viper config file, then environment
// variables, then command-line flags bound by the caller.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the complete generation configuration.
type Config struct {
	// Provider settings.
	APIKey string `env:"FABLECAST_API_KEY"`
	Model  string `env:"FABLECAST_MODEL"`
	Voice  string `env:"FABLECAST_VOICE"`

	// TokenBudget is the initial per-unit token ceiling. SafeMode starts
	// from a much smaller ceiling for providers having a bad day.
	TokenBudget int  `env:"FABLECAST_TOKEN_BUDGET"`
	SafeMode    bool `env:"FABLECAST_SAFE_MODE"`

	// ReductionSteps is the ladder of smaller ceilings tried when the
	// provider keeps failing at the current size.
	ReductionSteps []int `env:"FABLECAST_REDUCTION_STEPS" envSeparator:","`

	// Quota settings mirrored from the provider's published limits.
	RequestsPerMinute int           `env:"FABLECAST_RPM"`
	TokensPerMinute   int           `env:"FABLECAST_TPM"`
	MinRequestGap     time.Duration `env:"FABLECAST_MIN_REQUEST_GAP"`

	// Retry policy.
	MaxRateLimitRetries int `env:"FABLECAST_MAX_RATE_LIMIT_RETRIES"`
	MaxQualityRetries   int `env:"FABLECAST_MAX_QUALITY_RETRIES"`

	// Quality gate.
	QualityEnabled      bool          `env:"FABLECAST_QUALITY_ENABLED"`
	ConfidenceThreshold float64       `env:"FABLECAST_CONFIDENCE_THRESHOLD"`
	SilenceThresholdDB  float64       `env:"FABLECAST_SILENCE_THRESHOLD_DB"`
	MinSpeechDuration   time.Duration `env:"FABLECAST_MIN_SPEECH_DURATION"`
	MaxTrailingSilence  time.Duration `env:"FABLECAST_MAX_TRAILING_SILENCE"`

	// Output.
	OutputDir    string        `env:"FABLECAST_OUTPUT_DIR"`
	SampleRate   int           `env:"FABLECAST_SAMPLE_RATE"`
	UnitPause    time.Duration `env:"FABLECAST_UNIT_PAUSE"`
	ChapterPause time.Duration `env:"FABLECAST_CHAPTER_PAUSE"`

	// Storage.
	CacheDir      string `env:"FABLECAST_CACHE_DIR"`
	CacheCapacity int64  `env:"FABLECAST_CACHE_CAPACITY"`
	StateDir      string `env:"FABLECAST_STATE_DIR"`

	// NarrationPrompt is prepended to every unit so the voice keeps a
	// consistent register across calls.
	NarrationPrompt string `env:"FABLECAST_NARRATION_PROMPT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Model:               "gemini-2.5-flash-preview-tts",
		Voice:               "Kore",
		TokenBudget:         30000,
		ReductionSteps:      []int{25000, 20000, 15000, 10000, 5000},
		RequestsPerMinute:   15,
		TokensPerMinute:     10000,
		MinRequestGap:       4 * time.Second,
		MaxRateLimitRetries: 3,
		MaxQualityRetries:   2,
		QualityEnabled:      true,
		ConfidenceThreshold: 0.7,
		SilenceThresholdDB:  -40,
		MinSpeechDuration:   time.Second,
		MaxTrailingSilence:  3 * time.Second,
		OutputDir:           ".",
		SampleRate:          24000,
		UnitPause:           500 * time.Millisecond,
		ChapterPause:        2 * time.Second,
		CacheCapacity:       1 << 30,
		NarrationPrompt:     "Read the following text aloud in a warm, steady narration voice:",
	}
}

// SetViperDefaults registers the defaults so a generated config file and
// viper lookups agree with Default().
func SetViperDefaults() {
	d := Default()
	viper.SetDefault("model", d.Model)
	viper.SetDefault("voice", d.Voice)
	viper.SetDefault("token_budget", d.TokenBudget)
	viper.SetDefault("safe_mode", d.SafeMode)
	viper.SetDefault("reduction_steps", d.ReductionSteps)
	viper.SetDefault("quota.requests_per_minute", d.RequestsPerMinute)
	viper.SetDefault("quota.tokens_per_minute", d.TokensPerMinute)
	viper.SetDefault("quota.min_request_gap", d.MinRequestGap)
	viper.SetDefault("retry.max_rate_limit_retries", d.MaxRateLimitRetries)
	viper.SetDefault("retry.max_quality_retries", d.MaxQualityRetries)
	viper.SetDefault("quality.enabled", d.QualityEnabled)
	viper.SetDefault("quality.confidence_threshold", d.ConfidenceThreshold)
	viper.SetDefault("quality.silence_threshold_db", d.SilenceThresholdDB)
	viper.SetDefault("quality.min_speech_duration", d.MinSpeechDuration)
	viper.SetDefault("quality.max_trailing_silence", d.MaxTrailingSilence)
	viper.SetDefault("output.dir", d.OutputDir)
	viper.SetDefault("output.sample_rate", d.SampleRate)
	viper.SetDefault("output.unit_pause", d.UnitPause)
	viper.SetDefault("output.chapter_pause", d.ChapterPause)
	viper.SetDefault("cache.dir", d.CacheDir)
	viper.SetDefault("cache.capacity", d.CacheCapacity)
	viper.SetDefault("state.dir", d.StateDir)
	viper.SetDefault("narration_prompt", d.NarrationPrompt)
}

// Load builds the effective configuration: defaults, then whatever the
// viper config file sets, then environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if viper.IsSet("api_key") {
		cfg.APIKey = viper.GetString("api_key")
	}
	if viper.IsSet("model") {
		cfg.Model = viper.GetString("model")
	}
	if viper.IsSet("voice") {
		cfg.Voice = viper.GetString("voice")
	}
	if viper.IsSet("token_budget") {
		cfg.TokenBudget = viper.GetInt("token_budget")
	}
	if viper.IsSet("safe_mode") {
		cfg.SafeMode = viper.GetBool("safe_mode")
	}
	if viper.IsSet("reduction_steps") {
		cfg.ReductionSteps = viper.GetIntSlice("reduction_steps")
	}
	if viper.IsSet("quota.requests_per_minute") {
		cfg.RequestsPerMinute = viper.GetInt("quota.requests_per_minute")
	}
	if viper.IsSet("quota.tokens_per_minute") {
		cfg.TokensPerMinute = viper.GetInt("quota.tokens_per_minute")
	}
	if viper.IsSet("quota.min_request_gap") {
		cfg.MinRequestGap = viper.GetDuration("quota.min_request_gap")
	}
	if viper.IsSet("retry.max_rate_limit_retries") {
		cfg.MaxRateLimitRetries = viper.GetInt("retry.max_rate_limit_retries")
	}
	if viper.IsSet("retry.max_quality_retries") {
		cfg.MaxQualityRetries = viper.GetInt("retry.max_quality_retries")
	}
	if viper.IsSet("quality.enabled") {
		cfg.QualityEnabled = viper.GetBool("quality.enabled")
	}
	if viper.IsSet("quality.confidence_threshold") {
		cfg.ConfidenceThreshold = viper.GetFloat64("quality.confidence_threshold")
	}
	if viper.IsSet("quality.silence_threshold_db") {
		cfg.SilenceThresholdDB = viper.GetFloat64("quality.silence_threshold_db")
	}
	if viper.IsSet("quality.min_speech_duration") {
		cfg.MinSpeechDuration = viper.GetDuration("quality.min_speech_duration")
	}
	if viper.IsSet("quality.max_trailing_silence") {
		cfg.MaxTrailingSilence = viper.GetDuration("quality.max_trailing_silence")
	}
	if viper.IsSet("output.dir") {
		cfg.OutputDir = viper.GetString("output.dir")
	}
	if viper.IsSet("output.sample_rate") {
		cfg.SampleRate = viper.GetInt("output.sample_rate")
	}
	if viper.IsSet("output.unit_pause") {
		cfg.UnitPause = viper.GetDuration("output.unit_pause")
	}
	if viper.IsSet("output.chapter_pause") {
		cfg.ChapterPause = viper.GetDuration("output.chapter_pause")
	}
	if viper.IsSet("cache.dir") {
		cfg.CacheDir = viper.GetString("cache.dir")
	}
	if viper.IsSet("cache.capacity") {
		cfg.CacheCapacity = viper.GetInt64("cache.capacity")
	}
	if viper.IsSet("state.dir") {
		cfg.StateDir = viper.GetString("state.dir")
	}
	if viper.IsSet("narration_prompt") {
		cfg.NarrationPrompt = viper.GetString("narration_prompt")
	}

	// Environment beats the config file.
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	// The provider key is commonly set through its own variable.
	if cfg.APIKey == "" {
		if key := viper.GetString("gemini_api_key"); key != "" {
			cfg.APIKey = key
		}
	}

	for _, dir := range []*string{&cfg.OutputDir, &cfg.CacheDir, &cfg.StateDir} {
		if *dir == "" {
			continue
		}
		expanded, err := homedir.Expand(*dir)
		if err != nil {
			return cfg, fmt.Errorf("expand path %q: %w", *dir, err)
		}
		*dir = expanded
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model must not be empty")
	}
	if c.Voice == "" {
		return fmt.Errorf("voice must not be empty")
	}
	if c.TokenBudget < 100 || c.TokenBudget > 200000 {
		return fmt.Errorf("token_budget must be between 100 and 200000, got %d", c.TokenBudget)
	}
	for _, step := range c.ReductionSteps {
		if step < 100 {
			return fmt.Errorf("reduction_steps entries must be at least 100, got %d", step)
		}
	}
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("quota.requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	}
	if c.TokensPerMinute < 1 {
		return fmt.Errorf("quota.tokens_per_minute must be positive, got %d", c.TokensPerMinute)
	}
	if c.MinRequestGap < 0 {
		return fmt.Errorf("quota.min_request_gap must not be negative, got %v", c.MinRequestGap)
	}
	if c.MaxRateLimitRetries < 0 || c.MaxQualityRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("quality.confidence_threshold must be in [0, 1], got %.2f", c.ConfidenceThreshold)
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("output.sample_rate must be between 8000 and 48000, got %d", c.SampleRate)
	}
	if c.UnitPause < 0 || c.ChapterPause < 0 {
		return fmt.Errorf("pauses must not be negative")
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("cache.capacity must not be negative, got %d", c.CacheCapacity)
	}
	return nil
}

// EffectiveBudget returns the starting token ceiling, honoring SafeMode.
func (c Config) EffectiveBudget() int {
	if c.SafeMode && c.TokenBudget > 5000 {
		return 5000
	}
	return c.TokenBudget
}
