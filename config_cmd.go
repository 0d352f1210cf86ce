package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# provider TTS model
model: "gemini-2.5-flash-preview-tts"
# narrator voice (run 'fablecast voices' for the list)
voice: "Kore"
# initial per-request token budget
token_budget: 30000
# smaller budgets tried when the provider keeps failing
reduction_steps: [25000, 20000, 15000, 10000, 5000]
# start from a conservative 5000-token budget
safe_mode: false
# narration instructions prepended to every request
narration_prompt: "Read the following text aloud in a warm, steady narration voice:"

# provider API key; the FABLECAST_API_KEY environment variable wins
# gemini_api_key: "your-key-here"

# published provider quota
quota:
  requests_per_minute: 15
  tokens_per_minute: 10000
  min_request_gap: "4s"

retry:
  # 429 retries before giving up
  max_rate_limit_retries: 3
  # regenerations of a corrupted unit before accepting it
  max_quality_retries: 2

# corruption detection on generated audio
quality:
  enabled: true
  confidence_threshold: 0.7
  silence_threshold_db: -40
  min_speech_duration: "1s"
  max_trailing_silence: "3s"

output:
  dir: "."
  sample_rate: 24000
  # silence inserted between units and between chapters
  unit_pause: "500ms"
  chapter_pause: "2s"

cache:
  # empty means the platform cache directory
  dir: ""
  capacity: 1073741824

state:
  # progress ledger location; empty means the platform data directory
  dir: ""
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the fablecast config file",
	Long:    paragraph(fmt.Sprintf("\n%s the fablecast config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("fablecast config\nfablecast config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("fablecast", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
