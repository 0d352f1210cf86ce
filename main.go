// Package main provides the entry point for the fablecast CLI, which
// narrates long-form text through a quota-limited remote TTS provider.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wowitsjack/fablecast/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	voice      string
	model      string
	outputDir  string
	budget     int
	safeMode   bool
	resumeJob  bool
	dryRun     bool
	noCache    bool
	noQuality  bool

	rootCmd = &cobra.Command{
		Use:   "fablecast [SOURCE]",
		Short: "Narrate books from the CLI",
		Long: paragraph(
			fmt.Sprintf("\nTurn a book into %s, chapter by chapter, through a rate-limited TTS provider.", keyword("narrated audio")),
		),
		Example:          "fablecast book.md\nfablecast --voice Puck --safe chapter.txt\ncat notes.txt | fablecast -o out/",
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		RunE:             execute,
	}
)

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().StringVarP(&voice, "voice", "V", "", "provider voice name")
	rootCmd.Flags().StringVarP(&model, "model", "m", "", "provider TTS model")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory for generated WAV files")
	rootCmd.Flags().IntVarP(&budget, "budget", "b", 0, "initial per-request token budget")
	rootCmd.Flags().BoolVar(&safeMode, "safe", false, "start from a conservative token budget")
	rootCmd.Flags().BoolVarP(&resumeJob, "resume", "r", false, "resume a previously interrupted job")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the generation plan without calling the provider")
	rootCmd.Flags().BoolVar(&noCache, "no-cache", false, "disable the unit audio cache")
	rootCmd.Flags().BoolVar(&noQuality, "no-quality", false, "disable corruption detection on generated audio")

	// Config bindings; flags beat the config file and the environment.
	_ = viper.BindPFlag("voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("output.dir", rootCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("token_budget", rootCmd.Flags().Lookup("budget"))
	_ = viper.BindPFlag("safe_mode", rootCmd.Flags().Lookup("safe"))

	config.SetViperDefaults()

	rootCmd.AddCommand(configCmd, voicesCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "fablecast")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find the configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "fablecast")}, dirs...)
	}

	if c := os.Getenv("FABLECAST_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("fablecast")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("fablecast")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	configFile = filepath.Join(dirs[0], "fablecast.yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}

// defaultDir resolves an empty configured directory to the scoped default.
func defaultDir(configured string, fallback func() (string, error), kind string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := fallback()
	if err != nil {
		return "", fmt.Errorf("resolve %s directory: %w", kind, err)
	}
	return dir, nil
}
