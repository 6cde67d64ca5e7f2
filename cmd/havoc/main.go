package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blackcoderx/havoc/pkg/control"
	"github.com/blackcoderx/havoc/pkg/experiment"
	"github.com/blackcoderx/havoc/pkg/loader"
	"github.com/blackcoderx/havoc/pkg/types"
	"github.com/blackcoderx/havoc/pkg/validation"
)

var (
	// Version info (injected by GoReleaser)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	settingsFile string
	journalFile  string
	dryRun       bool
	noRollbacks  bool
	verbose      bool

	rootCmd = &cobra.Command{
		Use:   "havoc",
		Short: "Havoc - declarative chaos-engineering experiments in your terminal",
		Long: `Havoc runs declarative chaos-engineering experiments: it checks your
system's steady state, applies the perturbations the experiment declares,
verifies the steady state again, and rolls the system back, journaling
every outcome along the way.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if it exists (optional, warn if malformed)
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: Failed to load .env file: %v\n", err)
			}
			configureLogging()
		},
	}

	runCmd = &cobra.Command{
		Use:   "run <experiment-file>",
		Short: "Run an experiment and write its journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(args[0])
		},
	}

	validateCmd = &cobra.Command{
		Use:   "validate <experiment-file>",
		Short: "Validate an experiment without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateExperiment(args[0])
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("havoc %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings",
		defaultSettingsPath(), "path to the runner settings file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	runCmd.Flags().StringVar(&journalFile, "journal", "journal.json",
		"path the journal is written to")
	runCmd.Flags().BoolVar(&dryRun, "dry", false,
		"run the experiment without executing activities")
	runCmd.Flags().BoolVar(&noRollbacks, "no-rollbacks", false,
		"do not run the rollbacks at the end of the experiment")
	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func configureLogging() {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

func defaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".havoc", "settings.yaml")
}

func runExperiment(path string) error {
	settings, err := loader.LoadSettings(settingsFile)
	if err != nil {
		return err
	}

	// Loader-scope controls must be in place before the document is read.
	// The runner will not configure them a second time, and the deferred
	// cleanup covers the paths that never reach it (bad document, veto).
	control.Default.Load(settings)
	control.Default.Initialize(context.Background(), nil, nil, nil, settings)
	defer control.Default.Cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	exp, err := loader.ParseExperiment(ctx, path, settings, nil)
	if err != nil {
		return err
	}
	if dryRun {
		exp["dry"] = true
	}

	runner := experiment.New(nil)
	runner.NoRollbacks = noRollbacks
	journal, err := runner.Run(ctx, exp, settings)
	if err != nil {
		return err
	}

	if err := writeJournal(experiment.ScrubSecrets(journal)); err != nil {
		return err
	}

	if journal.Status() != types.StatusCompleted {
		return fmt.Errorf("experiment ended with status: %s", journal.Status())
	}
	return nil
}

func validateExperiment(path string) error {
	settings, err := loader.LoadSettings(settingsFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	exp, err := loader.ParseExperiment(ctx, path, settings, nil)
	if err != nil {
		return err
	}
	if err := validation.EnsureExperimentIsValid(exp); err != nil {
		return err
	}
	fmt.Println("experiment syntax and semantics look valid")
	return nil
}

func writeJournal(journal types.Journal) error {
	payload, err := json.MarshalIndent(journal, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize journal: %w", err)
	}
	if err := os.WriteFile(journalFile, payload, 0o644); err != nil {
		return fmt.Errorf("could not write journal: %w", err)
	}
	zlog.Info().Msgf("Journal written to %s", journalFile)
	return nil
}
